package server

import "sync"

type subscription[T any] struct {
	ch     chan T
	market string // empty subscribes to every market
}

// hub fans values out to websocket subscribers, optionally filtered by
// market. Broadcast never blocks: a subscriber that cannot keep up misses
// frames and recovers through the snapshot-on-gap protocol.
type hub[T any] struct {
	mu   sync.RWMutex
	subs map[*subscription[T]]struct{}
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[*subscription[T]]struct{})}
}

func (h *hub[T]) Subscribe(market string, buffer int) *subscription[T] {
	sub := &subscription[T]{ch: make(chan T, buffer), market: market}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub[T]) Unsubscribe(sub *subscription[T]) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	close(sub.ch)
}

func (h *hub[T]) Broadcast(market string, value T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.market != "" && sub.market != market {
			continue
		}
		select {
		case sub.ch <- value:
		default:
		}
	}
}
