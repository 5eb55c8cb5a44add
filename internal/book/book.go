package book

import (
	"github.com/tidwall/btree"
)

// Level is one price tick and the FIFO queue of orders resting at it.
// Queue order reflects strictly increasing admission sequence. Total caches
// the sum of member remaining quantities and is kept in lock step with every
// mutation so depth queries never walk the queue.
type Level struct {
	Price  int64
	Orders []*Order
	Total  int64
}

// Count returns the number of resident orders at the level.
func (l *Level) Count() int {
	return len(l.Orders)
}

func (l *Level) append(o *Order) {
	l.Orders = append(l.Orders, o)
	l.Total += o.Remaining()
}

func (l *Level) remove(o *Order) bool {
	for i, res := range l.Orders {
		if res.ID == o.ID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.Total -= o.Remaining()
			if l.Total < 0 {
				l.Total = 0
			}
			return true
		}
	}
	return false
}

// LevelView is a copyable summary of one level, used for depth snapshots.
type LevelView struct {
	Price int64
	Total int64
	Count int
}

type ladder = btree.BTreeG[*Level]

// Book is the per-market ladder of price levels plus an arena of every order
// the market has admitted, indexed by id. Bids sort descending, asks
// ascending, so Min() of either ladder is the best price. The book is a pure
// data structure: it is owned and mutated exclusively by one market loop.
type Book struct {
	Market string

	bids *ladder
	asks *ladder

	arena    map[uint64]*Order
	memberOf map[uint64]*Level
}

// New creates an empty book for a market.
func New(market string) *Book {
	return &Book{
		Market: market,
		bids: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price > b.Price
		}),
		asks: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price < b.Price
		}),
		arena:    make(map[uint64]*Order),
		memberOf: make(map[uint64]*Level),
	}
}

func (b *Book) side(s Side) *ladder {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// Track registers an order in the arena without resting it. Every admitted
// order is tracked, including IOC/FOK orders that never rest, so later
// lookups and reconciliation can resolve ids.
func (b *Book) Track(o *Order) {
	b.arena[o.ID] = o
}

// Get resolves an order id against the arena.
func (b *Book) Get(id uint64) (*Order, bool) {
	o, ok := b.arena[id]
	return o, ok
}

// Rest links an order to the back of its price level, creating the level if
// needed. The order must already be tracked.
func (b *Book) Rest(o *Order) {
	ld := b.side(o.Side)
	lvl, ok := ld.Get(&Level{Price: o.Price})
	if !ok {
		lvl = &Level{Price: o.Price}
		ld.Set(lvl)
	}
	lvl.append(o)
	b.memberOf[o.ID] = lvl
}

// Resting reports whether the order currently sits on a level.
func (b *Book) Resting(id uint64) bool {
	_, ok := b.memberOf[id]
	return ok
}

// Unlink removes an order from its level, deleting the level if it empties.
// The order stays in the arena. Returns false if the order was not resting.
func (b *Book) Unlink(o *Order) bool {
	lvl, ok := b.memberOf[o.ID]
	if !ok {
		return false
	}
	lvl.remove(o)
	delete(b.memberOf, o.ID)
	if len(lvl.Orders) == 0 {
		b.side(o.Side).Delete(lvl)
	}
	return true
}

// ApplyFill commits qty against an order: its filled quantity grows, its
// level total shrinks, and a fully filled resting order is unlinked. Status
// moves forward to PartiallyFilled or Filled accordingly.
func (b *Book) ApplyFill(o *Order, qty int64) {
	o.Filled += qty
	o.touch()
	if lvl, ok := b.memberOf[o.ID]; ok {
		lvl.Total -= qty
	}
	if o.Remaining() <= 0 {
		o.Status = Filled
		b.Unlink(o)
	} else {
		o.Status = PartiallyFilled
	}
}

// Decrement shrinks an order's original quantity without producing a fill
// (self-trade prevention). A resting order's level total shrinks with it; an
// order decremented to zero remaining is unlinked and marked cancelled.
func (b *Book) Decrement(o *Order, qty int64) {
	o.Qty -= qty
	o.touch()
	if lvl, ok := b.memberOf[o.ID]; ok {
		lvl.Total -= qty
	}
	if o.Remaining() <= 0 {
		o.Status = Cancelled
		b.Unlink(o)
	}
}

// LevelAt returns the level at an exact price on a side, if present.
func (b *Book) LevelAt(s Side, price int64) (*Level, bool) {
	return b.side(s).Get(&Level{Price: price})
}

// Best returns the best level on a ladder side: highest bid or lowest ask.
func (b *Book) Best(s Side) (*Level, bool) {
	return b.side(s).Min()
}

// Crosses reports whether an incoming order at price would trade against
// bestPrice on the opposite side.
func Crosses(incoming Side, price, bestPrice int64) bool {
	if incoming == Buy {
		return price >= bestPrice
	}
	return price <= bestPrice
}

// ScanCrossing walks the opposite ladder best-first for as long as the
// incoming order's limit price crosses, stopping early if fn returns false.
func (b *Book) ScanCrossing(incoming Side, price int64, fn func(lvl *Level) bool) {
	b.side(incoming.Opposite()).Scan(func(lvl *Level) bool {
		if !Crosses(incoming, price, lvl.Price) {
			return false
		}
		return fn(lvl)
	})
}

// Depth returns up to n levels per side, best-first. n <= 0 means all.
func (b *Book) Depth(n int) (bids, asks []LevelView) {
	collect := func(ld *ladder) []LevelView {
		var out []LevelView
		ld.Scan(func(lvl *Level) bool {
			out = append(out, LevelView{Price: lvl.Price, Total: lvl.Total, Count: len(lvl.Orders)})
			return n <= 0 || len(out) < n
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// Levels returns every level on a side, best-first, for invariant checks and
// replay comparison.
func (b *Book) Levels(s Side) []*Level {
	var out []*Level
	b.side(s).Scan(func(lvl *Level) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// Walk visits every resting order, bids then asks, best level first and FIFO
// within a level.
func (b *Book) Walk(visit func(o *Order)) {
	for _, s := range []Side{Buy, Sell} {
		b.side(s).Scan(func(lvl *Level) bool {
			for _, o := range lvl.Orders {
				visit(o)
			}
			return true
		})
	}
}
