package settle

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matchbook/internal/book"
)

// Band is a settlement priority class. P0 settles first (large notional or
// time-critical), P3 is background.
type Band uint8

const (
	P0 Band = iota
	P1
	P2
	P3
)

var bandNames = [...]string{"P0", "P1", "P2", "P3"}

func (b Band) String() string {
	if int(b) < len(bandNames) {
		return bandNames[b]
	}
	return "UNKNOWN"
}

// EntryStatus tracks an entry through delivery.
type EntryStatus uint8

const (
	StatusQueued EntryStatus = iota
	StatusInFlight
	StatusAcked
)

// Entry is one trade handed to the settlement pipeline. Ref is the trade
// reference downstream systems key on.
type Entry struct {
	Ref      string
	Fill     book.Fill
	Band     Band
	Notional decimal.Decimal
	Status   EntryStatus

	enqueuedAt time.Time
	sentAt     time.Time
}

// Banding maps a fill's notional to its priority band. Cutoffs are exact
// decimals: notional >= P0Cutoff lands in P0 and so on down; below P2Cutoff
// is background P3.
type Banding struct {
	P0Cutoff decimal.Decimal
	P1Cutoff decimal.Decimal
	P2Cutoff decimal.Decimal
}

// DefaultBanding uses notional cutoffs of 100_000 / 10_000 / 1_000 ticks.
func DefaultBanding() Banding {
	return Banding{
		P0Cutoff: decimal.NewFromInt(100_000),
		P1Cutoff: decimal.NewFromInt(10_000),
		P2Cutoff: decimal.NewFromInt(1_000),
	}
}

func (b Banding) bandOf(notional decimal.Decimal) Band {
	switch {
	case notional.GreaterThanOrEqual(b.P0Cutoff):
		return P0
	case notional.GreaterThanOrEqual(b.P1Cutoff):
		return P1
	case notional.GreaterThanOrEqual(b.P2Cutoff):
		return P2
	default:
		return P3
	}
}

// Queue buffers settlement entries by priority band, FIFO within a band.
// Dequeued entries stay in-flight until acknowledged; entries whose ack does
// not arrive within the redelivery timeout return to the front of their band,
// giving at-least-once delivery.
type Queue struct {
	mu        sync.Mutex
	banding   Banding
	redeliver time.Duration

	bands    [4][]*Entry
	inFlight map[string]*Entry
}

// NewQueue builds an empty queue. redeliver 0 defaults to 30s.
func NewQueue(banding Banding, redeliver time.Duration) *Queue {
	if redeliver == 0 {
		redeliver = 30 * time.Second
	}
	return &Queue{
		banding:   banding,
		redeliver: redeliver,
		inFlight:  make(map[string]*Entry),
	}
}

// EnqueueFill implements the engine's fill sink: one entry per committed
// fill, banded by notional. Never blocks the market loop.
func (q *Queue) EnqueueFill(f book.Fill) {
	notional := decimal.NewFromInt(f.Price).Mul(decimal.NewFromInt(f.Qty))
	e := &Entry{
		Ref:        uuid.NewString(),
		Fill:       f,
		Band:       q.banding.bandOf(notional),
		Notional:   notional,
		Status:     StatusQueued,
		enqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.bands[e.Band] = append(q.bands[e.Band], e)
	q.mu.Unlock()
}

// DequeueBatch hands out up to maxCount entries from bands P0..maxBand,
// highest priority first, FIFO within a band. Entries move to in-flight and
// must be acknowledged with Ack before the redelivery timeout.
func (q *Queue) DequeueBatch(maxBand Band, maxCount int) []*Entry {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	q.requeueStale(now)

	var out []*Entry
	for band := P0; band <= maxBand && band <= P3; band++ {
		for len(q.bands[band]) > 0 && len(out) < maxCount {
			e := q.bands[band][0]
			q.bands[band] = q.bands[band][1:]
			e.Status = StatusInFlight
			e.sentAt = now
			q.inFlight[e.Ref] = e
			out = append(out, e)
		}
		if len(out) == maxCount {
			break
		}
	}
	return out
}

// Ack confirms delivery of an in-flight entry. Unknown refs are ignored:
// redelivery means the same ref can be acknowledged twice.
func (q *Queue) Ack(ref string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.inFlight[ref]; ok {
		e.Status = StatusAcked
		delete(q.inFlight, ref)
	}
}

// requeueStale returns timed-out in-flight entries to the front of their
// band, preserving original enqueue order among the stale.
func (q *Queue) requeueStale(now time.Time) {
	var stale []*Entry
	for _, e := range q.inFlight {
		if now.Sub(e.sentAt) >= q.redeliver {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return
	}
	for i := 0; i < len(stale); i++ {
		for j := i + 1; j < len(stale); j++ {
			if stale[j].enqueuedAt.Before(stale[i].enqueuedAt) {
				stale[i], stale[j] = stale[j], stale[i]
			}
		}
	}
	for i := len(stale) - 1; i >= 0; i-- {
		e := stale[i]
		delete(q.inFlight, e.Ref)
		e.Status = StatusQueued
		q.bands[e.Band] = append([]*Entry{e}, q.bands[e.Band]...)
	}
}

// Pending reports queued (not in-flight) entries per band, for tests and
// introspection.
func (q *Queue) Pending() [4]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [4]int
	for i := range q.bands {
		out[i] = len(q.bands[i])
	}
	return out
}

// InFlight reports the number of unacknowledged dequeued entries.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
