package engine

import (
	"sync"
	"time"

	"matchbook/internal/book"
)

// CancelKind selects the race semantics of a cancellation.
type CancelKind uint8

const (
	// SoftCancel removes whatever quantity remains when the market loop
	// reaches the request. Fills committed ahead of it in the serialized
	// stream stand; the order is never both filled and cancelled for the
	// same quantity.
	SoftCancel CancelKind = iota
	// HardCancel performs an atomic check-and-remove against the order's
	// version. If any fill has already committed, it resolves RaceLost and
	// removes nothing.
	HardCancel
)

func (k CancelKind) String() string {
	if k == HardCancel {
		return "HARD"
	}
	return "SOFT"
}

// Outcome is the single resolution of a cancellation request.
type Outcome uint8

const (
	OutcomeCancelled Outcome = iota
	OutcomeRaceLost
	OutcomeNotFound
)

var outcomeNames = [...]string{"CANCELLED", "RACE_LOST", "NOT_FOUND"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "UNKNOWN"
}

// CancelRequest asks for an order's removal. Token is the idempotency key:
// redelivery of the same token returns the memoized outcome.
type CancelRequest struct {
	Market  string
	OrderID uint64
	Caller  uint64
	Kind    CancelKind
	Token   string
}

// CancelResult is the resolved outcome plus the authoritative order state.
type CancelResult struct {
	Outcome Outcome
	Order   book.Order
	Err     error
}

// cancelMemo memoizes resolved cancellations by token so repeated delivery
// of the same cancellation message is idempotent. Entries older than the
// retention window are pruned on insert.
type cancelMemo struct {
	mu        sync.Mutex
	outcomes  map[string]CancelResult
	seen      []tokenAt
	retention time.Duration
}

type tokenAt struct {
	token string
	at    time.Time
}

func newCancelMemo(retention time.Duration) *cancelMemo {
	if retention == 0 {
		retention = time.Hour
	}
	return &cancelMemo{
		outcomes:  make(map[string]CancelResult),
		retention: retention,
	}
}

func (m *cancelMemo) lookup(token string) (CancelResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.outcomes[token]
	return res, ok
}

func (m *cancelMemo) store(token string, res CancelResult) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.retention)
	for len(m.seen) > 0 && m.seen[0].at.Before(cutoff) {
		delete(m.outcomes, m.seen[0].token)
		m.seen = m.seen[1:]
	}
	if _, exists := m.outcomes[token]; !exists {
		m.seen = append(m.seen, tokenAt{token: token, at: now})
	}
	m.outcomes[token] = res
}

// OrderEvent is one committed transition affecting an order, keyed by WAL
// sequence. Reconciliation replays these to clients recovering from gaps.
type OrderEvent struct {
	Seq   uint64
	Kind  string // FILL, CANCEL, EXPIRE
	Price int64
	Qty   int64
	Time  time.Time
}

// ReconcileResult returns the authoritative order state plus everything the
// client missed after its last known sequence.
type ReconcileResult struct {
	Order  book.Order
	VWAP   string
	Missed []OrderEvent
	Err    error
}
