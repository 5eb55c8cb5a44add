package engine

import (
	"time"

	"matchbook/internal/book"
)

// Escrow locks funds against open orders. Lock is called synchronously
// before an admission commits; a failed lock aborts the admission with no
// WAL entry. Release returns unspent escrow on cancel/expiry, Settle moves
// it on fills.
type Escrow interface {
	Lock(owner uint64, market string, qty int64, price int64) error
	Check(owner uint64, market string, qty int64, price int64) error
	Release(owner uint64, market string, qty int64, price int64)
	Settle(fill book.Fill)
}

// Identity verifies that a caller owns the order it is operating on.
type Identity interface {
	VerifyOwner(caller uint64, owner uint64) bool
}

// MarketInfo is the reference data consulted on every admission.
type MarketInfo struct {
	MinTick       int64
	MaxTick       int64
	Halted        bool
	OpensAt       time.Time
	ClosesAt      time.Time
	ProRata       bool
	ProRataMinQty int64
}

// MarketRef resolves reference data for a market id.
type MarketRef interface {
	Lookup(market string) (MarketInfo, bool)
}

// Deps bundles the external collaborators injected at construction so each
// market's serialization domain can run against fakes in tests.
type Deps struct {
	Escrow    Escrow
	Identity  Identity
	MarketRef MarketRef
}

// DepthSink receives committed book mutations in WAL commit order.
type DepthSink interface {
	PublishDeltas(market string, depthSeq uint64, bids, asks []book.LevelView)
}

// FillSink receives committed fills for downstream settlement.
type FillSink interface {
	EnqueueFill(f book.Fill)
}

// FillNotifier pushes fill notifications to subscribed clients.
type FillNotifier interface {
	NotifyFill(f book.Fill)
}
