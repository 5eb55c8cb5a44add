package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"matchbook/internal/book"
)

// STPAction is what happens when an incoming order would cross a related
// resting order.
type STPAction uint8

const (
	// STPReject refuses the incoming order outright.
	STPReject STPAction = iota
	// STPCancelResting removes the related resting quantity, then matching
	// proceeds against unrelated liquidity.
	STPCancelResting
	// STPCancelIncoming kills the incoming order; the book is untouched.
	STPCancelIncoming
	// STPDecrementBoth shrinks both orders by the overlapping quantity
	// without producing a fill.
	STPDecrementBoth
)

var stpNames = [...]string{"REJECT", "CANCEL_RESTING", "CANCEL_INCOMING", "DECREMENT_BOTH"}

func (a STPAction) String() string {
	if int(a) < len(stpNames) {
		return stpNames[a]
	}
	return "UNKNOWN"
}

// ParseSTPAction maps a config spelling to its action.
func ParseSTPAction(s string) (STPAction, bool) {
	for i, name := range stpNames {
		if name == s {
			return STPAction(i), true
		}
	}
	return STPReject, false
}

// STPConfig configures self-trade prevention. Accounts are related when they
// share an owner or an organizational group; cross-market groups extend the
// check to correlated markets.
type STPConfig struct {
	Action            STPAction
	OrgGroups         map[uint64]uint64
	CrossMarketGroups [][]string
	WashWindow        time.Duration
	WashThreshold     int
}

// STPFilter evaluates incoming orders against resting liquidity from related
// accounts. The per-market pair decisions run inside each market's loop; the
// filter itself only holds the cross-market resting index and the wash score
// state, both behind one mutex because every access is tiny.
type STPFilter struct {
	mu  sync.Mutex
	cfg STPConfig
	log zerolog.Logger

	correlated map[string][]string
	// resting open-order counts per owner, per market, per side
	resting  map[uint64]map[string]*[2]int
	triggers map[uint64][]time.Time
	flagged  map[uint64]bool
}

// NewSTPFilter builds a filter from config.
func NewSTPFilter(cfg STPConfig, log zerolog.Logger) *STPFilter {
	if cfg.WashWindow == 0 {
		cfg.WashWindow = 5 * time.Minute
	}
	if cfg.WashThreshold == 0 {
		cfg.WashThreshold = 10
	}
	correlated := make(map[string][]string)
	for _, group := range cfg.CrossMarketGroups {
		for _, m := range group {
			for _, other := range group {
				if other != m {
					correlated[m] = append(correlated[m], other)
				}
			}
		}
	}
	return &STPFilter{
		cfg:        cfg,
		log:        log,
		correlated: correlated,
		resting:    make(map[uint64]map[string]*[2]int),
		triggers:   make(map[uint64][]time.Time),
		flagged:    make(map[uint64]bool),
	}
}

// Action returns the configured resolution mode.
func (f *STPFilter) Action() STPAction { return f.cfg.Action }

// Related reports whether two owners must not trade with each other.
func (f *STPFilter) Related(a, b uint64) bool {
	if a == b {
		return true
	}
	if f.cfg.OrgGroups == nil {
		return false
	}
	ga, ok := f.cfg.OrgGroups[a]
	if !ok {
		return false
	}
	gb, ok := f.cfg.OrgGroups[b]
	return ok && ga == gb
}

// OnRest records a newly resting order in the cross-market index.
func (f *STPFilter) OnRest(o *book.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byMarket, ok := f.resting[o.Owner]
	if !ok {
		byMarket = make(map[string]*[2]int)
		f.resting[o.Owner] = byMarket
	}
	counts, ok := byMarket[o.Market]
	if !ok {
		counts = &[2]int{}
		byMarket[o.Market] = counts
	}
	counts[o.Side]++
}

// OnUnrest removes an order from the cross-market index.
func (f *STPFilter) OnUnrest(o *book.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counts, ok := f.resting[o.Owner][o.Market]; ok && counts[o.Side] > 0 {
		counts[o.Side]--
	}
}

// CrossMarketConflict reports whether the incoming order's owner has
// opposite-side liquidity resting in a market correlated with o.Market.
func (f *STPFilter) CrossMarketConflict(o *book.Order) bool {
	others := f.correlated[o.Market]
	if len(others) == 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	byMarket := f.resting[o.Owner]
	for _, m := range others {
		if counts, ok := byMarket[m]; ok && counts[o.Side.Opposite()] > 0 {
			return true
		}
	}
	return false
}

// RecordTrigger accumulates one STP event into the owner's rolling wash
// score. Crossing the threshold flags the account for review; it never
// blocks intake.
func (f *STPFilter) RecordTrigger(owner uint64) {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	hist := f.triggers[owner]
	cutoff := now.Add(-f.cfg.WashWindow)
	for len(hist) > 0 && hist[0].Before(cutoff) {
		hist = hist[1:]
	}
	hist = append(hist, now)
	f.triggers[owner] = hist

	if len(hist) >= f.cfg.WashThreshold && !f.flagged[owner] {
		f.flagged[owner] = true
		f.log.Warn().
			Uint64("owner", owner).
			Int("triggers", len(hist)).
			Dur("window", f.cfg.WashWindow).
			Msg("wash trading score over threshold, account flagged for review")
	}
}

// Flagged reports whether an owner has crossed the wash threshold.
func (f *STPFilter) Flagged(owner uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagged[owner]
}
