package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"matchbook/internal/book"
)

func TestRelatedOwners(t *testing.T) {
	f := NewSTPFilter(STPConfig{
		OrgGroups: map[uint64]uint64{10: 1, 11: 1, 12: 2},
	}, zerolog.Nop())

	assert.True(t, f.Related(5, 5), "same owner is always related")
	assert.True(t, f.Related(10, 11), "same org group")
	assert.False(t, f.Related(10, 12), "different org groups")
	assert.False(t, f.Related(10, 99), "unknown owner")
}

func TestCrossMarketConflict(t *testing.T) {
	f := NewSTPFilter(STPConfig{
		CrossMarketGroups: [][]string{{"yes-2028", "no-2028"}},
	}, zerolog.Nop())

	resting := &book.Order{ID: 1, Market: "no-2028", Owner: 7, Side: book.Buy, Qty: 5}
	f.OnRest(resting)

	incoming := &book.Order{ID: 2, Market: "yes-2028", Owner: 7, Side: book.Sell, Qty: 5}
	assert.True(t, f.CrossMarketConflict(incoming))

	sameSide := &book.Order{ID: 3, Market: "yes-2028", Owner: 7, Side: book.Buy, Qty: 5}
	assert.False(t, f.CrossMarketConflict(sameSide), "same side never conflicts")

	f.OnUnrest(resting)
	assert.False(t, f.CrossMarketConflict(incoming), "unrested orders leave the index")
}

func TestCrossMarketConflictIgnoresUncorrelated(t *testing.T) {
	f := NewSTPFilter(STPConfig{
		CrossMarketGroups: [][]string{{"yes-2028", "no-2028"}},
	}, zerolog.Nop())

	f.OnRest(&book.Order{ID: 1, Market: "other", Owner: 7, Side: book.Buy, Qty: 5})
	incoming := &book.Order{ID: 2, Market: "yes-2028", Owner: 7, Side: book.Sell, Qty: 5}
	assert.False(t, f.CrossMarketConflict(incoming))
}

func TestWashScoreFlagsOverThreshold(t *testing.T) {
	f := NewSTPFilter(STPConfig{
		WashWindow:    time.Minute,
		WashThreshold: 3,
	}, zerolog.Nop())

	f.RecordTrigger(7)
	f.RecordTrigger(7)
	assert.False(t, f.Flagged(7))

	f.RecordTrigger(7)
	assert.True(t, f.Flagged(7))
	assert.False(t, f.Flagged(8), "other owners unaffected")
}

func TestWashScoreWindowPrunes(t *testing.T) {
	f := NewSTPFilter(STPConfig{
		WashWindow:    10 * time.Millisecond,
		WashThreshold: 3,
	}, zerolog.Nop())

	f.RecordTrigger(7)
	f.RecordTrigger(7)
	time.Sleep(20 * time.Millisecond)
	f.RecordTrigger(7)
	assert.False(t, f.Flagged(7), "stale triggers fall out of the window")
}
