package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

var nextID uint64

func newOrder(side Side, price, qty int64) *Order {
	nextID++
	return &Order{
		ID:      nextID,
		Market:  "yes-2028",
		Owner:   1,
		Side:    side,
		Price:   price,
		Qty:     qty,
		TIF:     GTC,
		Status:  Open,
		Seq:     nextID,
		Version: 1,
	}
}

func rest(b *Book, side Side, price, qty int64) *Order {
	o := newOrder(side, price, qty)
	b.Track(o)
	b.Rest(o)
	return o
}

// levelSum recomputes the aggregate a level must hold.
func levelSum(lvl *Level) int64 {
	var sum int64
	for _, o := range lvl.Orders {
		sum += o.Remaining()
	}
	return sum
}

func assertAggregates(t *testing.T, b *Book) {
	t.Helper()
	for _, side := range []Side{Buy, Sell} {
		for _, lvl := range b.Levels(side) {
			assert.Equal(t, levelSum(lvl), lvl.Total, "level %d aggregate", lvl.Price)
		}
	}
}

// --- Tests ------------------------------------------------------------------

func TestRestBuildsLevels(t *testing.T) {
	b := New("yes-2028")
	rest(b, Buy, 50, 10)
	rest(b, Buy, 50, 5)
	rest(b, Buy, 48, 7)
	rest(b, Sell, 55, 3)

	lvl, ok := b.LevelAt(Buy, 50)
	require.True(t, ok)
	assert.Equal(t, int64(15), lvl.Total)
	assert.Equal(t, 2, lvl.Count())

	best, ok := b.Best(Buy)
	require.True(t, ok)
	assert.Equal(t, int64(50), best.Price)

	best, ok = b.Best(Sell)
	require.True(t, ok)
	assert.Equal(t, int64(55), best.Price)

	assertAggregates(t, b)
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New("yes-2028")
	first := rest(b, Buy, 50, 10)
	second := rest(b, Buy, 50, 5)

	lvl, ok := b.LevelAt(Buy, 50)
	require.True(t, ok)
	require.Equal(t, 2, lvl.Count())
	assert.Equal(t, first.ID, lvl.Orders[0].ID)
	assert.Equal(t, second.ID, lvl.Orders[1].ID)
}

func TestApplyFillPartialAndFull(t *testing.T) {
	b := New("yes-2028")
	o := rest(b, Sell, 60, 12)

	b.ApplyFill(o, 5)
	assert.Equal(t, PartiallyFilled, o.Status)
	assert.Equal(t, int64(7), o.Remaining())
	assert.True(t, b.Resting(o.ID))
	assertAggregates(t, b)

	b.ApplyFill(o, 7)
	assert.Equal(t, Filled, o.Status)
	assert.False(t, b.Resting(o.ID))
	_, ok := b.LevelAt(Sell, 60)
	assert.False(t, ok, "emptied level must be removed")

	// the arena still resolves terminal orders
	got, ok := b.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, Filled, got.Status)
}

func TestDecrement(t *testing.T) {
	b := New("yes-2028")
	o := rest(b, Buy, 50, 10)

	b.Decrement(o, 4)
	assert.Equal(t, int64(6), o.Remaining())
	assert.True(t, b.Resting(o.ID))
	assertAggregates(t, b)

	b.Decrement(o, 6)
	assert.Equal(t, Cancelled, o.Status)
	assert.False(t, b.Resting(o.ID))
}

func TestUnlinkKeepsArena(t *testing.T) {
	b := New("yes-2028")
	o := rest(b, Buy, 45, 3)

	require.True(t, b.Unlink(o))
	assert.False(t, b.Resting(o.ID))
	_, ok := b.Get(o.ID)
	assert.True(t, ok)

	assert.False(t, b.Unlink(o), "second unlink is a no-op")
}

func TestCrosses(t *testing.T) {
	assert.True(t, Crosses(Buy, 55, 55))
	assert.True(t, Crosses(Buy, 56, 55))
	assert.False(t, Crosses(Buy, 54, 55))
	assert.True(t, Crosses(Sell, 55, 55))
	assert.True(t, Crosses(Sell, 54, 55))
	assert.False(t, Crosses(Sell, 56, 55))
}

func TestScanCrossingStopsAtLimit(t *testing.T) {
	b := New("yes-2028")
	rest(b, Sell, 52, 1)
	rest(b, Sell, 54, 1)
	rest(b, Sell, 56, 1)

	var prices []int64
	b.ScanCrossing(Buy, 54, func(lvl *Level) bool {
		prices = append(prices, lvl.Price)
		return true
	})
	assert.Equal(t, []int64{52, 54}, prices)
}

func TestDepthViews(t *testing.T) {
	b := New("yes-2028")
	rest(b, Buy, 50, 10)
	rest(b, Buy, 49, 5)
	rest(b, Buy, 48, 2)
	rest(b, Sell, 52, 4)

	bids, asks := b.Depth(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 1)
	assert.Equal(t, LevelView{Price: 50, Total: 10, Count: 1}, bids[0])
	assert.Equal(t, LevelView{Price: 49, Total: 5, Count: 1}, bids[1])
	assert.Equal(t, LevelView{Price: 52, Total: 4, Count: 1}, asks[0])

	bids, _ = b.Depth(0)
	assert.Len(t, bids, 3, "n <= 0 returns all levels")
}

func TestWalkOrder(t *testing.T) {
	b := New("yes-2028")
	b1 := rest(b, Buy, 50, 1)
	b2 := rest(b, Buy, 50, 1)
	b3 := rest(b, Buy, 49, 1)
	a1 := rest(b, Sell, 51, 1)

	var ids []uint64
	b.Walk(func(o *Order) { ids = append(ids, o.ID) })
	assert.Equal(t, []uint64{b1.ID, b2.ID, b3.ID, a1.ID}, ids)
}
