package settle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchbook/internal/book"
)

// --- Setup & Helpers --------------------------------------------------------

func fill(price, qty int64) book.Fill {
	return book.Fill{
		MakerID: 1,
		TakerID: 2,
		Market:  "yes-2028",
		Price:   price,
		Qty:     qty,
		Time:    time.Now(),
	}
}

// --- Tests ------------------------------------------------------------------

func TestBandingByNotional(t *testing.T) {
	b := DefaultBanding()
	q := NewQueue(b, 0)

	q.EnqueueFill(fill(50, 3000)) // 150_000 -> P0
	q.EnqueueFill(fill(50, 500))  // 25_000  -> P1
	q.EnqueueFill(fill(50, 40))   // 2_000   -> P2
	q.EnqueueFill(fill(50, 10))   // 500     -> P3

	assert.Equal(t, [4]int{1, 1, 1, 1}, q.Pending())
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	q := NewQueue(DefaultBanding(), 0)

	q.EnqueueFill(fill(50, 10))   // P3, first
	q.EnqueueFill(fill(50, 3000)) // P0
	q.EnqueueFill(fill(50, 20))   // P3, second

	batch := q.DequeueBatch(P3, 10)
	require.Len(t, batch, 3)
	assert.Equal(t, P0, batch[0].Band)
	assert.Equal(t, P3, batch[1].Band)
	assert.Equal(t, int64(10), batch[1].Fill.Qty, "FIFO within band")
	assert.Equal(t, int64(20), batch[2].Fill.Qty)
}

func TestDequeueRespectsMaxBandAndCount(t *testing.T) {
	q := NewQueue(DefaultBanding(), 0)

	q.EnqueueFill(fill(50, 3000)) // P0
	q.EnqueueFill(fill(50, 500))  // P1
	q.EnqueueFill(fill(50, 10))   // P3

	batch := q.DequeueBatch(P1, 10)
	require.Len(t, batch, 2, "P3 stays queued")
	assert.Equal(t, [4]int{0, 0, 0, 1}, q.Pending())

	q.EnqueueFill(fill(50, 3000))
	q.EnqueueFill(fill(50, 3000))
	batch = q.DequeueBatch(P3, 1)
	assert.Len(t, batch, 1, "maxCount caps the batch")
}

func TestAckRemovesInFlight(t *testing.T) {
	q := NewQueue(DefaultBanding(), 0)
	q.EnqueueFill(fill(50, 10))

	batch := q.DequeueBatch(P3, 1)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, q.InFlight())

	q.Ack(batch[0].Ref)
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, StatusAcked, batch[0].Status)

	// acking twice is harmless
	q.Ack(batch[0].Ref)
	assert.Equal(t, 0, q.InFlight())
}

func TestRedeliveryAfterTimeout(t *testing.T) {
	q := NewQueue(DefaultBanding(), 10*time.Millisecond)
	q.EnqueueFill(fill(50, 10))

	first := q.DequeueBatch(P3, 1)
	require.Len(t, first, 1)
	assert.Empty(t, q.DequeueBatch(P3, 1), "in-flight entries are not redelivered early")

	time.Sleep(20 * time.Millisecond)
	second := q.DequeueBatch(P3, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Ref, second[0].Ref, "same entry, same ref")
}

func TestRedeliveryPreservesOrder(t *testing.T) {
	q := NewQueue(DefaultBanding(), 10*time.Millisecond)
	q.EnqueueFill(fill(50, 1))
	time.Sleep(time.Millisecond)
	q.EnqueueFill(fill(50, 2))

	batch := q.DequeueBatch(P3, 2)
	require.Len(t, batch, 2)

	time.Sleep(20 * time.Millisecond)
	again := q.DequeueBatch(P3, 2)
	require.Len(t, again, 2)
	assert.Equal(t, int64(1), again[0].Fill.Qty)
	assert.Equal(t, int64(2), again[1].Fill.Qty)
}

func TestOutboxLifecycle(t *testing.T) {
	box, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer box.Close()

	require.NoError(t, box.PutNew("ref-1"))
	require.NoError(t, box.PutNew("ref-2"))
	require.NoError(t, box.MarkSent("ref-1", 1))
	require.NoError(t, box.MarkAcked("ref-1"))

	rec, err := box.Get("ref-1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryAcked, rec.State)
	assert.Equal(t, uint32(0), rec.Retries)

	var newRefs []string
	require.NoError(t, box.ScanByState(DeliveryNew, func(ref string, rec DeliveryRecord) error {
		newRefs = append(newRefs, ref)
		return nil
	}))
	assert.Equal(t, []string{"ref-2"}, newRefs)

	require.NoError(t, box.Delete("ref-1"))
	_, err = box.Get("ref-1")
	assert.Error(t, err)
}
