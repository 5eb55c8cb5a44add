package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	return w
}

func admitRecord(orderID uint64) *Record {
	return &Record{
		Kind:   KindAdmit,
		Market: "yes-2028",
		Admit: &Admit{
			OrderID: orderID, Owner: 7, Side: "BUY",
			Price: 50, Qty: 10, TIF: "GTC", RestQty: 10,
		},
	}
}

func collect(t *testing.T, dir string) []*Record {
	t.Helper()
	var recs []*Record
	require.NoError(t, Replay(dir, func(rec *Record) error {
		recs = append(recs, rec)
		return nil
	}))
	return recs
}

// --- Tests ------------------------------------------------------------------

func TestRecordLineRoundTrip(t *testing.T) {
	rec := &Record{
		Seq:    42,
		Time:   time.Now().UTC(),
		Kind:   KindCancel,
		Market: "yes-2028",
		Cancel: &Cancel{OrderID: 9, Qty: 3, Reason: ReasonSoft, Token: "tok-1"},
	}
	got, err := DecodeLine(string(rec.EncodeLine()))
	require.NoError(t, err)
	assert.Equal(t, rec.Seq, got.Seq)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Market, got.Market)
	assert.Equal(t, rec.Cancel, got.Cancel)
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	line := string(admitRecord(1).EncodeLine())
	// flip one payload byte, keep the CRC field intact
	corrupted := line[:20] + "X" + line[21:]
	_, err := DecodeLine(corrupted)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	seq1, err := w.Append(admitRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]*Record{admitRecord(2), admitRecord(3)}))
	seq4, err := w.Append(admitRecord(4))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(4), seq4)

	recs := collect(t, dir)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	_, err := w.Append(admitRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	assert.Equal(t, uint64(1), w.LastSeq())
	seq, err := w.Append(admitRecord(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 1 << 30}, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(admitRecord(1))
	require.NoError(t, err)
	_, err = w.Append(admitRecord(2))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.file.Close()) // skip sealing, leave current.wal behind

	// simulate a crash mid-append
	path := filepath.Join(dir, currentName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2026-01-01T00:00:00Z|3|ADMIT|yes-2028|torn")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openTestWAL(t, dir)
	assert.Equal(t, uint64(2), w.LastSeq(), "torn tail must not count")
	require.NoError(t, w.Close())

	recs := collect(t, dir)
	assert.Len(t, recs, 2)
}

func TestReplayRejectsCorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	_, err := w.Append(admitRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close()) // seals the segment

	segs, err := sealedSegments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	// bit rot inside a sealed segment is lost history, not a torn write
	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2026-01-01T00:00:00Z|2|ADMIT|yes-2028|rot\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen int
	err = Replay(dir, func(rec *Record) error {
		seen++
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptSegment)
	assert.Equal(t, 1, seen, "valid prefix replays before the abort")
}

func TestReplayToleratesTornCurrentTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 1 << 30}, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(admitRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.file.Close()) // skip sealing, leave current.wal behind

	path := filepath.Join(dir, currentName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2026-01-01T00:00:00Z|2|ADMIT|yes-2028|torn")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs := collect(t, dir)
	assert.Len(t, recs, 1)
}

func TestRotationSealsSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 128}, zerolog.Nop())
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		_, err := w.Append(admitRecord(i))
		require.NoError(t, err)
		require.NoError(t, w.Sync())
	}
	require.NoError(t, w.Close())

	segs, err := sealedSegments(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, segs, "small segment size must force sealing")

	recs := collect(t, dir)
	require.Len(t, recs, 10)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq, "replay must cross segment boundaries in order")
	}
}
