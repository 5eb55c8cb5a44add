package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const currentName = "current.wal"

// Config controls segment placement and rotation.
type Config struct {
	Dir             string
	SegmentSize     uint64
	SegmentDuration time.Duration
}

// WAL is the append-only durability layer. Appends from all market loops are
// serialized through one mutex, which also hands out the engine-scoped
// sequence, so file order and sequence order always agree. Nothing is
// acknowledged upstream until Sync has returned.
type WAL struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	file            *os.File
	writer          *bufio.Writer
	seq             uint64
	segmentID       int
	segmentStartSeq uint64
	bytesWritten    uint64
	lastRotationAt  time.Time
}

// Open creates or recovers the log in cfg.Dir. The tail segment is scanned
// line by line; a torn or CRC-corrupt tail is truncated away, matching the
// last fully durable append.
func Open(cfg Config, log zerolog.Logger) (*WAL, error) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 64 << 20
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{cfg: cfg, log: log, lastRotationAt: time.Now()}

	segs, err := sealedSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if n := len(segs); n > 0 {
		fmt.Sscanf(filepath.Base(segs[n-1]), "%06d.wal", &w.segmentID)
		last, err := lastSeqOf(segs[n-1])
		if err != nil {
			return nil, err
		}
		w.seq = last
	}
	w.segmentStartSeq = w.seq + 1

	path := filepath.Join(cfg.Dir, currentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.file = f

	if err := w.recoverCurrent(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	w.writer = bufio.NewWriterSize(f, 1<<20)
	return w, nil
}

// Append assigns the next sequence to rec, stamps it if unstamped, and
// buffers the line. Durability requires a subsequent Sync.
func (w *WAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := w.stamp(rec)
	if w.shouldRotate(len(line)) {
		if err := w.rotate(); err != nil {
			w.seq--
			return 0, err
		}
	}
	if _, err := w.writer.Write(line); err != nil {
		w.seq--
		return 0, err
	}
	w.bytesWritten += uint64(len(line))
	return rec.Seq, nil
}

// AppendBatch writes several records under one lock acquisition so their
// sequences are contiguous and no other market's entries interleave. All
// lines are encoded up front and written with a single call; a write error
// therefore never leaves a partial batch buffered for a later retry to
// duplicate.
func (w *WAL) AppendBatch(recs []*Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	for _, rec := range recs {
		buf = append(buf, w.stamp(rec)...)
	}
	if w.shouldRotate(len(buf)) {
		if err := w.rotate(); err != nil {
			w.seq -= uint64(len(recs))
			return err
		}
	}
	if _, err := w.writer.Write(buf); err != nil {
		w.seq -= uint64(len(recs))
		return err
	}
	w.bytesWritten += uint64(len(buf))
	return nil
}

func (w *WAL) stamp(rec *Record) []byte {
	w.seq++
	rec.Seq = w.seq
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	return rec.EncodeLine()
}

// Sync flushes the buffer and fsyncs the segment. This is the durability
// gate: callers acknowledge only after Sync returns nil.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// LastSeq returns the last sequence assigned.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close seals the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.bytesWritten > 0 {
		return w.seal()
	}
	return w.file.Close()
}

func (w *WAL) shouldRotate(next int) bool {
	if w.bytesWritten == 0 {
		return false
	}
	return w.bytesWritten+uint64(next) >= w.cfg.SegmentSize ||
		time.Since(w.lastRotationAt) >= w.cfg.SegmentDuration
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.seal(); err != nil {
		return err
	}

	path := filepath.Join(w.cfg.Dir, currentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 1<<20)
	w.segmentStartSeq = w.seq + 1
	w.bytesWritten = 0
	w.lastRotationAt = time.Now()
	return nil
}

func (w *WAL) seal() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentID++
	name := fmt.Sprintf("%06d.wal", w.segmentID)
	if err := os.Rename(filepath.Join(w.cfg.Dir, currentName), filepath.Join(w.cfg.Dir, name)); err != nil {
		return err
	}
	w.log.Info().
		Str("segment", name).
		Uint64("first_seq", w.segmentStartSeq).
		Uint64("last_seq", w.seq).
		Msg("sealed wal segment")
	return nil
}

// recoverCurrent scans the open tail segment, keeping w.seq at the last
// valid record and truncating anything after the first bad line.
func (w *WAL) recoverCurrent() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var valid int64
	r := bufio.NewReader(w.file)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				break // torn tail without newline
			}
			w.bytesWritten = uint64(valid)
			return nil
		}
		if err != nil {
			return err
		}
		rec, derr := DecodeLine(line)
		if derr != nil {
			break
		}
		w.seq = rec.Seq
		valid += int64(len(line))
	}
	w.log.Warn().Int64("valid_bytes", valid).Msg("truncating torn wal tail")
	if err := w.file.Truncate(valid); err != nil {
		return err
	}
	if _, err := w.file.Seek(valid, io.SeekStart); err != nil {
		return err
	}
	w.bytesWritten = uint64(valid)
	return nil
}

func sealedSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []string
	for _, e := range entries {
		name := e.Name()
		if name != currentName && strings.HasSuffix(name, ".wal") {
			segs = append(segs, filepath.Join(dir, name))
		}
	}
	sort.Strings(segs)
	return segs, nil
}

func lastSeqOf(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var last uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		rec, err := DecodeLine(sc.Text())
		if err != nil {
			break
		}
		last = rec.Seq
	}
	return last, sc.Err()
}
