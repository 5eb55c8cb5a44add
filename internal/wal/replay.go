package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Replay streams every durable record in commit order: sealed segments by
// segment number, then the unsealed tail. Only the tail gets the tolerant
// treatment — a corrupt line there is a torn write and the scan stops, while
// a sealed segment was fsynced whole, so corruption inside one means lost
// history and aborts the replay.
func Replay(dir string, fn func(rec *Record) error) error {
	segs, err := sealedSegments(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, path := range segs {
		if err := replayFile(path, true, fn); err != nil {
			return err
		}
	}
	return replayFile(filepath.Join(dir, currentName), false, fn)
}

func replayFile(path string, sealed bool, fn func(rec *Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		rec, err := DecodeLine(sc.Text())
		if err != nil {
			if sealed {
				return fmt.Errorf("%w: %s", ErrCorruptSegment, filepath.Base(path))
			}
			return nil // torn tail; durable prefix fully replayed
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
