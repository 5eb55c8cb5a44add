package depth

import "errors"

// ErrSequenceGap reports a missed frame on a depth stream. The subscriber
// owns recovery: drop local state and resync from a snapshot.
var ErrSequenceGap = errors.New("depth: sequence gap")

// Tracker validates the per-market sequence of an incoming depth stream.
// Zero value is ready to use; the first frame observed seeds the sequence.
type Tracker struct {
	last   uint64
	primed bool
}

// Observe checks one frame against the expected sequence. A snapshot always
// reseeds the tracker; a delta must follow the previous frame exactly.
func (t *Tracker) Observe(m *Message) error {
	if m.Type == MsgSnapshot || !t.primed {
		t.last = m.Seq
		t.primed = true
		return nil
	}
	if m.Seq != t.last+1 {
		t.primed = false
		return ErrSequenceGap
	}
	t.last = m.Seq
	return nil
}
