package settle

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// DeliveryState is the durable delivery status of one settlement entry.
type DeliveryState uint8

const (
	DeliveryNew DeliveryState = iota
	DeliverySent
	DeliveryAcked
	DeliveryFailed
)

var deliveryNames = [...]string{"NEW", "SENT", "ACKED", "FAILED"}

func (s DeliveryState) String() string {
	if int(s) < len(deliveryNames) {
		return deliveryNames[s]
	}
	return "UNKNOWN"
}

// DeliveryRecord is the value stored per entry ref.
type DeliveryRecord struct {
	State       DeliveryState
	Retries     uint32
	LastAttempt int64
}

// encoding: [state:1][retries:4][lastAttempt:8]
func encodeDelivery(r DeliveryRecord) []byte {
	buf := make([]byte, 13)
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	return buf
}

func decodeDelivery(b []byte) (DeliveryRecord, error) {
	if len(b) != 13 {
		return DeliveryRecord{}, errors.New("settle: invalid delivery record length")
	}
	return DeliveryRecord{
		State:       DeliveryState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}, nil
}

// Outbox persists delivery state per trade reference in pebble, so a restart
// never loses track of what has been handed downstream. Acked entries are
// deleted on a later cleanup pass, not inline.
type Outbox struct {
	db *pebble.DB
}

const refPrefix = "ref/"

// OpenOutbox opens (or creates) the delivery-state store.
func OpenOutbox(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func keyFor(ref string) []byte {
	return []byte(refPrefix + ref)
}

// PutNew records a freshly enqueued entry.
func (o *Outbox) PutNew(ref string) error {
	return o.db.Set(keyFor(ref), encodeDelivery(DeliveryRecord{State: DeliveryNew}), pebble.Sync)
}

// MarkSent advances an entry to SENT, bumping its retry count.
func (o *Outbox) MarkSent(ref string, retries uint32) error {
	rec := DeliveryRecord{State: DeliverySent, Retries: retries, LastAttempt: time.Now().UnixNano()}
	return o.db.Set(keyFor(ref), encodeDelivery(rec), pebble.Sync)
}

// MarkAcked advances an entry to ACKED.
func (o *Outbox) MarkAcked(ref string) error {
	rec := DeliveryRecord{State: DeliveryAcked, LastAttempt: time.Now().UnixNano()}
	return o.db.Set(keyFor(ref), encodeDelivery(rec), pebble.Sync)
}

// MarkFailed parks an entry after repeated delivery failures.
func (o *Outbox) MarkFailed(ref string, retries uint32) error {
	rec := DeliveryRecord{State: DeliveryFailed, Retries: retries, LastAttempt: time.Now().UnixNano()}
	return o.db.Set(keyFor(ref), encodeDelivery(rec), pebble.Sync)
}

// Get returns the delivery record for a ref.
func (o *Outbox) Get(ref string) (DeliveryRecord, error) {
	val, closer, err := o.db.Get(keyFor(ref))
	if err != nil {
		return DeliveryRecord{}, err
	}
	defer closer.Close()
	return decodeDelivery(val)
}

// Delete removes a ref, used to clean up ACKED entries.
func (o *Outbox) Delete(ref string) error {
	return o.db.Delete(keyFor(ref), pebble.Sync)
}

// ScanByState visits every record in the given state.
func (o *Outbox) ScanByState(state DeliveryState, fn func(ref string, rec DeliveryRecord) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(refPrefix),
		UpperBound: []byte(refPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeDelivery(iter.Value())
		if err != nil {
			return err
		}
		if rec.State != state {
			continue
		}
		ref := string(iter.Key()[len(refPrefix):])
		if err := fn(ref, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}
