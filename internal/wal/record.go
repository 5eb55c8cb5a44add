package wal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

// Kind is the event class of a committed transition.
type Kind string

const (
	KindAdmit  Kind = "ADMIT"
	KindFill   Kind = "FILL"
	KindCancel Kind = "CANCEL"
	KindExpire Kind = "EXPIRE"
)

// CancelReason distinguishes why quantity was removed without filling.
type CancelReason string

const (
	ReasonSoft CancelReason = "SOFT"
	ReasonHard CancelReason = "HARD"
	ReasonSTP  CancelReason = "STP"
	ReasonKill CancelReason = "KILL" // IOC/FOK remainder discard
)

var (
	ErrCorruptRecord  = errors.New("wal: corrupt record")
	ErrCorruptSegment = errors.New("wal: corrupt sealed segment")
	ErrUnknownKind    = errors.New("wal: unknown record kind")
)

// Record is one append-only log entry. Entries are written as single
// newline-terminated lines so external tooling can replay the log with
// nothing more than a line scanner:
//
//	<rfc3339nano>|<seq>|<kind>|<market>|<payload>|<crc32 hex>
//
// The CRC covers everything before its own field.
type Record struct {
	Seq    uint64
	Time   time.Time
	Kind   Kind
	Market string

	Admit  *Admit
	Fill   *Fill
	Cancel *Cancel
	Expire *Expire
}

// Admit is logged for every accepted order, after matching, so the resting
// remainder is known. RestQty == 0 with Qty unfilled means the remainder was
// discarded (IOC) and replay must not rest it.
type Admit struct {
	OrderID uint64
	Owner   uint64
	Side    string
	Price   int64
	Qty     int64
	TIF     string
	Expiry  int64 // unix nanos, 0 when absent
	RestQty int64
}

// Fill is one execution at the maker's price.
type Fill struct {
	MakerID uint64
	TakerID uint64
	Price   int64
	Qty     int64
}

// Cancel removes Qty from an order without a fill. Token is the idempotency
// token for user cancels and empty for engine-initiated removals.
type Cancel struct {
	OrderID uint64
	Qty     int64
	Reason  CancelReason
	Token   string
}

// Expire removes a GTD order past its expiry.
type Expire struct {
	OrderID uint64
}

func (r *Record) payload() string {
	switch r.Kind {
	case KindAdmit:
		a := r.Admit
		return fmt.Sprintf("%d,%d,%s,%d,%d,%s,%d,%d",
			a.OrderID, a.Owner, a.Side, a.Price, a.Qty, a.TIF, a.Expiry, a.RestQty)
	case KindFill:
		f := r.Fill
		return fmt.Sprintf("%d,%d,%d,%d", f.MakerID, f.TakerID, f.Price, f.Qty)
	case KindCancel:
		c := r.Cancel
		return fmt.Sprintf("%d,%d,%s,%s", c.OrderID, c.Qty, c.Reason, c.Token)
	case KindExpire:
		return strconv.FormatUint(r.Expire.OrderID, 10)
	}
	return ""
}

// EncodeLine renders the record as its durable line form, newline included.
func (r *Record) EncodeLine() []byte {
	base := fmt.Sprintf("%s|%d|%s|%s|%s",
		r.Time.UTC().Format(time.RFC3339Nano), r.Seq, r.Kind, r.Market, r.payload())
	crc := crc32.ChecksumIEEE([]byte(base))
	return []byte(fmt.Sprintf("%s|%08x\n", base, crc))
}

// DecodeLine parses one line back into a record, verifying its CRC.
func DecodeLine(line string) (*Record, error) {
	line = strings.TrimSuffix(line, "\n")
	cut := strings.LastIndexByte(line, '|')
	if cut < 0 {
		return nil, ErrCorruptRecord
	}
	base, crcHex := line[:cut], line[cut+1:]
	want, err := strconv.ParseUint(crcHex, 16, 32)
	if err != nil || crc32.ChecksumIEEE([]byte(base)) != uint32(want) {
		return nil, ErrCorruptRecord
	}

	parts := strings.SplitN(base, "|", 5)
	if len(parts) != 5 {
		return nil, ErrCorruptRecord
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, ErrCorruptRecord
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, ErrCorruptRecord
	}
	rec := &Record{Seq: seq, Time: ts, Kind: Kind(parts[2]), Market: parts[3]}
	if err := rec.decodePayload(parts[4]); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Record) decodePayload(s string) error {
	fields := strings.Split(s, ",")
	num := func(i int) int64 {
		v, _ := strconv.ParseInt(fields[i], 10, 64)
		return v
	}
	unum := func(i int) uint64 {
		v, _ := strconv.ParseUint(fields[i], 10, 64)
		return v
	}
	switch r.Kind {
	case KindAdmit:
		if len(fields) != 8 {
			return ErrCorruptRecord
		}
		r.Admit = &Admit{
			OrderID: unum(0), Owner: unum(1), Side: fields[2],
			Price: num(3), Qty: num(4), TIF: fields[5],
			Expiry: num(6), RestQty: num(7),
		}
	case KindFill:
		if len(fields) != 4 {
			return ErrCorruptRecord
		}
		r.Fill = &Fill{MakerID: unum(0), TakerID: unum(1), Price: num(2), Qty: num(3)}
	case KindCancel:
		if len(fields) != 4 {
			return ErrCorruptRecord
		}
		r.Cancel = &Cancel{OrderID: unum(0), Qty: num(1), Reason: CancelReason(fields[2]), Token: fields[3]}
	case KindExpire:
		if len(fields) != 1 {
			return ErrCorruptRecord
		}
		r.Expire = &Expire{OrderID: unum(0)}
	default:
		return ErrUnknownKind
	}
	return nil
}
