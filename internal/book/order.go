package book

import "time"

// Side is the direction of an order. The book's two ladders are named after
// the sides that rest on them: buys rest on the bid ladder, sells on the ask
// ladder. Order direction and ladder side always use this one type.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// ParseSide maps the wire spelling back to a side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	}
	return Buy, false
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TIF governs how long an order remains eligible to match.
type TIF uint8

const (
	GTC TIF = iota // rests until filled or cancelled
	GTD            // rests until its expiry timestamp
	IOC            // fills what is available, remainder discarded
	FOK            // full fill immediately or rejected outright
	AON            // rests, but only ever fills its full remaining quantity
)

var tifNames = [...]string{"GTC", "GTD", "IOC", "FOK", "AON"}

func (t TIF) String() string {
	if int(t) < len(tifNames) {
		return tifNames[t]
	}
	return "UNKNOWN"
}

// ParseTIF maps the wire spelling back to a TIF kind.
func ParseTIF(s string) (TIF, bool) {
	for i, name := range tifNames {
		if name == s {
			return TIF(i), true
		}
	}
	return GTC, false
}

// Rests reports whether an unfilled remainder of this kind stays on the book.
func (t TIF) Rests() bool {
	switch t {
	case GTC, GTD, AON:
		return true
	default:
		return false
	}
}

// Status tracks the forward-only lifecycle of an order.
type Status uint8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

var statusNames = [...]string{"OPEN", "PARTIALLY_FILLED", "FILLED", "CANCELLED", "EXPIRED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether the order can never change again.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// Order is a single admitted order. Identity fields (ID, Market, Owner, Side)
// never change; the rest mutates only inside the owning market's loop.
//
// Price is an integer tick in the market's probability range (cents, [1,99]).
// Seq is the admission sequence, unique and monotonic per market; it fixes
// time priority inside a price level. Version advances on every mutation and
// backs the optimistic check used by hard cancels.
type Order struct {
	ID     uint64
	Market string
	Owner  uint64
	Side   Side

	Price  int64
	Qty    int64
	Filled int64

	TIF    TIF
	Expiry time.Time

	Status  Status
	Seq     uint64
	Version uint64
}

// Remaining is the quantity still eligible to match.
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

func (o *Order) touch() {
	o.Version++
}

// Fill is an immutable execution record. It references orders by id only;
// the book's arena resolves ids, so fills carry no pointers into book nodes.
type Fill struct {
	MakerID uint64
	TakerID uint64
	Market  string
	Price   int64
	Qty     int64
	Time    time.Time
	Seq     uint64
}
