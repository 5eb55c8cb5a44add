package engine

import (
	"fmt"
	"math"
	"time"

	"matchbook/internal/book"
	"matchbook/internal/wal"
)

// effPrice is the price used for crossing checks. A market order (price 0,
// IOC/FOK only) crosses everything on the opposite side.
func effPrice(o *book.Order) int64 {
	if o.Price == 0 && o.Side == book.Buy {
		return math.MaxInt64
	}
	return o.Price
}

func (m *Market) validate(req SubmitRequest, now time.Time) error {
	if m.info.Halted {
		return ErrMarketClosed
	}
	if !m.info.OpensAt.IsZero() && now.Before(m.info.OpensAt) {
		return ErrMarketClosed
	}
	if !m.info.ClosesAt.IsZero() && now.After(m.info.ClosesAt) {
		return ErrMarketClosed
	}
	if req.Qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.Price == 0 {
		if req.TIF != book.IOC && req.TIF != book.FOK {
			return &ValidationError{Field: "price", Reason: "market orders must be IOC or FOK"}
		}
	} else if req.Price < m.info.MinTick || req.Price > m.info.MaxTick {
		return &ValidationError{Field: "price",
			Reason: fmt.Sprintf("tick outside [%d,%d]", m.info.MinTick, m.info.MaxTick)}
	}
	if req.TIF == book.GTD {
		if req.Expiry.IsZero() || !req.Expiry.After(now) {
			return &ValidationError{Field: "expiry", Reason: "GTD requires a future expiry"}
		}
	} else if !req.Expiry.IsZero() {
		return &ValidationError{Field: "expiry", Reason: "only GTD orders carry an expiry"}
	}
	return nil
}

// processSubmit runs the full admission pipeline: validate, escrow lock,
// self-trade prevention, time-in-force gate, match, then the one durable
// batch that acknowledges everything at once.
func (m *Market) processSubmit(req SubmitRequest) SubmitResult {
	if m.halted {
		return SubmitResult{Err: ErrMarketHalted}
	}
	if info, ok := m.eng.deps.MarketRef.Lookup(m.name); ok {
		m.info = info
	}
	now := time.Now()
	if err := m.validate(req, now); err != nil {
		return SubmitResult{Err: err}
	}

	o := &book.Order{
		ID:      m.eng.nextOrderID(),
		Market:  m.name,
		Owner:   req.Owner,
		Side:    req.Side,
		Price:   req.Price,
		Qty:     req.Qty,
		TIF:     req.TIF,
		Expiry:  req.Expiry,
		Status:  book.Open,
		Version: 1,
	}
	origQty := o.Qty

	if err := m.eng.deps.Escrow.Lock(o.Owner, m.name, o.Qty, o.Price); err != nil {
		return SubmitResult{Err: fmt.Errorf("%w: %v", ErrInsufficientBalance, err)}
	}
	reject := func(err error) SubmitResult {
		m.eng.deps.Escrow.Release(o.Owner, m.name, origQty, o.Price)
		return SubmitResult{Err: err}
	}

	m.resetTouched()

	cut, abort, stpErr := m.applySTP(o, origQty, now)
	if stpErr != nil {
		return reject(stpErr)
	}
	if abort != nil {
		return *abort
	}

	skipMatch := false
	if !o.Status.Terminal() && (o.TIF == book.FOK || o.TIF == book.AON) {
		if avail := m.available(o); avail < o.Remaining() {
			if o.TIF == book.FOK {
				return reject(ErrInsufficientLiquidity)
			}
			skipMatch = true // AON rests whole, eligible only for a future full match
		}
	}

	var fills []book.Fill
	if !o.Status.Terminal() && !skipMatch {
		fills = m.matchOrder(o, now)
	}

	var restQty, killQty int64
	if !o.Status.Terminal() && o.Remaining() > 0 {
		if o.TIF.Rests() {
			restQty = o.Remaining()
		} else {
			killQty = o.Remaining()
		}
	}

	recs := make([]*wal.Record, 0, len(fills)+3)
	recs = append(recs, &wal.Record{
		Kind:   wal.KindAdmit,
		Market: m.name,
		Admit: &wal.Admit{
			OrderID: o.ID, Owner: o.Owner, Side: o.Side.String(),
			Price: o.Price, Qty: origQty, TIF: o.TIF.String(),
			Expiry: expiryNanos(o.Expiry), RestQty: restQty,
		},
	})
	if cut > 0 {
		recs = append(recs, &wal.Record{
			Kind:   wal.KindCancel,
			Market: m.name,
			Cancel: &wal.Cancel{OrderID: o.ID, Qty: cut, Reason: wal.ReasonSTP},
		})
	}
	fillStart := len(recs)
	for _, f := range fills {
		recs = append(recs, &wal.Record{
			Kind:   wal.KindFill,
			Market: m.name,
			Fill:   &wal.Fill{MakerID: f.MakerID, TakerID: f.TakerID, Price: f.Price, Qty: f.Qty},
		})
	}
	if killQty > 0 {
		recs = append(recs, &wal.Record{
			Kind:   wal.KindCancel,
			Market: m.name,
			Cancel: &wal.Cancel{OrderID: o.ID, Qty: killQty, Reason: wal.ReasonKill},
		})
	}

	if err := m.commit(recs); err != nil {
		return SubmitResult{Err: err}
	}

	// Everything below is post-durability: sequences are final, callers may
	// now observe the transition.
	o.Seq = recs[0].Seq
	m.book.Track(o)
	if cut > 0 {
		rec := recs[1]
		m.record(o.ID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: cut, Time: rec.Time})
	}
	for i := range fills {
		rec := recs[fillStart+i]
		fills[i].Seq = rec.Seq
		m.record(fills[i].MakerID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindFill), Price: fills[i].Price, Qty: fills[i].Qty, Time: rec.Time})
		m.record(fills[i].TakerID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindFill), Price: fills[i].Price, Qty: fills[i].Qty, Time: rec.Time})
		m.eng.deps.Escrow.Settle(fills[i])
		m.eng.emitFill(fills[i])
	}
	if killQty > 0 {
		o.Status = book.Cancelled
		last := recs[len(recs)-1]
		m.record(o.ID, OrderEvent{Seq: last.Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: killQty, Time: last.Time})
		m.eng.deps.Escrow.Release(o.Owner, m.name, killQty, o.Price)
	}
	if restQty > 0 {
		m.book.Rest(o)
		m.eng.stp.OnRest(o)
		m.mark(o)
	}
	m.publishTouched()

	m.eng.log.Debug().Str("market", m.name).Uint64("order", o.ID).
		Str("side", o.Side.String()).Int64("price", o.Price).Int64("qty", origQty).
		Str("tif", o.TIF.String()).Int("fills", len(fills)).Int64("rested", restQty).
		Msg("order processed")

	return SubmitResult{Order: *o, Fills: fills, VWAP: vwapOfFills(fills)}
}

// applySTP resolves self-trade prevention before any quantity is committed.
// It returns the quantity already shaved off the incoming order under
// DecrementBoth (logged after the Admit entry), or an aborted result when
// the incoming order itself is refused or auto-cancelled.
func (m *Market) applySTP(o *book.Order, origQty int64, now time.Time) (cut int64, abort *SubmitResult, err error) {
	if m.eng.stp.CrossMarketConflict(o) {
		m.eng.stp.RecordTrigger(o.Owner)
		if m.eng.stp.Action() == STPCancelIncoming {
			return 0, m.cancelIncoming(o, origQty, 0), nil
		}
		// Resting-side resolutions cannot reach into another market's
		// serialization domain; the conflict falls back to a reject.
		return 0, nil, &STPViolation{Mode: m.eng.stp.Action(), Incoming: o.ID}
	}

	var related []*book.Order
	m.book.ScanCrossing(o.Side, effPrice(o), func(lvl *book.Level) bool {
		for _, res := range lvl.Orders {
			if m.eng.stp.Related(o.Owner, res.Owner) {
				related = append(related, res)
			}
		}
		return true
	})
	if len(related) == 0 {
		return 0, nil, nil
	}
	m.eng.stp.RecordTrigger(o.Owner)

	switch m.eng.stp.Action() {
	case STPReject:
		return 0, nil, &STPViolation{Mode: STPReject, Resting: related[0].ID, Incoming: o.ID}

	case STPCancelIncoming:
		return 0, m.cancelIncoming(o, origQty, related[0].ID), nil

	case STPCancelResting:
		recs := make([]*wal.Record, 0, len(related))
		for _, res := range related {
			recs = append(recs, &wal.Record{
				Kind:   wal.KindCancel,
				Market: m.name,
				Cancel: &wal.Cancel{OrderID: res.ID, Qty: res.Remaining(), Reason: wal.ReasonSTP},
			})
		}
		if cerr := m.commit(recs); cerr != nil {
			return 0, nil, cerr
		}
		for i, res := range related {
			remaining := res.Remaining()
			m.mark(res)
			m.applyCancel(res, remaining)
			m.record(res.ID, OrderEvent{Seq: recs[i].Seq, Kind: string(wal.KindCancel), Price: res.Price, Qty: remaining, Time: recs[i].Time})
			m.eng.deps.Escrow.Release(res.Owner, m.name, remaining, res.Price)
		}
		return 0, nil, nil

	case STPDecrementBoth:
		recs := make([]*wal.Record, 0, len(related))
		overlaps := make([]int64, 0, len(related))
		var total int64
		for _, res := range related {
			left := o.Remaining() - total
			if left == 0 {
				break
			}
			overlap := min(left, res.Remaining())
			recs = append(recs, &wal.Record{
				Kind:   wal.KindCancel,
				Market: m.name,
				Cancel: &wal.Cancel{OrderID: res.ID, Qty: overlap, Reason: wal.ReasonSTP},
			})
			overlaps = append(overlaps, overlap)
			total += overlap
		}
		if cerr := m.commit(recs); cerr != nil {
			return 0, nil, cerr
		}
		for i := range recs {
			res := related[i]
			m.mark(res)
			m.applyCancel(res, overlaps[i])
			m.record(res.ID, OrderEvent{Seq: recs[i].Seq, Kind: string(wal.KindCancel), Price: res.Price, Qty: overlaps[i], Time: recs[i].Time})
			m.eng.deps.Escrow.Release(res.Owner, m.name, overlaps[i], res.Price)
		}
		if total >= o.Remaining() {
			o.Status = book.Cancelled
		} else {
			o.Qty -= total
		}
		m.eng.deps.Escrow.Release(o.Owner, m.name, total, o.Price)
		return total, nil, nil
	}
	return 0, nil, nil
}

// cancelIncoming admits the order and immediately cancels it in the same
// durable batch: the order gets an id and a committed history, the book is
// untouched.
func (m *Market) cancelIncoming(o *book.Order, origQty int64, restingID uint64) *SubmitResult {
	recs := []*wal.Record{
		{
			Kind:   wal.KindAdmit,
			Market: m.name,
			Admit: &wal.Admit{
				OrderID: o.ID, Owner: o.Owner, Side: o.Side.String(),
				Price: o.Price, Qty: origQty, TIF: o.TIF.String(),
				Expiry: expiryNanos(o.Expiry),
			},
		},
		{
			Kind:   wal.KindCancel,
			Market: m.name,
			Cancel: &wal.Cancel{OrderID: o.ID, Qty: origQty, Reason: wal.ReasonSTP},
		},
	}
	if err := m.commit(recs); err != nil {
		return &SubmitResult{Err: err}
	}
	o.Seq = recs[0].Seq
	o.Status = book.Cancelled
	m.book.Track(o)
	m.record(o.ID, OrderEvent{Seq: recs[1].Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: origQty, Time: recs[1].Time})
	m.eng.deps.Escrow.Release(o.Owner, m.name, origQty, o.Price)
	return &SubmitResult{
		Order: *o,
		Err:   &STPViolation{Mode: STPCancelIncoming, Resting: restingID, Incoming: o.ID},
	}
}

// available simulates matching without mutating the book, for FOK/AON
// feasibility. It walks in exactly the order matchFIFO fills, including the
// skip of resting AON orders too large to complete.
func (m *Market) available(o *book.Order) int64 {
	need := o.Remaining()
	var avail int64
	m.book.ScanCrossing(o.Side, effPrice(o), func(lvl *book.Level) bool {
		for _, maker := range lvl.Orders {
			left := need - avail
			if left == 0 {
				return false
			}
			if maker.TIF == book.AON && maker.Remaining() > left {
				continue
			}
			avail += min(left, maker.Remaining())
		}
		return avail < need
	})
	return avail
}

// matchOrder executes price-time priority matching. Crossing levels are
// snapshotted first because fills delete emptied levels out of the ladder.
func (m *Market) matchOrder(o *book.Order, now time.Time) []book.Fill {
	var lvls []*book.Level
	m.book.ScanCrossing(o.Side, effPrice(o), func(lvl *book.Level) bool {
		lvls = append(lvls, lvl)
		return true
	})

	var fills []book.Fill
	for _, lvl := range lvls {
		if o.Remaining() == 0 {
			break
		}
		// FOK and AON takers stay on the FIFO path: available() simulates
		// FIFO fills, and an AON taker never takes a partial allocation.
		if m.info.ProRata && m.info.ProRataMinQty > 0 &&
			o.TIF != book.FOK && o.TIF != book.AON && o.Remaining() >= m.info.ProRataMinQty {
			fills = append(fills, m.matchProRata(o, lvl, now)...)
			continue
		}
		fills = append(fills, m.matchFIFO(o, lvl, now)...)
	}
	return fills
}

func (m *Market) matchFIFO(o *book.Order, lvl *book.Level, now time.Time) []book.Fill {
	makers := append([]*book.Order(nil), lvl.Orders...)
	var fills []book.Fill
	for _, maker := range makers {
		if o.Remaining() == 0 {
			break
		}
		if maker.TIF == book.AON && maker.Remaining() > o.Remaining() {
			continue
		}
		qty := min(o.Remaining(), maker.Remaining())
		fills = append(fills, m.execute(o, maker, qty, now))
	}
	return fills
}

// matchProRata allocates a large marketable order across every resident at
// the level proportionally to remaining size, rounded down, remainder to
// the earliest-sequence order that can absorb it. AON residents take no
// partial allocation.
func (m *Market) matchProRata(o *book.Order, lvl *book.Level, now time.Time) []book.Fill {
	makers := append([]*book.Order(nil), lvl.Orders...)
	total := lvl.Total
	if total <= 0 {
		return nil
	}
	alloc := min(o.Remaining(), total)

	shares := make([]int64, len(makers))
	var given int64
	for i, maker := range makers {
		s := maker.Remaining() * alloc / total
		if maker.TIF == book.AON && s != maker.Remaining() {
			s = 0
		}
		shares[i] = s
		given += s
	}
	for i, maker := range makers {
		left := alloc - given
		if left == 0 {
			break
		}
		room := maker.Remaining() - shares[i]
		if room <= 0 {
			continue
		}
		if maker.TIF == book.AON {
			if room <= left {
				shares[i] += room
				given += room
			}
			continue
		}
		take := min(room, left)
		shares[i] += take
		given += take
	}

	var fills []book.Fill
	for i, maker := range makers {
		if shares[i] > 0 {
			fills = append(fills, m.execute(o, maker, shares[i], now))
		}
	}
	return fills
}

// execute commits one fill at the maker's resting price against both sides'
// in-memory state. Durability and acknowledgment happen later in the batch.
func (m *Market) execute(taker, maker *book.Order, qty int64, now time.Time) book.Fill {
	m.mark(maker)
	m.book.ApplyFill(maker, qty)
	if maker.Status == book.Filled {
		m.eng.stp.OnUnrest(maker)
	}
	m.book.ApplyFill(taker, qty)
	return book.Fill{
		MakerID: maker.ID,
		TakerID: taker.ID,
		Market:  m.name,
		Price:   maker.Price,
		Qty:     qty,
		Time:    now,
	}
}

func expiryNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
