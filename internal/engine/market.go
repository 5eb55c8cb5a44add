package engine

import (
	"time"

	"gopkg.in/tomb.v2"

	"matchbook/internal/book"
	"matchbook/internal/wal"
)

// SubmitRequest is one incoming order. Price 0 with IOC or FOK means a
// market order: it crosses any opposing price and never rests.
type SubmitRequest struct {
	Market string
	Owner  uint64
	Side   book.Side
	Price  int64
	Qty    int64
	TIF    book.TIF
	Expiry time.Time
}

// SubmitResult reports the committed outcome of one admission.
type SubmitResult struct {
	Order book.Order
	Fills []book.Fill
	VWAP  string
	Err   error
}

// DepthSnapshot is a full view of up to N levels per side, stamped with the
// market's depth sequence so subscribers can anchor delta streams to it.
type DepthSnapshot struct {
	Market string
	Seq    uint64
	Time   time.Time
	Bids   []book.LevelView
	Asks   []book.LevelView
}

type submitCmd struct {
	req  SubmitRequest
	resp chan SubmitResult
}

type cancelCmd struct {
	req  CancelRequest
	resp chan CancelResult
}

type reconcileCmd struct {
	orderID uint64
	caller  uint64
	since   uint64
	resp    chan ReconcileResult
}

type depthCmd struct {
	levels int
	resp   chan DepthSnapshot
}

type revalidateCmd struct {
	owner uint64
	resp  chan error
}

// Market is one serialization domain: a single goroutine owns the book, the
// order histories, and the depth sequence, consuming commands in arrival
// order. Admissions, cancels, reconciles, and expiry sweeps for the market
// are therefore totally ordered; markets never share mutable state.
type Market struct {
	name string
	eng  *Engine
	book *book.Book
	info MarketInfo

	cmds     chan any
	t        *tomb.Tomb
	halted   bool
	depthSeq uint64

	history map[uint64][]OrderEvent
	touched map[book.Side]map[int64]struct{}
}

func newMarket(eng *Engine, name string, info MarketInfo) *Market {
	m := &Market{
		name:    name,
		eng:     eng,
		book:    book.New(name),
		info:    info,
		cmds:    make(chan any, eng.cfg.CommandBuffer),
		t:       &tomb.Tomb{},
		history: make(map[uint64][]OrderEvent),
		touched: map[book.Side]map[int64]struct{}{
			book.Buy:  make(map[int64]struct{}),
			book.Sell: make(map[int64]struct{}),
		},
	}
	return m
}

// start spins up the loop. Kept separate from construction so boot replay can
// rebuild the book before any command is consumed.
func (m *Market) start() {
	m.t.Go(m.run)
}

func (m *Market) run() error {
	sweep := time.NewTicker(m.eng.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-sweep.C:
			m.sweepExpired(time.Now())
		case c := <-m.cmds:
			switch cmd := c.(type) {
			case submitCmd:
				cmd.resp <- m.processSubmit(cmd.req)
			case cancelCmd:
				cmd.resp <- m.processCancel(cmd.req)
			case reconcileCmd:
				cmd.resp <- m.processReconcile(cmd.orderID, cmd.caller, cmd.since)
			case depthCmd:
				cmd.resp <- m.snapshot(cmd.levels)
			case revalidateCmd:
				cmd.resp <- m.processRevalidate(cmd.owner)
			}
		}
	}
}

func (m *Market) stop() {
	m.t.Kill(nil)
	m.t.Wait()
}

// commit is the durability gate. The batch is appended once; only the fsync
// is retried, with backoff, so a transient sync failure cannot duplicate
// records. Exhausting the retries halts intake for this market: diverging
// from the durable log is worse than refusing orders.
func (m *Market) commit(recs []*wal.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := m.eng.wal.AppendBatch(recs); err != nil {
		return m.halt(err)
	}
	backoff := m.eng.cfg.DurabilityBackoff
	var err error
	for attempt := 0; attempt <= m.eng.cfg.DurabilityRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = m.eng.wal.Sync(); err == nil {
			return nil
		}
		m.eng.log.Warn().Err(err).Str("market", m.name).Int("attempt", attempt+1).
			Msg("wal sync failed, retrying")
	}
	return m.halt(err)
}

func (m *Market) halt(err error) error {
	m.halted = true
	m.eng.log.Error().Err(err).Str("market", m.name).
		Msg("durability failure, halting market intake")
	return &DurabilityFailure{Market: m.name, Err: err}
}

// processCancel resolves a cancellation inside the serialized stream. The
// memoized fast path for replayed tokens lives in the Engine; by the time a
// request reaches the loop it is the first delivery of its token.
func (m *Market) processCancel(req CancelRequest) CancelResult {
	if m.halted {
		return CancelResult{Err: ErrMarketHalted}
	}
	o, ok := m.book.Get(req.OrderID)
	if !ok {
		return CancelResult{Outcome: OutcomeNotFound}
	}
	if !m.eng.deps.Identity.VerifyOwner(req.Caller, o.Owner) {
		return CancelResult{Err: ErrNotOwner}
	}
	if o.Status.Terminal() {
		if o.Status == book.Filled {
			return CancelResult{Outcome: OutcomeRaceLost, Order: *o}
		}
		return CancelResult{Outcome: OutcomeCancelled, Order: *o}
	}
	if req.Kind == HardCancel && o.Filled > 0 {
		// A fill committed before the cancel reached the stream: the
		// version check fails and the order stays matchable.
		return CancelResult{Outcome: OutcomeRaceLost, Order: *o}
	}

	reason := wal.ReasonSoft
	if req.Kind == HardCancel {
		reason = wal.ReasonHard
	}
	remaining := o.Remaining()
	rec := &wal.Record{
		Kind:   wal.KindCancel,
		Market: m.name,
		Cancel: &wal.Cancel{OrderID: o.ID, Qty: remaining, Reason: reason, Token: req.Token},
	}
	if err := m.commit([]*wal.Record{rec}); err != nil {
		return CancelResult{Err: err}
	}

	m.resetTouched()
	m.mark(o)
	m.applyCancel(o, remaining)
	m.record(o.ID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: remaining, Time: rec.Time})
	m.eng.deps.Escrow.Release(o.Owner, m.name, remaining, o.Price)
	m.publishTouched()

	m.eng.log.Info().Str("market", m.name).Uint64("order", o.ID).
		Str("kind", req.Kind.String()).Int64("qty", remaining).Msg("order cancelled")
	return CancelResult{Outcome: OutcomeCancelled, Order: *o}
}

// applyCancel removes qty from an order the same way replay does: a full
// removal is a terminal cancel that preserves the original quantity, a
// partial one decrements it.
func (m *Market) applyCancel(o *book.Order, qty int64) {
	if qty >= o.Remaining() {
		wasResting := m.book.Unlink(o)
		o.Status = book.Cancelled
		if wasResting {
			m.eng.stp.OnUnrest(o)
		}
		return
	}
	m.book.Decrement(o, qty)
}

func (m *Market) processReconcile(orderID, caller, since uint64) ReconcileResult {
	o, ok := m.book.Get(orderID)
	if !ok {
		return ReconcileResult{Err: &ValidationError{Field: "order_id", Reason: "unknown order"}}
	}
	if !m.eng.deps.Identity.VerifyOwner(caller, o.Owner) {
		return ReconcileResult{Err: ErrNotOwner}
	}
	var missed []OrderEvent
	for _, ev := range m.history[orderID] {
		if ev.Seq > since {
			missed = append(missed, ev)
		}
	}
	return ReconcileResult{Order: *o, VWAP: vwapOf(m.history[orderID]), Missed: missed}
}

// processRevalidate re-checks escrow for an owner's resting GTC orders after
// a reconnect; orders the balance no longer covers are cancelled.
func (m *Market) processRevalidate(owner uint64) error {
	if m.halted {
		return ErrMarketHalted
	}
	var stale []*book.Order
	m.book.Walk(func(o *book.Order) {
		if o.Owner != owner || o.TIF != book.GTC {
			return
		}
		if err := m.eng.deps.Escrow.Check(owner, m.name, o.Remaining(), o.Price); err != nil {
			stale = append(stale, o)
		}
	})
	if len(stale) == 0 {
		return nil
	}

	recs := make([]*wal.Record, 0, len(stale))
	for _, o := range stale {
		recs = append(recs, &wal.Record{
			Kind:   wal.KindCancel,
			Market: m.name,
			Cancel: &wal.Cancel{OrderID: o.ID, Qty: o.Remaining(), Reason: wal.ReasonKill},
		})
	}
	if err := m.commit(recs); err != nil {
		return err
	}
	m.resetTouched()
	for i, o := range stale {
		remaining := o.Remaining()
		m.mark(o)
		m.applyCancel(o, remaining)
		m.record(o.ID, OrderEvent{Seq: recs[i].Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: remaining, Time: recs[i].Time})
		m.eng.deps.Escrow.Release(o.Owner, m.name, remaining, o.Price)
	}
	m.publishTouched()
	return nil
}

// sweepExpired removes GTD orders past their expiry. The sweep runs inside
// the loop, so expiry shares the market's total order with matching.
func (m *Market) sweepExpired(now time.Time) {
	if m.halted {
		return
	}
	var expired []*book.Order
	m.book.Walk(func(o *book.Order) {
		if o.TIF == book.GTD && !o.Expiry.IsZero() && !o.Expiry.After(now) {
			expired = append(expired, o)
		}
	})
	if len(expired) == 0 {
		return
	}

	recs := make([]*wal.Record, 0, len(expired))
	for _, o := range expired {
		recs = append(recs, &wal.Record{
			Kind:   wal.KindExpire,
			Market: m.name,
			Expire: &wal.Expire{OrderID: o.ID},
		})
	}
	if err := m.commit(recs); err != nil {
		return
	}
	m.resetTouched()
	for i, o := range expired {
		remaining := o.Remaining()
		m.mark(o)
		if m.book.Unlink(o) {
			m.eng.stp.OnUnrest(o)
		}
		o.Status = book.Expired
		m.record(o.ID, OrderEvent{Seq: recs[i].Seq, Kind: string(wal.KindExpire), Price: o.Price, Qty: remaining, Time: recs[i].Time})
		m.eng.deps.Escrow.Release(o.Owner, m.name, remaining, o.Price)
		m.eng.log.Info().Str("market", m.name).Uint64("order", o.ID).Msg("order expired")
	}
	m.publishTouched()
}

func (m *Market) snapshot(levels int) DepthSnapshot {
	bids, asks := m.book.Depth(levels)
	return DepthSnapshot{
		Market: m.name,
		Seq:    m.depthSeq,
		Time:   time.Now(),
		Bids:   bids,
		Asks:   asks,
	}
}

func (m *Market) record(orderID uint64, ev OrderEvent) {
	m.history[orderID] = append(m.history[orderID], ev)
}

func (m *Market) resetTouched() {
	for side := range m.touched {
		clear(m.touched[side])
	}
}

func (m *Market) mark(o *book.Order) {
	m.touched[o.Side][o.Price] = struct{}{}
}

// publishTouched emits one depth delta per affected level, in the same total
// order as WAL commits for this market. A view with Total 0 tells
// subscribers to drop the level. Emission is fire-and-forget: the sink must
// never block the loop.
func (m *Market) publishTouched() {
	if m.eng.depth == nil {
		return
	}
	views := func(side book.Side) []book.LevelView {
		var out []book.LevelView
		for price := range m.touched[side] {
			view := book.LevelView{Price: price}
			if lvl, ok := m.book.LevelAt(side, price); ok {
				view.Total = lvl.Total
				view.Count = lvl.Count()
			}
			out = append(out, view)
		}
		return out
	}
	bids, asks := views(book.Buy), views(book.Sell)
	if len(bids) == 0 && len(asks) == 0 {
		return
	}
	m.depthSeq++
	m.eng.depth.PublishDeltas(m.name, m.depthSeq, bids, asks)
}
