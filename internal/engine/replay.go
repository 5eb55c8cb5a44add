package engine

import (
	"time"

	"matchbook/internal/book"
	"matchbook/internal/wal"
)

// replay rebuilds every market's book, order arena, and event history from
// the durable log. Replay is mechanical: records are applied exactly as
// committed, never re-matched, so a rebuilt book is identical to the one that
// wrote the log. External collaborators (escrow, sinks) are not re-driven.
func (e *Engine) replay() error {
	var count int
	err := wal.Replay(e.cfg.WAL.Dir, func(rec *wal.Record) error {
		m := e.marketForReplay(rec.Market)
		m.applyRecord(rec)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 {
		e.log.Info().Int("records", count).Int("markets", len(e.markets)).
			Msg("wal replay complete")
	}
	return nil
}

// marketForReplay creates the market without starting its loop; New starts
// every loop once replay finishes.
func (e *Engine) marketForReplay(name string) *Market {
	if m, ok := e.markets[name]; ok {
		return m
	}
	info, _ := e.deps.MarketRef.Lookup(name)
	m := newMarket(e, name, info)
	e.markets[name] = m
	return m
}

// bumpOrderID raises the order id counter to at least id, so restarted
// engines never reissue a logged id.
func (e *Engine) bumpOrderID(id uint64) {
	for {
		cur := e.orders.Load()
		if id <= cur || e.orders.CompareAndSwap(cur, id) {
			return
		}
	}
}

// applyRecord applies one committed transition to in-memory state. The rules
// mirror the live path exactly: an Admit rests RestQty only, fills shrink
// both sides at the maker's price, a cancel covering the full remainder is
// terminal while a partial one decrements.
func (m *Market) applyRecord(rec *wal.Record) {
	switch rec.Kind {
	case wal.KindAdmit:
		a := rec.Admit
		side, _ := book.ParseSide(a.Side)
		tif, _ := book.ParseTIF(a.TIF)
		o := &book.Order{
			ID:      a.OrderID,
			Market:  m.name,
			Owner:   a.Owner,
			Side:    side,
			Price:   a.Price,
			Qty:     a.Qty,
			TIF:     tif,
			Status:  book.Open,
			Seq:     rec.Seq,
			Version: 1,
		}
		if a.Expiry != 0 {
			o.Expiry = time.Unix(0, a.Expiry)
		}
		m.eng.bumpOrderID(o.ID)
		m.book.Track(o)
		if a.RestQty > 0 {
			m.book.Rest(o)
			m.eng.stp.OnRest(o)
		}

	case wal.KindFill:
		f := rec.Fill
		ev := OrderEvent{Seq: rec.Seq, Kind: string(wal.KindFill), Price: f.Price, Qty: f.Qty, Time: rec.Time}
		if maker, ok := m.book.Get(f.MakerID); ok {
			m.book.ApplyFill(maker, f.Qty)
			if maker.Status == book.Filled {
				m.eng.stp.OnUnrest(maker)
			}
			m.record(f.MakerID, ev)
		}
		if taker, ok := m.book.Get(f.TakerID); ok {
			m.book.ApplyFill(taker, f.Qty)
			m.record(f.TakerID, ev)
		}

	case wal.KindCancel:
		c := rec.Cancel
		o, ok := m.book.Get(c.OrderID)
		if !ok {
			return
		}
		m.applyCancel(o, c.Qty)
		m.record(o.ID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindCancel), Price: o.Price, Qty: c.Qty, Time: rec.Time})
		if c.Token != "" && time.Since(rec.Time) < m.eng.memo.retention {
			m.eng.memo.store(c.Token, CancelResult{Outcome: OutcomeCancelled, Order: *o})
		}

	case wal.KindExpire:
		o, ok := m.book.Get(rec.Expire.OrderID)
		if !ok {
			return
		}
		remaining := o.Remaining()
		if m.book.Unlink(o) {
			m.eng.stp.OnUnrest(o)
		}
		o.Status = book.Expired
		m.record(o.ID, OrderEvent{Seq: rec.Seq, Kind: string(wal.KindExpire), Price: o.Price, Qty: remaining, Time: rec.Time})
	}
}
