package engine

import (
	"github.com/shopspring/decimal"

	"matchbook/internal/book"
	"matchbook/internal/wal"
)

// vwapOfFills computes the volume-weighted average price across one
// admission's fills, as an exact decimal string. Empty when nothing traded.
func vwapOfFills(fills []book.Fill) string {
	if len(fills) == 0 {
		return ""
	}
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range fills {
		p := decimal.NewFromInt(f.Price)
		q := decimal.NewFromInt(f.Qty)
		notional = notional.Add(p.Mul(q))
		qty = qty.Add(q)
	}
	if qty.IsZero() {
		return ""
	}
	return notional.Div(qty).String()
}

// vwapOf computes the VWAP over an order's committed fill events.
func vwapOf(events []OrderEvent) string {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, ev := range events {
		if ev.Kind != string(wal.KindFill) {
			continue
		}
		p := decimal.NewFromInt(ev.Price)
		q := decimal.NewFromInt(ev.Qty)
		notional = notional.Add(p.Mul(q))
		qty = qty.Add(q)
	}
	if qty.IsZero() {
		return ""
	}
	return notional.Div(qty).String()
}
