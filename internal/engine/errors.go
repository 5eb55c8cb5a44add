package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientLiquidity is returned when a FOK or AON order cannot
	// achieve a full match. The book is left untouched.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrInsufficientBalance is returned when the escrow lock fails. No WAL
	// entry is written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMarketHalted is returned once durability failures have exhausted
	// their retries; the market accepts nothing until restarted.
	ErrMarketHalted = errors.New("market intake halted")

	// ErrMarketClosed is returned outside the market's trading window or
	// while reference data reports it halted.
	ErrMarketClosed = errors.New("market closed")

	// ErrNotOwner is returned when the caller does not own the order it is
	// trying to cancel or reconcile.
	ErrNotOwner = errors.New("caller does not own order")

	// ErrEngineClosed is returned for requests after shutdown began.
	ErrEngineClosed = errors.New("engine shutting down")

	// ErrUnknownMarket is returned when reference data does not know the
	// requested market id.
	ErrUnknownMarket = errors.New("unknown market")
)

// ValidationError rejects a malformed order synchronously, before any
// mutation or WAL entry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// STPViolation reports that self-trade prevention rejected the incoming
// order under Reject or CancelIncoming mode. It is resolved deterministically
// and is not fatal to the rest of the order flow.
type STPViolation struct {
	Mode     STPAction
	Resting  uint64
	Incoming uint64
}

func (e *STPViolation) Error() string {
	return fmt.Sprintf("self-trade prevented (%s): incoming %d against resting %d",
		e.Mode, e.Incoming, e.Resting)
}

// DurabilityFailure wraps a WAL append or sync error that survived retries.
// It is infrastructure-fatal for the market that hit it.
type DurabilityFailure struct {
	Market string
	Err    error
}

func (e *DurabilityFailure) Error() string {
	return fmt.Sprintf("wal durability failure on %s: %v", e.Market, e.Err)
}

func (e *DurabilityFailure) Unwrap() error { return e.Err }
