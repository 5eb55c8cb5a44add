package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"matchbook/internal/book"
	"matchbook/internal/wal"
)

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	WAL wal.Config
	STP STPConfig

	SweepInterval     time.Duration
	CommandBuffer     int
	DurabilityRetries int
	DurabilityBackoff time.Duration
	CancelRetention   time.Duration
}

func (c *Config) withDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	if c.CommandBuffer == 0 {
		c.CommandBuffer = 1024
	}
	if c.DurabilityRetries == 0 {
		c.DurabilityRetries = 5
	}
	if c.DurabilityBackoff == 0 {
		c.DurabilityBackoff = 50 * time.Millisecond
	}
}

// Sinks are the downstream consumers of committed state. Any of them may be
// nil; emission is skipped.
type Sinks struct {
	Depth  DepthSink
	Fills  FillSink
	Notify FillNotifier
}

// Engine owns the WAL, the self-trade filter, and one Market per traded
// market id. Markets are created lazily on first touch and each runs its own
// serialization loop; the engine itself only routes.
type Engine struct {
	cfg  Config
	log  zerolog.Logger
	deps Deps

	wal    *wal.WAL
	stp    *STPFilter
	depth  DepthSink
	fills  FillSink
	notify FillNotifier
	memo   *cancelMemo

	mu      sync.RWMutex
	markets map[string]*Market
	closed  bool

	orders atomic.Uint64
}

// New opens (or recovers) the WAL, replays it to rebuild every market's book,
// and starts the market loops. The engine is ready to accept orders when New
// returns.
func New(cfg Config, deps Deps, sinks Sinks, log zerolog.Logger) (*Engine, error) {
	cfg.withDefaults()
	w, err := wal.Open(cfg.WAL, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		deps:    deps,
		wal:     w,
		stp:     NewSTPFilter(cfg.STP, log),
		depth:   sinks.Depth,
		fills:   sinks.Fills,
		notify:  sinks.Notify,
		memo:    newCancelMemo(cfg.CancelRetention),
		markets: make(map[string]*Market),
	}
	if err := e.replay(); err != nil {
		w.Close()
		return nil, err
	}
	for _, m := range e.markets {
		m.start()
	}
	return e, nil
}

func (e *Engine) nextOrderID() uint64 {
	return e.orders.Add(1)
}

// SetNotifier attaches the fill notifier. Wired after construction because
// the push surface needs a built engine first.
func (e *Engine) SetNotifier(n FillNotifier) {
	e.mu.Lock()
	e.notify = n
	e.mu.Unlock()
}

func (e *Engine) emitFill(f book.Fill) {
	if e.fills != nil {
		e.fills.EnqueueFill(f)
	}
	e.mu.RLock()
	notify := e.notify
	e.mu.RUnlock()
	if notify != nil {
		notify.NotifyFill(f)
	}
}

// market resolves or lazily creates the serialization domain for a market id.
func (e *Engine) market(name string) (*Market, error) {
	e.mu.RLock()
	m, ok := e.markets[name]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}
	if ok {
		return m, nil
	}

	info, found := e.deps.MarketRef.Lookup(name)
	if !found {
		return nil, ErrUnknownMarket
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if m, ok = e.markets[name]; ok {
		return m, nil
	}
	m = newMarket(e, name, info)
	m.start()
	e.markets[name] = m
	return m, nil
}

// send delivers a command to a market loop and waits for its reply.
func send[T any](ctx context.Context, m *Market, cmd any, resp chan T) (T, error) {
	var zero T
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.t.Dying():
		return zero, ErrEngineClosed
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.t.Dying():
		return zero, ErrEngineClosed
	}
}

// Submit admits one order. The result is final: every reported fill and the
// resting remainder are durable before Submit returns.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	m, err := e.market(req.Market)
	if err != nil {
		return SubmitResult{Err: err}
	}
	resp := make(chan SubmitResult, 1)
	res, err := send(ctx, m, submitCmd{req: req, resp: resp}, resp)
	if err != nil {
		return SubmitResult{Err: err}
	}
	return res
}

// Cancel resolves a cancellation request. Requests carrying a token are
// idempotent: redelivery returns the memoized first outcome without touching
// the market loop.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) CancelResult {
	if req.Token != "" {
		if res, ok := e.memo.lookup(req.Token); ok {
			return res
		}
	}
	m, err := e.market(req.Market)
	if err != nil {
		return CancelResult{Err: err}
	}
	resp := make(chan CancelResult, 1)
	res, err := send(ctx, m, cancelCmd{req: req, resp: resp}, resp)
	if err != nil {
		return CancelResult{Err: err}
	}
	if req.Token != "" && res.Err == nil {
		e.memo.store(req.Token, res)
	}
	return res
}

// Reconcile returns an order's authoritative state plus every committed event
// after the client's last seen sequence.
func (e *Engine) Reconcile(ctx context.Context, market string, orderID, caller, since uint64) ReconcileResult {
	m, err := e.market(market)
	if err != nil {
		return ReconcileResult{Err: err}
	}
	resp := make(chan ReconcileResult, 1)
	res, err := send(ctx, m, reconcileCmd{orderID: orderID, caller: caller, since: since, resp: resp}, resp)
	if err != nil {
		return ReconcileResult{Err: err}
	}
	return res
}

// Depth returns a consistent snapshot of up to levels price levels per side.
func (e *Engine) Depth(ctx context.Context, market string, levels int) (DepthSnapshot, error) {
	m, err := e.market(market)
	if err != nil {
		return DepthSnapshot{}, err
	}
	resp := make(chan DepthSnapshot, 1)
	return send(ctx, m, depthCmd{levels: levels, resp: resp}, resp)
}

// Revalidate re-checks escrow for an owner's resting GTC orders in a market,
// cancelling any the balance no longer covers.
func (e *Engine) Revalidate(ctx context.Context, market string, owner uint64) error {
	m, err := e.market(market)
	if err != nil {
		return err
	}
	resp := make(chan error, 1)
	res, err := send(ctx, m, revalidateCmd{owner: owner, resp: resp}, resp)
	if err != nil {
		return err
	}
	return res
}

// Flagged reports whether an owner's wash score has crossed the review
// threshold.
func (e *Engine) Flagged(owner uint64) bool {
	return e.stp.Flagged(owner)
}

// Close drains the market loops and seals the WAL. In-flight commands finish;
// new requests get ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	markets := make([]*Market, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.Unlock()

	for _, m := range markets {
		m.stop()
	}
	return e.wal.Close()
}
