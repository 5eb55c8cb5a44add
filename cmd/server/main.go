package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchbook/internal/book"
	"matchbook/internal/config"
	"matchbook/internal/depth"
	"matchbook/internal/engine"
	"matchbook/internal/logging"
	"matchbook/internal/server"
	"matchbook/internal/settle"
	"matchbook/internal/wal"
)

// staticRef serves market reference data from config.
type staticRef struct {
	markets map[string]engine.MarketInfo
}

func (r staticRef) Lookup(market string) (engine.MarketInfo, bool) {
	info, ok := r.markets[market]
	return info, ok
}

// openEscrow accepts every lock. Deployments wire the real balance service
// here; the engine only needs the interface.
type openEscrow struct{}

func (openEscrow) Lock(owner uint64, market string, qty, price int64) error { return nil }

func (openEscrow) Check(owner uint64, market string, qty, price int64) error { return nil }

func (openEscrow) Release(owner uint64, market string, qty, price int64) {}

func (openEscrow) Settle(f book.Fill) {}

// selfIdentity trusts the caller id in the request.
type selfIdentity struct{}

func (selfIdentity) VerifyOwner(caller, owner uint64) bool { return caller == owner }

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Dir, cfg.App.Env)

	// ---------------- Settlement ----------------

	queue := settle.NewQueue(settle.DefaultBanding(), cfg.Settle.Redeliver)
	outbox, err := settle.OpenOutbox(cfg.Settle.OutboxDir)
	if err != nil {
		log.Fatal().Err(err).Msg("outbox open failed")
	}
	defer outbox.Close()

	var drainer *settle.Drainer
	if len(cfg.Settle.Brokers) > 0 {
		producer, err := settle.NewProducer(cfg.Settle.Brokers)
		if err != nil {
			log.Fatal().Err(err).Msg("settlement producer init failed")
		}
		drainer = settle.NewDrainer(queue, outbox, producer, settle.DrainConfig{
			Topic:      cfg.Settle.Topic,
			Interval:   cfg.Settle.Interval,
			BatchSize:  cfg.Settle.BatchSize,
			MaxRetries: cfg.Settle.MaxRetries,
		}, log)
		defer drainer.Close()
	}

	// ---------------- Engine ----------------

	markets := make(map[string]engine.MarketInfo, len(cfg.Markets))
	for name, m := range cfg.Markets {
		info := engine.MarketInfo{
			MinTick:       m.MinTick,
			MaxTick:       m.MaxTick,
			Halted:        m.Halted,
			ProRata:       m.ProRata,
			ProRataMinQty: m.ProRataMinQty,
		}
		if m.OpensAt != "" {
			info.OpensAt, _ = time.Parse(time.RFC3339, m.OpensAt)
		}
		if m.ClosesAt != "" {
			info.ClosesAt, _ = time.Parse(time.RFC3339, m.ClosesAt)
		}
		markets[name] = info
	}

	stpAction, _ := engine.ParseSTPAction(cfg.STP.Action)
	engCfg := engine.Config{
		WAL: wal.Config{
			Dir:             cfg.WAL.Dir,
			SegmentSize:     uint64(cfg.WAL.SegmentSizeMB) << 20,
			SegmentDuration: cfg.WAL.SegmentDuration,
		},
		STP: engine.STPConfig{
			Action:            stpAction,
			OrgGroups:         cfg.STP.OrgGroups,
			CrossMarketGroups: cfg.STP.CrossMarketGroups,
			WashWindow:        cfg.STP.WashWindow,
			WashThreshold:     cfg.STP.WashThreshold,
		},
		SweepInterval:     cfg.Engine.SweepInterval,
		CommandBuffer:     cfg.Engine.CommandBuffer,
		DurabilityRetries: cfg.Engine.DurabilityRetries,
		DurabilityBackoff: cfg.Engine.DurabilityBackoff,
		CancelRetention:   cfg.Engine.CancelRetention,
	}
	deps := engine.Deps{
		Escrow:    openEscrow{},
		Identity:  selfIdentity{},
		MarketRef: staticRef{markets: markets},
	}

	pub := depth.NewPublisher(depth.Config{
		Brokers:  cfg.Depth.Brokers,
		Topic:    cfg.Depth.Topic,
		Compress: cfg.Depth.Compress,
		Buffer:   cfg.Depth.Buffer,
	}, nil, log)
	defer pub.Close()

	eng, err := engine.New(engCfg, deps, engine.Sinks{Depth: pub, Fills: queue}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}
	defer eng.Close()

	// The server doubles as the local depth sink and fill notifier.
	srv := server.New(eng, pub, log)
	pub.SetLocal(srv)
	eng.SetNotifier(srv)

	// ---------------- HTTP ----------------

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Routes()}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server exited")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
}
