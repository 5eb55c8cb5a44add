package depth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"gopkg.in/tomb.v2"

	"matchbook/internal/book"
)

// Local is any in-process subscriber surface (the websocket hub). Broadcast
// must not block.
type Local interface {
	Broadcast(market string, frame []byte)
}

// Config controls the publisher's outbound path. Empty Brokers disables the
// Kafka leg; frames still reach local subscribers.
type Config struct {
	Brokers  []string
	Topic    string
	Compress bool
	Buffer   int
}

// Publisher turns committed book mutations into encoded depth frames and
// fans them out to local subscribers and a Kafka topic. Market loops hand
// off through a bounded channel: a full channel applies backpressure to
// admission rather than dropping a delta, because subscribers rely on the
// per-market sequence being gapless.
type Publisher struct {
	cfg    Config
	log    zerolog.Logger
	writer *kafka.Writer
	frames chan frame
	t      tomb.Tomb

	mu    sync.RWMutex
	local Local
}

type frame struct {
	market string
	data   []byte
}

// NewPublisher starts the drain loop.
func NewPublisher(cfg Config, local Local, log zerolog.Logger) *Publisher {
	if cfg.Buffer == 0 {
		cfg.Buffer = 4096
	}
	p := &Publisher{
		cfg:    cfg,
		log:    log,
		frames: make(chan frame, cfg.Buffer),
	}
	p.local = local
	if len(cfg.Brokers) > 0 {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	p.t.Go(p.run)
	return p
}

// PublishDeltas implements the engine's depth sink. Called from inside a
// market loop after the WAL commit, so arrival order here is commit order.
func (p *Publisher) PublishDeltas(market string, seq uint64, bids, asks []book.LevelView) {
	msg := Message{
		Type:   MsgDelta,
		Seq:    seq,
		Time:   time.Now(),
		Market: market,
		Bids:   bids,
		Asks:   asks,
	}
	select {
	case p.frames <- frame{market: market, data: msg.Encode(p.cfg.Compress)}:
	case <-p.t.Dying():
	}
}

// EncodeSnapshot renders a full-depth frame for a fresh subscriber.
func (p *Publisher) EncodeSnapshot(market string, seq uint64, bids, asks []book.LevelView) []byte {
	msg := Message{
		Type:   MsgSnapshot,
		Seq:    seq,
		Time:   time.Now(),
		Market: market,
		Bids:   bids,
		Asks:   asks,
	}
	return msg.Encode(p.cfg.Compress)
}

func (p *Publisher) run() error {
	for {
		select {
		case <-p.t.Dying():
			return nil
		case f := <-p.frames:
			p.emit(f)
		}
	}
}

// SetLocal attaches the in-process subscriber surface. Wired after
// construction because the websocket hub needs the engine first.
func (p *Publisher) SetLocal(l Local) {
	p.mu.Lock()
	p.local = l
	p.mu.Unlock()
}

func (p *Publisher) emit(f frame) {
	p.mu.RLock()
	local := p.local
	p.mu.RUnlock()
	if local != nil {
		local.Broadcast(f.market, f.data)
	}
	if p.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(f.market),
		Value: f.data,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("market", f.market).Msg("depth frame publish failed")
	}
}

// Close drains nothing further and shuts the Kafka writer.
func (p *Publisher) Close() error {
	p.t.Kill(nil)
	err := p.t.Wait()
	if p.writer != nil {
		if cerr := p.writer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
