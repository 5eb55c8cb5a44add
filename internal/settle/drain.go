package settle

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// DrainConfig tunes the background drain.
type DrainConfig struct {
	Topic      string
	Interval   time.Duration
	MaxBand    Band
	BatchSize  int
	MaxRetries uint32
}

func (c *DrainConfig) withDefaults() {
	if c.Interval == 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.BatchSize == 0 {
		c.BatchSize = 128
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.MaxBand == 0 {
		c.MaxBand = P3
	}
}

// Event is the JSON body published per settled trade.
type Event struct {
	V        int    `json:"v"`
	Ref      string `json:"ref"`
	Market   string `json:"market"`
	MakerID  uint64 `json:"maker_id"`
	TakerID  uint64 `json:"taker_id"`
	Price    int64  `json:"price"`
	Qty      int64  `json:"qty"`
	Seq      uint64 `json:"seq"`
	Band     string `json:"band"`
	Notional string `json:"notional"`
	Time     int64  `json:"ts"`
}

// NewProducer builds the synchronous producer the drain publishes through.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return sarama.NewSyncProducer(brokers, cfg)
}

// Drainer moves queued settlement entries downstream: dequeue a batch, mark
// SENT in the outbox, publish, mark ACKED, acknowledge the queue. A publish
// failure leaves the entry in-flight so the queue redelivers it; an entry
// that exhausts its retries is parked FAILED for operator attention.
type Drainer struct {
	cfg      DrainConfig
	log      zerolog.Logger
	queue    *Queue
	outbox   *Outbox
	producer sarama.SyncProducer
	retries  map[string]uint32
	t        tomb.Tomb
}

// NewDrainer starts the drain loop.
func NewDrainer(queue *Queue, outbox *Outbox, producer sarama.SyncProducer, cfg DrainConfig, log zerolog.Logger) *Drainer {
	cfg.withDefaults()
	d := &Drainer{
		cfg:      cfg,
		log:      log,
		queue:    queue,
		outbox:   outbox,
		producer: producer,
		retries:  make(map[string]uint32),
	}
	d.t.Go(d.run)
	return d
}

func (d *Drainer) run() error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.t.Dying():
			return nil
		case <-ticker.C:
			d.drainOnce()
		}
	}
}

func (d *Drainer) drainOnce() {
	batch := d.queue.DequeueBatch(d.cfg.MaxBand, d.cfg.BatchSize)
	for _, e := range batch {
		d.deliver(e)
	}
}

func (d *Drainer) deliver(e *Entry) {
	attempts := d.retries[e.Ref]
	if attempts == 0 {
		if err := d.outbox.PutNew(e.Ref); err != nil {
			d.log.Error().Err(err).Str("ref", e.Ref).Msg("outbox write failed")
			return
		}
	}
	attempts++
	d.retries[e.Ref] = attempts
	if err := d.outbox.MarkSent(e.Ref, attempts); err != nil {
		d.log.Error().Err(err).Str("ref", e.Ref).Msg("outbox write failed")
		return
	}

	body, err := json.Marshal(Event{
		V:        1,
		Ref:      e.Ref,
		Market:   e.Fill.Market,
		MakerID:  e.Fill.MakerID,
		TakerID:  e.Fill.TakerID,
		Price:    e.Fill.Price,
		Qty:      e.Fill.Qty,
		Seq:      e.Fill.Seq,
		Band:     e.Band.String(),
		Notional: e.Notional.String(),
		Time:     e.Fill.Time.UnixNano(),
	})
	if err != nil {
		d.log.Error().Err(err).Str("ref", e.Ref).Msg("settlement event marshal failed")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Key:   sarama.StringEncoder(e.Fill.Market),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := d.producer.SendMessage(msg); err != nil {
		if attempts >= d.cfg.MaxRetries {
			d.outbox.MarkFailed(e.Ref, attempts)
			d.queue.Ack(e.Ref)
			delete(d.retries, e.Ref)
			d.log.Error().Err(err).Str("ref", e.Ref).Uint32("attempts", attempts).
				Msg("settlement delivery parked after retries")
			return
		}
		// left in-flight; the queue redelivers after its timeout
		d.log.Warn().Err(err).Str("ref", e.Ref).Uint32("attempts", attempts).
			Msg("settlement publish failed, will redeliver")
		return
	}

	if err := d.outbox.MarkAcked(e.Ref); err != nil {
		d.log.Error().Err(err).Str("ref", e.Ref).Msg("outbox write failed")
	}
	d.queue.Ack(e.Ref)
	delete(d.retries, e.Ref)
}

// Close stops the loop and the producer.
func (d *Drainer) Close() error {
	d.t.Kill(nil)
	err := d.t.Wait()
	if cerr := d.producer.Close(); err == nil {
		err = cerr
	}
	return err
}
