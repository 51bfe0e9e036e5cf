// Package kafka forwards task events from the in-process bus to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"zhihupub/internal/eventbus"
	logx "zhihupub/pkg/logx"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	HeaderType = "type"

	DefaultTopic        = "publish.task-events"
	DefaultClientID     = "publishd"
	DefaultWriteTimeout = 10 * time.Second
)

type Config struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
	// Types limits which event types are forwarded. Empty forwards all.
	Types []string
}

// Producer is the part of *kgo.Client the forwarder needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// NewClient dials nothing; franz-go connects lazily on first produce.
func NewClient(cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
}

type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
}

// Forwarder writes each bus event as one record keyed by task_id.
type Forwarder struct {
	producer Producer
	topic    string
	timeout  time.Duration
	types    map[string]bool
	log      logx.Logger

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

func NewForwarder(p Producer, cfg Config, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Forwarder{producer: p, topic: cfg.Topic, timeout: cfg.WriteTimeout, log: log}
	if f.topic == "" {
		f.topic = DefaultTopic
	}
	if f.timeout <= 0 {
		f.timeout = DefaultWriteTimeout
	}
	if len(cfg.Types) > 0 {
		f.types = make(map[string]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			f.types[t] = true
		}
	}
	return f
}

// Run forwards events until ctx ends. Produce errors are logged and counted;
// the event is not retried.
func (f *Forwarder) Run(ctx context.Context, bus *eventbus.Bus) error {
	err := bus.Consume(ctx, func(e eventbus.Event) {
		if f.types != nil && !f.types[e.Type] {
			return
		}
		if err := f.Forward(ctx, e); err != nil {
			f.log.Warn("kafka forward failed", logx.String("type", e.Type), logx.Err(err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (f *Forwarder) Forward(ctx context.Context, e eventbus.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("encode event: %w", err)
	}
	rec := &kgo.Record{
		Topic:     f.topic,
		Value:     value,
		Timestamp: e.Time,
		Headers:   []kgo.RecordHeader{{Key: HeaderType, Value: []byte(e.Type)}},
	}
	if id, ok := e.Payload["task_id"].(string); ok && id != "" {
		rec.Key = []byte(id)
	}

	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.producer.ProduceSync(pctx, rec).FirstErr(); err != nil {
		f.failed.Add(1)
		return fmt.Errorf("produce to %s: %w", f.topic, err)
	}
	f.forwarded.Add(1)
	return nil
}

func (f *Forwarder) Stats() Stats {
	return Stats{Forwarded: f.forwarded.Load(), Failed: f.failed.Load()}
}
