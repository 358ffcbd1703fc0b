package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/storage"
)

const feedReadTimeout = 10 * time.Second

type (
	// FeedConfig holds Kafka settings for the remote telemetry feed.
	FeedConfig struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// KafkaFeed consumes query samples published by remote application nodes
	// and records them into the local buffer.
	//
	// Delivery is at-least-once: the offset is committed only after Record,
	// and Record is idempotent enough for telemetry (duplicate samples skew
	// aggregates negligibly and the advisor thresholds absorb them).
	KafkaFeed struct {
		reader    *kafka.Reader
		buffer    *Buffer
		logger    *slog.Logger
		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}

	// wireSample is the JSON shape remote nodes publish.
	wireSample struct {
		Tenant     string  `json:"tenant,omitempty"`
		Table      string  `json:"table"`
		Field      string  `json:"field,omitempty"`
		Type       string  `json:"type"`
		DurationMs float64 `json:"duration_ms"` //nolint: tagliatelle
		CreatedAt  string  `json:"created_at"`  //nolint: tagliatelle
	}
)

// LoadFeedConfig reads Kafka feed settings from the environment. An empty
// broker list means the feed is disabled.
func LoadFeedConfig() FeedConfig {
	return FeedConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("TELEMETRY_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("TELEMETRY_KAFKA_TOPIC", "indexpilot.query-samples"),
		GroupID: config.GetEnvStr("TELEMETRY_KAFKA_GROUP_ID", "indexpilot-advisor"),
	}
}

// NewKafkaFeed creates and starts a feed consumer. Callers must Close().
func NewKafkaFeed(cfg FeedConfig, buffer *Buffer, logger *slog.Logger) *KafkaFeed {
	f := &KafkaFeed{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		buffer: buffer,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go f.run()

	return f
}

// Close stops the consumer loop and the underlying reader.
func (f *KafkaFeed) Close() error {
	var err error

	f.closeOnce.Do(func() {
		close(f.stop)
		err = f.reader.Close()
		<-f.done
	})

	return err
}

func (f *KafkaFeed) run() {
	defer close(f.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-f.stop
		cancel()
	}()

	for {
		message, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			f.logger.Warn("telemetry feed fetch failed",
				slog.String("error", err.Error()))

			select {
			case <-f.stop:
				return
			case <-time.After(feedReadTimeout):
				continue
			}
		}

		f.handle(ctx, message)
	}
}

// handle decodes one message into the buffer and commits the offset. Malformed
// messages are logged and committed anyway, so a poison message cannot wedge
// the partition.
func (f *KafkaFeed) handle(ctx context.Context, message kafka.Message) {
	var wire wireSample

	if err := json.Unmarshal(message.Value, &wire); err != nil {
		f.logger.Warn("dropping malformed telemetry message",
			slog.Int64("offset", message.Offset),
			slog.String("error", err.Error()))
	} else {
		sample := storage.QuerySample{
			Tenant:     wire.Tenant,
			Table:      wire.Table,
			Field:      wire.Field,
			Type:       storage.QueryType(wire.Type),
			DurationMs: wire.DurationMs,
		}

		if ts, err := time.Parse(time.RFC3339Nano, wire.CreatedAt); err == nil {
			sample.CreatedAt = ts
		}

		f.buffer.Record(sample)
	}

	if err := f.reader.CommitMessages(ctx, message); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Warn("telemetry feed commit failed",
			slog.Int64("offset", message.Offset),
			slog.String("error", err.Error()))
	}
}
