package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

const auditWriteTimeout = 5 * time.Second

// ErrAuditPublishFailed is returned when an audit event cannot be written to Kafka.
var ErrAuditPublishFailed = errors.New("audit event publish failed")

// AuditPublisher mirrors mutation log entries onto a Kafka topic so external
// consumers (SIEM, reporting) can follow the audit trail without polling the
// database. Publishing is best-effort: the database row is the authoritative
// copy, and a Kafka failure never fails the mutation.
type AuditPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// AuditConfig holds Kafka connection settings for the audit bridge.
type AuditConfig struct {
	Brokers []string
	Topic   string
}

// NewAuditPublisher creates a Kafka-backed audit publisher.
func NewAuditPublisher(cfg AuditConfig, logger *slog.Logger) *AuditPublisher {
	return &AuditPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: logger,
	}
}

// Publish writes one audit entry as a JSON message keyed by table name, so
// entries for the same table stay ordered within a partition.
func (p *AuditPublisher) Publish(ctx context.Context, entry *storage.MutationLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %w", ErrAuditPublishFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.Table),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuditPublishFailed, err)
	}

	return nil
}

// PublishBestEffort logs and swallows publish failures.
func (p *AuditPublisher) PublishBestEffort(ctx context.Context, entry *storage.MutationLogEntry) {
	if err := p.Publish(ctx, entry); err != nil {
		p.logger.Warn("failed to mirror audit entry to kafka",
			slog.String("kind", string(entry.Kind)),
			slog.String("table", entry.Table),
			slog.String("error", err.Error()))
	}
}

// Close flushes and closes the underlying writer.
func (p *AuditPublisher) Close() error {
	return p.writer.Close()
}
