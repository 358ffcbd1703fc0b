package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Sentinel errors for telemetry storage operations.
var (
	// ErrTelemetryStoreFailed is returned when a telemetry write fails.
	ErrTelemetryStoreFailed = errors.New("telemetry storage failed")

	// ErrInvalidCleanupInterval is returned when an invalid cleanup interval is provided.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than zero")
)

// Retention cleanup configuration constants.
const (
	cleanupQueryTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
	// cleanupBatchSize is the maximum number of rows to delete per batch to avoid long-running locks.
	cleanupBatchSize = 10000
	// batchSleepDuration is the sleep time between batches to avoid overwhelming the database.
	batchSleepDuration = 100 * time.Millisecond
	// insertColumns is the number of columns per query_stats row.
	insertColumns = 6
)

// TelemetryStore persists query telemetry samples and serves windowed aggregates.
//
// Samples are append-only; a background goroutine ages out rows older than the
// configured retention window in bounded batches.
type TelemetryStore struct {
	conn          *Connection
	logger        *slog.Logger
	retentionDays int
	cleanupStop   chan struct{} // Signal to stop cleanup goroutine
	cleanupDone   chan struct{} // Signal cleanup has stopped
	closeOnce     sync.Once
}

// NewTelemetryStore creates a PostgreSQL-backed telemetry store with background
// retention cleanup. The cleanup goroutine starts automatically and stops
// gracefully on Close().
func NewTelemetryStore(conn *Connection, cfg *Config) (*TelemetryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cfg.CleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	store := &TelemetryStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		retentionDays: cfg.RetentionDays,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup(cfg.CleanupInterval)

	store.logger.Info("Started telemetry retention goroutine",
		slog.Duration("interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.RetentionDays))

	return store, nil
}

// Close stops the cleanup goroutine gracefully. Safe to call multiple times.
//
// Does NOT close the database connection; the connection is managed externally.
func (s *TelemetryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)

		select {
		case <-s.cleanupDone:
			s.logger.Info("Retention goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Retention goroutine did not stop within timeout")
		}
	})

	return nil
}

// InsertSamples writes a batch of samples in a single multi-row INSERT.
//
// An empty batch is a no-op. The write is atomic: either every row lands or
// none do. Callers (the telemetry buffer flusher) treat failure as retryable
// at the next tick.
func (s *TelemetryStore) InsertSamples(ctx context.Context, samples []QuerySample) error {
	if len(samples) == 0 {
		return nil
	}

	var sb strings.Builder

	sb.WriteString(`
		INSERT INTO query_stats (
			tenant_id, table_name, field_name, query_type, duration_ms, created_at
		) VALUES `)

	args := make([]any, 0, len(samples)*insertColumns)

	for i, sample := range samples {
		if i > 0 {
			sb.WriteString(", ")
		}

		base := i * insertColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)

		args = append(args,
			nullIfEmpty(sample.Tenant),
			sample.Table,
			nullIfEmpty(sample.Field),
			string(sample.Type),
			sample.DurationMs,
			sample.CreatedAt,
		)
	}

	if _, err := s.conn.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("%w: batch insert of %d samples: %w", ErrTelemetryStoreFailed, len(samples), err)
	}

	return nil
}

// AggregateWindow aggregates query_stats over the trailing window into
// (table, field, query_type) usage rows, keeping only tuples whose count meets
// minCount. Ordering is (count desc, p95 desc, table asc, field asc) so the
// result is deterministic for a fixed telemetry snapshot.
func (s *TelemetryStore) AggregateWindow(
	ctx context.Context,
	window time.Duration,
	minCount int,
) ([]FieldUsage, error) {
	query := `
		SELECT
			table_name,
			field_name,
			query_type,
			COUNT(*) AS cnt,
			AVG(duration_ms) AS avg_ms,
			PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms) AS p95_ms,
			PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY duration_ms) AS p99_ms,
			COUNT(DISTINCT tenant_id) AS tenant_count
		FROM query_stats
		WHERE created_at > NOW() - $1::interval
		  AND field_name IS NOT NULL
		GROUP BY table_name, field_name, query_type
		HAVING COUNT(*) >= $2
		ORDER BY cnt DESC, p95_ms DESC, table_name ASC, field_name ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, window.String(), minCount)
	if err != nil {
		return nil, fmt.Errorf("%w: window aggregation: %w", ErrTelemetryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var usages []FieldUsage

	for rows.Next() {
		var usage FieldUsage

		if err := rows.Scan(
			&usage.Table,
			&usage.Field,
			&usage.Type,
			&usage.Count,
			&usage.AvgMs,
			&usage.P95Ms,
			&usage.P99Ms,
			&usage.TenantCount,
		); err != nil {
			return nil, fmt.Errorf("%w: scanning usage row: %w", ErrTelemetryStoreFailed, err)
		}

		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating usage rows: %w", ErrTelemetryStoreFailed, err)
	}

	return usages, nil
}

// ReadWriteRatio returns the fraction of reads among all samples for a table
// over the trailing window. Returns 0.5 when the table has no samples, which
// keeps the workload constraint neutral for unknown tables.
func (s *TelemetryStore) ReadWriteRatio(ctx context.Context, table string, window time.Duration) (float64, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE query_type = 'READ')::float,
			COUNT(*)::float
		FROM query_stats
		WHERE table_name = $1 AND created_at > NOW() - $2::interval
	`

	var reads, total float64

	err := s.conn.QueryRowContext(ctx, query, table, window.String()).Scan(&reads, &total)
	if err != nil {
		return 0, fmt.Errorf("%w: read/write ratio: %w", ErrTelemetryStoreFailed, err)
	}

	if total == 0 {
		return 0.5, nil
	}

	return reads / total, nil
}

// FieldQueryActivity returns the count, tenant count, and avg/p95 duration for
// queries touching (table, field) over the trailing window. Used by schema
// evolution impact analysis.
func (s *TelemetryStore) FieldQueryActivity(
	ctx context.Context,
	table, field string,
	window time.Duration,
) (*FieldUsage, error) {
	query := `
		SELECT
			COUNT(*) AS cnt,
			COALESCE(AVG(duration_ms), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY duration_ms), 0),
			COUNT(DISTINCT tenant_id)
		FROM query_stats
		WHERE table_name = $1 AND field_name = $2 AND created_at > NOW() - $3::interval
	`

	usage := &FieldUsage{Table: table, Field: field}

	err := s.conn.QueryRowContext(ctx, query, table, field, window.String()).Scan(
		&usage.Count, &usage.AvgMs, &usage.P95Ms, &usage.P99Ms, &usage.TenantCount,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: field activity: %w", ErrTelemetryStoreFailed, err)
	}

	return usage, nil
}

// runCleanup is the background goroutine that periodically ages out old samples.
// Runs on a ticker until cleanupStop is closed via Close().
func (s *TelemetryStore) runCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.cleanupStop:
			cancel()
			s.logger.Info("Stopping telemetry retention goroutine")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			s.cleanupExpiredSamples(cleanupCtx)
			cleanupCancel()
		}
	}
}

// cleanupExpiredSamples deletes samples past the retention window in bounded
// batches, sleeping between batches so the delete never starves the workload.
// Failures are logged but don't crash the goroutine.
func (s *TelemetryStore) cleanupExpiredSamples(ctx context.Context) {
	startTime := time.Now()
	totalDeleted := int64(0)
	batchCount := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info("Retention cleanup cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount))

			return
		}

		query := `
			DELETE FROM query_stats
			WHERE id IN (
				SELECT id
				FROM query_stats
				WHERE created_at < NOW() - make_interval(days => $1)
				ORDER BY created_at ASC
				LIMIT $2
			)
		`

		result, err := s.conn.ExecContext(ctx, query, s.retentionDays, cleanupBatchSize)
		if err != nil {
			s.logger.Error("Failed to clean up expired telemetry",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount))

			return
		}

		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			s.logger.Warn("Cleanup batch completed but row count unavailable",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted))

			return
		}

		totalDeleted += rowsDeleted
		batchCount++

		if rowsDeleted < cleanupBatchSize {
			break
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Retention cleanup cancelled between batches",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount))

			return
		case <-time.After(batchSleepDuration):
		}
	}

	if totalDeleted > 0 {
		s.logger.Info("Aged out expired telemetry samples",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches_completed", batchCount),
			slog.Duration("duration", time.Since(startTime)))
	} else {
		s.logger.Debug("Retention cleanup completed - nothing to delete",
			slog.Duration("duration", time.Since(startTime)))
	}
}

// nullIfEmpty maps empty strings to SQL NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}
