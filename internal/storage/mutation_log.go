package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// Sentinel errors for mutation log operations.
var (
	// ErrMutationLogFailed is returned when an audit append fails.
	ErrMutationLogFailed = errors.New("mutation log write failed")
)

// AuditGate checks the mutation_logging switch before each append.
// *switches.Switches satisfies it.
type AuditGate interface {
	Check(feature switches.Feature) error
}

// MutationLog is the append-only audit trail. Entries are never edited and
// never deleted by the core.
type MutationLog struct {
	conn *Connection
	gate AuditGate
}

// NewMutationLog creates a PostgreSQL-backed audit log. A nil gate leaves
// logging permanently on.
func NewMutationLog(conn *Connection, gate AuditGate) (*MutationLog, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &MutationLog{conn: conn, gate: gate}, nil
}

// Append writes one audit entry in its own transaction-free statement.
// The entry's ID and CreatedAt are assigned here. With mutation logging
// switched off the entry is dropped without error.
func (l *MutationLog) Append(ctx context.Context, entry *MutationLogEntry) error {
	if !l.enabled() {
		return nil
	}

	return l.append(ctx, l.conn.DB, entry)
}

// AppendTx writes one audit entry inside an existing transaction, so callers
// can make the audit row atomic with the mutation it records. Subject to the
// same switch as Append.
func (l *MutationLog) AppendTx(ctx context.Context, tx *sql.Tx, entry *MutationLogEntry) error {
	if !l.enabled() {
		return nil
	}

	return l.append(ctx, tx, entry)
}

func (l *MutationLog) enabled() bool {
	return l.gate == nil || l.gate.Check(switches.MutationLogging) == nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *MutationLog) append(ctx context.Context, ex execer, entry *MutationLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	detailsJSON, err := marshalJSONB(entry.Details)
	if err != nil {
		return fmt.Errorf("%w: marshal details: %w", ErrMutationLogFailed, err)
	}

	query := `
		INSERT INTO mutation_log (
			id, tenant_id, mutation_type, table_name, field_name, details, severity, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = ex.ExecContext(ctx, query,
		entry.ID,
		nullIfEmpty(entry.Tenant),
		string(entry.Kind),
		nullIfEmpty(entry.Table),
		nullIfEmpty(entry.Field),
		detailsJSON,
		string(entry.Severity),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMutationLogFailed, err)
	}

	return nil
}

// HistoricalImprovement returns the average improvement_pct recorded in past
// CREATE_INDEX entries for (table, field), plus the sample count. Used by the
// predictive scorer's historical method; zero samples means no history.
func (l *MutationLog) HistoricalImprovement(ctx context.Context, table, field string) (float64, int, error) {
	query := `
		SELECT
			COALESCE(AVG((details->>'improvement_pct')::float), 0),
			COUNT(*)
		FROM mutation_log
		WHERE mutation_type = 'CREATE_INDEX'
		  AND table_name = $1
		  AND field_name = $2
		  AND details ? 'improvement_pct'
	`

	var (
		avg   float64
		count int
	)

	err := l.conn.QueryRowContext(ctx, query, table, field).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: historical improvement: %w", ErrMutationLogFailed, err)
	}

	return avg, count, nil
}

// RecentByKind returns the newest entries of a kind, newest first.
func (l *MutationLog) RecentByKind(ctx context.Context, kind MutationKind, limit int) ([]MutationLogEntry, error) {
	query := `
		SELECT id, COALESCE(tenant_id, ''), mutation_type, COALESCE(table_name, ''),
		       COALESCE(field_name, ''), COALESCE(details::text, ''), severity, created_at
		FROM mutation_log
		WHERE mutation_type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := l.conn.QueryContext(ctx, query, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list by kind: %w", ErrMutationLogFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []MutationLogEntry

	for rows.Next() {
		var (
			entry       MutationLogEntry
			kindStr     string
			severity    string
			detailsText string
		)

		if err := rows.Scan(
			&entry.ID, &entry.Tenant, &kindStr, &entry.Table,
			&entry.Field, &detailsText, &severity, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scanning entry: %w", ErrMutationLogFailed, err)
		}

		entry.Kind = MutationKind(kindStr)
		entry.Severity = Severity(severity)

		if detailsText != "" {
			if err := json.Unmarshal([]byte(detailsText), &entry.Details); err != nil {
				return nil, fmt.Errorf("%w: decoding details: %w", ErrMutationLogFailed, err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating entries: %w", ErrMutationLogFailed, err)
	}

	return entries, nil
}

// CountByKind returns the number of entries of a kind since a cutoff.
func (l *MutationLog) CountByKind(ctx context.Context, kind MutationKind, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM mutation_log
		WHERE mutation_type = $1 AND created_at >= $2
	`

	var count int64

	if err := l.conn.QueryRowContext(ctx, query, string(kind), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count by kind: %w", ErrMutationLogFailed, err)
	}

	return count, nil
}

// marshalJSONB marshals a map to JSONB, returning NULL-safe value for database.
// Returns nil (SQL NULL) for nil/empty maps to avoid "invalid input syntax for type json" errors.
func marshalJSONB(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{Valid: false}, nil // SQL NULL
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{Valid: false}, err
	}

	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}
