package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrUsageStoreFailed is returned when algorithm usage tracking fails.
var ErrUsageStoreFailed = errors.New("algorithm usage store failed")

// AlgorithmUsage records one scorer invocation on one candidate.
type AlgorithmUsage struct {
	ID             int64
	Table          string
	Field          string
	Algorithm      string
	Recommendation float64 // utility in [0,1]
	UsedInDecision bool
}

// UsageStore persists algorithm usage rows. The optimizer flips
// used_in_decision for the winning subset inside the mutation transaction, so
// the flag is atomic with the mutation audit entry.
type UsageStore struct {
	conn *Connection
}

// NewUsageStore creates a PostgreSQL-backed algorithm usage store.
func NewUsageStore(conn *Connection) (*UsageStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &UsageStore{conn: conn}, nil
}

// Record inserts one usage row with used_in_decision=false and returns its ID.
func (u *UsageStore) Record(ctx context.Context, usage *AlgorithmUsage) error {
	query := `
		INSERT INTO algorithm_usage (table_name, field_name, algorithm, recommendation, used_in_decision, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		RETURNING id
	`

	err := u.conn.QueryRowContext(ctx, query,
		usage.Table, usage.Field, usage.Algorithm, usage.Recommendation,
	).Scan(&usage.ID)
	if err != nil {
		return fmt.Errorf("%w: record usage: %w", ErrUsageStoreFailed, err)
	}

	return nil
}

// MarkUsedTx flips used_in_decision=true for a set of usage rows inside an
// existing transaction.
func (u *UsageStore) MarkUsedTx(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))

	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(
		`UPDATE algorithm_usage SET used_in_decision = TRUE WHERE id IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: mark used: %w", ErrUsageStoreFailed, err)
	}

	return nil
}
