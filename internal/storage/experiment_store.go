package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for A/B experiment bookkeeping.
var (
	// ErrExperimentStoreFailed is returned when an experiment operation fails.
	ErrExperimentStoreFailed = errors.New("experiment store operation failed")

	// ErrExperimentNotFound is returned when a result references an unknown experiment.
	ErrExperimentNotFound = errors.New("experiment not found")
)

// Experiments persists A/B test bookkeeping. Results may only be recorded for
// an existing experiment.
//
// The advisor does not read experiments when deciding; they exist for offline
// comparison of index variants.
type Experiments struct {
	conn *Connection
}

// NewExperiments creates a PostgreSQL-backed experiment store.
func NewExperiments(conn *Connection) (*Experiments, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Experiments{conn: conn}, nil
}

// Create registers an experiment. Name is unique; re-creating updates the
// variants and split.
func (e *Experiments) Create(ctx context.Context, exp *ABExperiment) error {
	query := `
		INSERT INTO ab_experiments (name, variant_a, variant_b, traffic_split, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE
		SET variant_a = EXCLUDED.variant_a,
		    variant_b = EXCLUDED.variant_b,
		    traffic_split = EXCLUDED.traffic_split
	`

	if _, err := e.conn.ExecContext(ctx, query, exp.Name, exp.VariantA, exp.VariantB, exp.TrafficSplit); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrExperimentStoreFailed, exp.Name, err)
	}

	return nil
}

// RecordResult appends one observation. Fails with ErrExperimentNotFound when
// the experiment does not exist.
func (e *Experiments) RecordResult(ctx context.Context, result *ABResult) error {
	var exists bool

	err := e.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ab_experiments WHERE name = $1)`, result.Experiment,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExperimentStoreFailed, err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, result.Experiment)
	}

	query := `
		INSERT INTO ab_results (experiment_name, variant, duration_ms, created_at)
		VALUES ($1, $2, $3, NOW())
	`

	if _, err := e.conn.ExecContext(ctx, query, result.Experiment, result.Variant, result.DurationMs); err != nil {
		return fmt.Errorf("%w: record result: %w", ErrExperimentStoreFailed, err)
	}

	return nil
}

// VariantAverages returns the mean duration per variant for an experiment.
func (e *Experiments) VariantAverages(ctx context.Context, name string) (map[string]float64, error) {
	query := `
		SELECT variant, AVG(duration_ms)
		FROM ab_results
		WHERE experiment_name = $1
		GROUP BY variant
	`

	rows, err := e.conn.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("%w: variant averages: %w", ErrExperimentStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	averages := make(map[string]float64)

	for rows.Next() {
		var (
			variant string
			avg     sql.NullFloat64
		)

		if err := rows.Scan(&variant, &avg); err != nil {
			return nil, fmt.Errorf("%w: scanning variant row: %w", ErrExperimentStoreFailed, err)
		}

		averages[variant] = avg.Float64
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating variant rows: %w", ErrExperimentStoreFailed, err)
	}

	return averages, nil
}
