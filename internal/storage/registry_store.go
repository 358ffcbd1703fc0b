package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for schema registry operations.
var (
	// ErrRegistryFailed is returned when a schema registry operation fails.
	ErrRegistryFailed = errors.New("schema registry operation failed")

	// ErrFieldNotRegistered is returned when a (table, field) has no genome row.
	ErrFieldNotRegistered = errors.New("field not registered in schema registry")
)

// Registry is the schema registry: genome fields (the authoritative list of
// known columns) and per-tenant expression profiles.
//
// Genome rows are created by external bootstrap and mutated by schema
// evolution; they are deleted only when the column itself is dropped.
type Registry struct {
	conn *Connection
}

// NewRegistry creates a PostgreSQL-backed schema registry.
func NewRegistry(conn *Connection) (*Registry, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Registry{conn: conn}, nil
}

// GetField returns the genome row for (table, field), or ErrFieldNotRegistered.
func (r *Registry) GetField(ctx context.Context, table, field string) (*GenomeField, error) {
	query := `
		SELECT table_name, field_name, field_type, required, indexable, default_enabled, COALESCE(feature_group, '')
		FROM genome_fields
		WHERE table_name = $1 AND field_name = $2
	`

	var gf GenomeField

	err := r.conn.QueryRowContext(ctx, query, table, field).Scan(
		&gf.Table, &gf.Field, &gf.Type, &gf.Required, &gf.Indexable, &gf.DefaultEnabled, &gf.FeatureGroup,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotRegistered, table, field)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryFailed, err)
	}

	return &gf, nil
}

// UpsertFieldTx inserts or updates a genome row inside an existing transaction.
// Schema evolution calls this after successful DDL so the registry tracks the
// live catalog.
func (r *Registry) UpsertFieldTx(ctx context.Context, tx *sql.Tx, gf *GenomeField) error {
	query := `
		INSERT INTO genome_fields (
			table_name, field_name, field_type, required, indexable, default_enabled, feature_group
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_name, field_name) DO UPDATE
		SET field_type = EXCLUDED.field_type,
		    required = EXCLUDED.required,
		    indexable = EXCLUDED.indexable,
		    default_enabled = EXCLUDED.default_enabled,
		    feature_group = EXCLUDED.feature_group
	`

	_, err := tx.ExecContext(ctx, query,
		gf.Table, gf.Field, gf.Type, gf.Required, gf.Indexable, gf.DefaultEnabled, nullIfEmpty(gf.FeatureGroup),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert field: %w", ErrRegistryFailed, err)
	}

	return nil
}

// DeleteFieldTx removes a genome row; called only when the column is dropped.
func (r *Registry) DeleteFieldTx(ctx context.Context, tx *sql.Tx, table, field string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM genome_fields WHERE table_name = $1 AND field_name = $2`, table, field)
	if err != nil {
		return fmt.Errorf("%w: delete field: %w", ErrRegistryFailed, err)
	}

	return nil
}

// RenameFieldTx moves a genome row to a new field name.
func (r *Registry) RenameFieldTx(ctx context.Context, tx *sql.Tx, table, oldField, newField string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE genome_fields SET field_name = $3 WHERE table_name = $1 AND field_name = $2`,
		table, oldField, newField)
	if err != nil {
		return fmt.Errorf("%w: rename field: %w", ErrRegistryFailed, err)
	}

	return nil
}

// FieldEnabled reports whether (tenant, table, field) is active.
//
// Precedence: when expression checks are bypassed by the caller, this is never
// consulted; otherwise an explicit profile row wins and a missing row falls
// back to the genome default.
func (r *Registry) FieldEnabled(ctx context.Context, tenant, table, field string) (bool, error) {
	query := `
		SELECT COALESCE(
			(SELECT enabled FROM expression_profiles
			 WHERE tenant_id = $1 AND table_name = $2 AND field_name = $3),
			(SELECT default_enabled FROM genome_fields
			 WHERE table_name = $2 AND field_name = $3)
		)
	`

	var enabled sql.NullBool

	err := r.conn.QueryRowContext(ctx, query, tenant, table, field).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("%w: field enabled: %w", ErrRegistryFailed, err)
	}

	if !enabled.Valid {
		return false, fmt.Errorf("%w: %s.%s", ErrFieldNotRegistered, table, field)
	}

	return enabled.Bool, nil
}

// SetFieldEnabled upserts an expression profile row for (tenant, table, field).
func (r *Registry) SetFieldEnabled(ctx context.Context, tenant, table, field string, enabled bool) error {
	query := `
		INSERT INTO expression_profiles (tenant_id, table_name, field_name, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, table_name, field_name) DO UPDATE
		SET enabled = EXCLUDED.enabled
	`

	if _, err := r.conn.ExecContext(ctx, query, tenant, table, field, enabled); err != nil {
		return fmt.Errorf("%w: set field enabled: %w", ErrRegistryFailed, err)
	}

	return nil
}

// InitializeTenant seeds expression profiles for a new tenant from genome
// defaults. Existing rows are left untouched.
func (r *Registry) InitializeTenant(ctx context.Context, tenant string) (int64, error) {
	query := `
		INSERT INTO expression_profiles (tenant_id, table_name, field_name, enabled)
		SELECT $1, table_name, field_name, default_enabled
		FROM genome_fields
		ON CONFLICT (tenant_id, table_name, field_name) DO NOTHING
	`

	result, err := r.conn.ExecContext(ctx, query, tenant)
	if err != nil {
		return 0, fmt.Errorf("%w: initialize tenant: %w", ErrRegistryFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // row count is informational only
	}

	return rows, nil
}

// ProfileCount returns the number of expression profile rows for (table, field)
// across all tenants. Used by schema evolution impact analysis.
func (r *Registry) ProfileCount(ctx context.Context, table, field string) (int64, error) {
	var count int64

	query := `SELECT COUNT(*) FROM expression_profiles WHERE table_name = $1 AND field_name = $2`

	if err := r.conn.QueryRowContext(ctx, query, table, field).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: profile count: %w", ErrRegistryFailed, err)
	}

	return count, nil
}

// TenantCount returns the number of distinct tenants with expression
// profiles. Used for even storage attribution across shared schemas.
func (r *Registry) TenantCount(ctx context.Context) (int, error) {
	var count int

	query := `SELECT COUNT(DISTINCT tenant_id) FROM expression_profiles`

	if err := r.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: tenant count: %w", ErrRegistryFailed, err)
	}

	return count, nil
}
