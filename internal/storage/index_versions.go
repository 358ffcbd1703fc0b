package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for index version operations.
var (
	// ErrIndexVersionFailed is returned when an index version write or read fails.
	ErrIndexVersionFailed = errors.New("index version operation failed")

	// ErrNoVersionHistory is returned when a rollback is requested for an index
	// with no recorded prior definition.
	ErrNoVersionHistory = errors.New("no version history for index")
)

// IndexVersions records the DDL history of every managed index. Rows are
// appended on each (re)creation; rollback re-applies the prior definition.
//
// The mutation executor owns writes; other components read only.
type IndexVersions struct {
	conn *Connection
}

// NewIndexVersions creates a PostgreSQL-backed index version history.
func NewIndexVersions(conn *Connection) (*IndexVersions, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &IndexVersions{conn: conn}, nil
}

// AppendTx appends a version row inside an existing transaction so the version
// is atomic with the DDL's audit entry.
func (v *IndexVersions) AppendTx(ctx context.Context, tx *sql.Tx, version *IndexVersion) error {
	metadataJSON, err := marshalJSONB(version.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %w", ErrIndexVersionFailed, err)
	}

	query := `
		INSERT INTO index_versions (
			index_name, table_name, definition, created_by, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`

	err = tx.QueryRowContext(ctx, query,
		version.IndexName,
		version.Table,
		version.Definition,
		version.CreatedBy,
		metadataJSON,
	).Scan(&version.ID, &version.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
	}

	return nil
}

// Latest returns the newest version row for an index name.
func (v *IndexVersions) Latest(ctx context.Context, indexName string) (*IndexVersion, error) {
	return v.nth(ctx, indexName, 0)
}

// Previous returns the second-newest version row for an index name, i.e. the
// definition a rollback should re-apply. Returns ErrNoVersionHistory when the
// index has fewer than two recorded versions.
func (v *IndexVersions) Previous(ctx context.Context, indexName string) (*IndexVersion, error) {
	return v.nth(ctx, indexName, 1)
}

func (v *IndexVersions) nth(ctx context.Context, indexName string, offset int) (*IndexVersion, error) {
	query := `
		SELECT id, index_name, table_name, definition, created_by, COALESCE(metadata::text, ''), created_at
		FROM index_versions
		WHERE index_name = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2
		LIMIT 1
	`

	var (
		version      IndexVersion
		metadataText string
	)

	err := v.conn.QueryRowContext(ctx, query, indexName, offset).Scan(
		&version.ID,
		&version.IndexName,
		&version.Table,
		&version.Definition,
		&version.CreatedBy,
		&metadataText,
		&version.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoVersionHistory, indexName)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
	}

	if metadataText != "" {
		if err := json.Unmarshal([]byte(metadataText), &version.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decoding metadata: %w", ErrIndexVersionFailed, err)
		}
	}

	return &version, nil
}

// ManagedIndexes lists every distinct index name with recorded version
// history, i.e. every index this process family has ever built.
func (v *IndexVersions) ManagedIndexes(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT index_name FROM index_versions ORDER BY index_name`

	rows, err := v.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
	}

	return names, nil
}

// CountForTable returns the number of version rows recorded for a table.
func (v *IndexVersions) CountForTable(ctx context.Context, table string) (int64, error) {
	var count int64

	query := `SELECT COUNT(*) FROM index_versions WHERE table_name = $1`

	if err := v.conn.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexVersionFailed, err)
	}

	return count, nil
}
