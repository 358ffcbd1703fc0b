package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors for catalog introspection.
var (
	// ErrCatalogReadFailed is returned when a catalog query fails.
	ErrCatalogReadFailed = errors.New("catalog read failed")

	// ErrEmptyExplainOutput is returned when EXPLAIN produces no plan.
	ErrEmptyExplainOutput = errors.New("empty EXPLAIN output")
)

type (
	// IndexInfo describes one index from the database catalog.
	IndexInfo struct {
		Name       string
		Table      string
		Columns    []string
		Definition string
		SizeBytes  int64
		IsUnique   bool
	}

	// ForeignKeyInfo describes one FK constraint touching a column.
	ForeignKeyInfo struct {
		ConstraintName string
		Table          string
		Column         string
		ForeignTable   string
		ForeignColumn  string
	}

	// PlanNode is one node of an EXPLAIN (FORMAT JSON) plan tree.
	//
	// Actual* fields are populated only when the plan was produced with ANALYZE;
	// they are negative otherwise so "absent" is distinguishable from zero.
	PlanNode struct {
		NodeType        string     `json:"Node Type"`
		RelationName    string     `json:"Relation Name"`
		StartupCost     float64    `json:"Startup Cost"`
		TotalCost       float64    `json:"Total Cost"`
		PlanRows        float64    `json:"Plan Rows"`
		ActualRows      float64    `json:"Actual Rows"`
		ActualTotalTime float64    `json:"Actual Total Time"`
		Filter          string     `json:"Filter"`
		JoinFilter      string     `json:"Join Filter"`
		IndexName       string     `json:"Index Name"`
		Plans           []PlanNode `json:"Plans"`
	}

	// explainRoot is the top-level shape of EXPLAIN (FORMAT JSON) output.
	explainRoot struct {
		Plan         PlanNode `json:"Plan"`
		PlanningTime float64  `json:"Planning Time"`
	}

	// CatalogReader serves read-only introspection of the database catalog:
	// index listings and sizes, row counts, column metadata, FK constraints,
	// and EXPLAIN plans. It never mutates anything.
	CatalogReader struct {
		conn *Connection
	}
)

// NewCatalogReader creates a catalog reader over the shared connection.
func NewCatalogReader(conn *Connection) (*CatalogReader, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CatalogReader{conn: conn}, nil
}

// ListIndexes returns every index on a table with its columns and size.
func (c *CatalogReader) ListIndexes(ctx context.Context, table string) ([]IndexInfo, error) {
	query := `
		SELECT
			i.indexname,
			i.tablename,
			i.indexdef,
			pg_relation_size(quote_ident(i.indexname)::regclass),
			ix.indisunique,
			ARRAY(
				SELECT a.attname
				FROM unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = ix.indrelid AND a.attnum = k.attnum
				ORDER BY k.ord
			)
		FROM pg_indexes i
		JOIN pg_class t ON t.relname = i.tablename
		JOIN pg_index ix ON ix.indexrelid = (quote_ident(i.indexname)::regclass)
		WHERE i.tablename = $1 AND i.schemaname = 'public'
	`

	rows, err := c.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("%w: list indexes for %s: %w", ErrCatalogReadFailed, table, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var indexes []IndexInfo

	for rows.Next() {
		var info IndexInfo

		if err := rows.Scan(
			&info.Name, &info.Table, &info.Definition, &info.SizeBytes,
			&info.IsUnique, pq.Array(&info.Columns),
		); err != nil {
			return nil, fmt.Errorf("%w: scanning index row: %w", ErrCatalogReadFailed, err)
		}

		indexes = append(indexes, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating index rows: %w", ErrCatalogReadFailed, err)
	}

	return indexes, nil
}

// IndexesOnColumn returns the indexes whose key includes the given column.
func (c *CatalogReader) IndexesOnColumn(ctx context.Context, table, column string) ([]IndexInfo, error) {
	all, err := c.ListIndexes(ctx, table)
	if err != nil {
		return nil, err
	}

	var matching []IndexInfo

	for _, info := range all {
		for _, col := range info.Columns {
			if col == column {
				matching = append(matching, info)

				break
			}
		}
	}

	return matching, nil
}

// HasEquivalentIndex reports whether an index already exists whose leading
// columns equal the candidate columns. A broader index with the same prefix
// counts as equivalent for candidate exclusion.
func (c *CatalogReader) HasEquivalentIndex(ctx context.Context, table string, columns []string) (bool, error) {
	all, err := c.ListIndexes(ctx, table)
	if err != nil {
		return false, err
	}

	for _, info := range all {
		if len(info.Columns) < len(columns) {
			continue
		}

		match := true

		for i, col := range columns {
			if info.Columns[i] != col {
				match = false

				break
			}
		}

		if match {
			return true, nil
		}
	}

	return false, nil
}

// IndexCount returns the number of indexes on a table.
func (c *CatalogReader) IndexCount(ctx context.Context, table string) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM pg_indexes WHERE tablename = $1 AND schemaname = 'public'`

	if err := c.conn.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: index count for %s: %w", ErrCatalogReadFailed, table, err)
	}

	return count, nil
}

// TableExists reports whether a table exists in the public schema.
func (c *CatalogReader) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool

	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)
	`

	if err := c.conn.QueryRowContext(ctx, query, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: table exists %s: %w", ErrCatalogReadFailed, table, err)
	}

	return exists, nil
}

// ColumnType returns the data type of a column, or ("", false, nil) when the
// column does not exist.
func (c *CatalogReader) ColumnType(ctx context.Context, table, column string) (string, bool, error) {
	query := `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
	`

	var dataType string

	err := c.conn.QueryRowContext(ctx, query, table, column).Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("%w: column type %s.%s: %w", ErrCatalogReadFailed, table, column, err)
	}

	return dataType, true, nil
}

// TableRowCount returns COUNT(*) for a table.
func (c *CatalogReader) TableRowCount(ctx context.Context, table string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(table))

	var count int64

	if err := c.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: row count for %s: %w", ErrCatalogReadFailed, table, err)
	}

	return count, nil
}

// DistinctCount returns COUNT(DISTINCT column) for a table.
func (c *CatalogReader) DistinctCount(ctx context.Context, table, column string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM %s`,
		pq.QuoteIdentifier(column), pq.QuoteIdentifier(table))

	var count int64

	if err := c.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: distinct count for %s.%s: %w", ErrCatalogReadFailed, table, column, err)
	}

	return count, nil
}

// TableSizeBytes returns pg_total_relation_size for a table.
func (c *CatalogReader) TableSizeBytes(ctx context.Context, table string) (int64, error) {
	var size int64

	query := `SELECT pg_total_relation_size(quote_ident($1)::regclass)`

	if err := c.conn.QueryRowContext(ctx, query, table).Scan(&size); err != nil {
		return 0, fmt.Errorf("%w: table size for %s: %w", ErrCatalogReadFailed, table, err)
	}

	return size, nil
}

// TotalIndexSizeBytes returns the total size of all indexes in the public schema.
func (c *CatalogReader) TotalIndexSizeBytes(ctx context.Context) (int64, error) {
	var size int64

	query := `
		SELECT COALESCE(SUM(pg_relation_size(quote_ident(indexname)::regclass)), 0)
		FROM pg_indexes
		WHERE schemaname = 'public'
	`

	if err := c.conn.QueryRowContext(ctx, query).Scan(&size); err != nil {
		return 0, fmt.Errorf("%w: total index size: %w", ErrCatalogReadFailed, err)
	}

	return size, nil
}

// ForeignKeysOnColumn returns FK constraints where the column participates on
// either side of the relationship.
func (c *CatalogReader) ForeignKeysOnColumn(ctx context.Context, table, column string) ([]ForeignKeyInfo, error) {
	query := `
		SELECT
			tc.constraint_name,
			kcu.table_name,
			kcu.column_name,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND (
			(kcu.table_name = $1 AND kcu.column_name = $2)
			OR (ccu.table_name = $1 AND ccu.column_name = $2)
		  )
	`

	rows, err := c.conn.QueryContext(ctx, query, table, column)
	if err != nil {
		return nil, fmt.Errorf("%w: foreign keys for %s.%s: %w", ErrCatalogReadFailed, table, column, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var fks []ForeignKeyInfo

	for rows.Next() {
		var fk ForeignKeyInfo

		if err := rows.Scan(
			&fk.ConstraintName, &fk.Table, &fk.Column, &fk.ForeignTable, &fk.ForeignColumn,
		); err != nil {
			return nil, fmt.Errorf("%w: scanning FK row: %w", ErrCatalogReadFailed, err)
		}

		fks = append(fks, fk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating FK rows: %w", ErrCatalogReadFailed, err)
	}

	return fks, nil
}

// SamplePairs reads up to limit (col1, col2) value pairs from a table for
// correlation detection. Values are stringified server-side so the caller
// only handles text.
func (c *CatalogReader) SamplePairs(ctx context.Context, table, col1, col2 string, limit int) ([][2]string, error) {
	query := fmt.Sprintf(`SELECT %s::text, %s::text FROM %s LIMIT %d`,
		pq.QuoteIdentifier(col1), pq.QuoteIdentifier(col2), pq.QuoteIdentifier(table), limit)

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: sampling %s: %w", ErrCatalogReadFailed, table, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var pairs [][2]string

	for rows.Next() {
		var a, b *string

		if err := rows.Scan(&a, &b); err != nil {
			return nil, fmt.Errorf("%w: scanning sample row: %w", ErrCatalogReadFailed, err)
		}

		pair := [2]string{"", ""}
		if a != nil {
			pair[0] = *a
		}

		if b != nil {
			pair[1] = *b
		}

		pairs = append(pairs, pair)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating sample rows: %w", ErrCatalogReadFailed, err)
	}

	return pairs, nil
}

// Explain runs EXPLAIN (FORMAT JSON) on a query and returns the parsed plan
// tree plus the planning time in milliseconds.
//
// Never runs ANALYZE from the intercept path: plan analysis must not execute
// the query it is judging. ExplainAnalyze exists separately for the scorers.
func (c *CatalogReader) Explain(ctx context.Context, query string) (*PlanNode, float64, error) {
	return c.explain(ctx, "EXPLAIN (FORMAT JSON) "+query)
}

// ExplainAnalyze runs EXPLAIN (ANALYZE, FORMAT JSON); the query IS executed.
// Only the advisor's plan sampling may call this, on its own sample lookups.
func (c *CatalogReader) ExplainAnalyze(ctx context.Context, query string) (*PlanNode, float64, error) {
	return c.explain(ctx, "EXPLAIN (ANALYZE, FORMAT JSON) "+query)
}

func (c *CatalogReader) explain(ctx context.Context, explainSQL string) (*PlanNode, float64, error) {
	var payload []byte

	if err := c.conn.QueryRowContext(ctx, explainSQL).Scan(&payload); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCatalogReadFailed, err)
	}

	var roots []explainRoot

	if err := json.Unmarshal(payload, &roots); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding EXPLAIN output: %w", ErrCatalogReadFailed, err)
	}

	if len(roots) == 0 {
		return nil, 0, ErrEmptyExplainOutput
	}

	plan := roots[0].Plan
	markMissingActuals(&plan)

	return &plan, roots[0].PlanningTime, nil
}

// markMissingActuals sets Actual* fields to -1 on plans produced without
// ANALYZE, so callers can tell "no actuals" apart from "zero time".
func markMissingActuals(node *PlanNode) {
	if node.ActualRows == 0 && node.ActualTotalTime == 0 {
		node.ActualRows = -1
		node.ActualTotalTime = -1
	}

	for i := range node.Plans {
		markMissingActuals(&node.Plans[i])
	}
}
