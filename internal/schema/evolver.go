// Package schema performs controlled column evolution: ADD, DROP, ALTER, and
// RENAME with pre-flight impact analysis, generated rollback plans, and an
// audit trail.
//
// Every change goes through the same three stages. Validation rejects unsafe
// identifiers and impossible changes before any catalog read. Impact analysis
// measures what the change would touch (recent query volume, dependent
// indexes, expression profiles, foreign keys) and classifies findings as
// blocking errors or advisory warnings. Execution runs the DDL plus registry
// and audit updates in one transaction, retried on transient failures.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/events"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// ChangeKind enumerates the supported column changes.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "ADD_COLUMN"
	ChangeDrop   ChangeKind = "DROP_COLUMN"
	ChangeAlter  ChangeKind = "ALTER_COLUMN"
	ChangeRename ChangeKind = "RENAME_COLUMN"
)

const (
	// activityWindow is how far back impact analysis looks for query volume.
	activityWindow = 7 * 24 * time.Hour

	// highVolumePerWeek triggers the high-traffic warning.
	highVolumePerWeek = 1000

	// impactCacheTTL bounds staleness of cached impact analyses.
	impactCacheTTL = 5 * time.Minute
)

// ErrEvolutionFailed wraps execution failures after retries are exhausted.
var ErrEvolutionFailed = errors.New("schema evolution failed")

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// allowedColumnTypes is the closed set of types a column may be added as or
// altered to. Values are inlined into DDL, so membership here doubles as
// injection safety.
var allowedColumnTypes = map[string]bool{
	"text":             true,
	"varchar":          true,
	"integer":          true,
	"bigint":           true,
	"smallint":         true,
	"numeric":          true,
	"real":             true,
	"double precision": true,
	"boolean":          true,
	"date":             true,
	"timestamp":        true,
	"timestamptz":      true,
	"jsonb":            true,
	"uuid":             true,
}

// ValidationError reports a pre-flight failure. It is terminal: the change is
// wrong as specified and retrying will not help.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "schema validation: " + e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type (
	// Catalog is the slice of the database catalog the evolver reads.
	Catalog interface {
		TableExists(ctx context.Context, table string) (bool, error)
		ColumnType(ctx context.Context, table, column string) (string, bool, error)
		IndexesOnColumn(ctx context.Context, table, column string) ([]storage.IndexInfo, error)
		ForeignKeysOnColumn(ctx context.Context, table, column string) ([]storage.ForeignKeyInfo, error)
	}

	// Activity reports recent query volume for a column.
	Activity interface {
		FieldQueryActivity(ctx context.Context, table, field string, window time.Duration) (*storage.FieldUsage, error)
	}

	// RegistryWriter mutates the schema registry inside the change transaction.
	RegistryWriter interface {
		UpsertFieldTx(ctx context.Context, tx *sql.Tx, gf *storage.GenomeField) error
		DeleteFieldTx(ctx context.Context, tx *sql.Tx, table, field string) error
		RenameFieldTx(ctx context.Context, tx *sql.Tx, table, oldField, newField string) error
		ProfileCount(ctx context.Context, table, field string) (int64, error)
	}

	// Auditor appends mutation log entries.
	Auditor interface {
		AppendTx(ctx context.Context, tx *sql.Tx, entry *storage.MutationLogEntry) error
	}

	// Gatekeeper guards evolution behind the schema_evolution switch.
	Gatekeeper interface {
		Check(feature switches.Feature) error
	}

	// Publisher receives a schema change event after each applied change.
	Publisher interface {
		Publish(event events.SchemaChange)
	}

	// ChangeRequest describes one column change.
	ChangeRequest struct {
		Tenant     string     `json:"tenant"`
		Table      string     `json:"table"`
		Field      string     `json:"field"`
		Kind       ChangeKind `json:"kind"`
		ColumnType string     `json:"column_type,omitempty"` // target type for ADD and ALTER
		NewName    string     `json:"new_name,omitempty"`    // target name for RENAME

		// Force lets a DROP proceed despite dependent indexes by dropping
		// them first. It never overrides foreign key errors.
		Force bool `json:"force,omitempty"`
	}

	// Impact is what a change would touch, measured before executing it.
	Impact struct {
		QueryCount   int64                    `json:"query_count"`
		TenantCount  int64                    `json:"tenant_count"`
		AvgMs        float64                  `json:"avg_ms"`
		P95Ms        float64                  `json:"p95_ms"`
		Indexes      []storage.IndexInfo      `json:"indexes"`
		ForeignKeys  []storage.ForeignKeyInfo `json:"foreign_keys"`
		ProfileCount int64                    `json:"profile_count"`
		Warnings     []string                 `json:"warnings"`
	}

	// Plan is a fully validated change: the DDL to run, the rollback to keep,
	// and the impact that justified (or blocks) it.
	Plan struct {
		Request     ChangeRequest `json:"request"`
		Impact      *Impact       `json:"impact"`
		DDL         string        `json:"ddl"`
		RollbackSQL string        `json:"rollback_sql"`
		Caveat      string        `json:"caveat,omitempty"`
		Errors      []string      `json:"errors"`

		// currentType is the column's type before the change, captured for
		// DROP and ALTER rollback SQL.
		currentType string
	}

	// Evolver owns all column DDL for the process.
	Evolver struct {
		conn     *storage.Connection
		catalog  Catalog
		activity Activity
		registry RegistryWriter
		audit    Auditor
		gate     Gatekeeper
		bus      Publisher
		retry    config.RetryPolicy
		logger   *slog.Logger

		cache *impactCache
		sleep func(ctx context.Context, d time.Duration) error
	}
)

// New constructs an Evolver. The bus may be nil when no cache invalidation
// fanout is needed.
func New(
	conn *storage.Connection,
	catalog Catalog,
	activity Activity,
	registry RegistryWriter,
	audit Auditor,
	gate Gatekeeper,
	bus Publisher,
	retry config.RetryPolicy,
	logger *slog.Logger,
) *Evolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Evolver{
		conn:     conn,
		catalog:  catalog,
		activity: activity,
		registry: registry,
		audit:    audit,
		gate:     gate,
		bus:      bus,
		retry:    retry,
		logger:   logger.With("component", "schema"),
		cache:    newImpactCache(impactCacheTTL),
		sleep:    sleepCtx,
	}
}

// WatchSchemaChanges invalidates cached impact analyses when DDL lands
// elsewhere in the process, such as an index build on an analyzed table. The
// goroutine exits when the channel closes.
func (e *Evolver) WatchSchemaChanges(ch <-chan events.SchemaChange) {
	go func() {
		for event := range ch {
			e.cache.invalidateTable(event.Table)
		}
	}()
}

// Preview validates the change, runs impact analysis, and generates the
// rollback plan without executing anything. The returned plan's Errors slice
// is non-empty when the change would be refused as specified.
func (e *Evolver) Preview(ctx context.Context, req ChangeRequest) (*Plan, error) {
	currentType, err := e.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	impact, err := e.analyze(ctx, req.Table, req.Field, req.Kind)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Request:     req,
		Impact:      impact,
		currentType: currentType,
	}
	plan.Errors = blockingErrors(req, impact)
	plan.DDL = buildDDL(req)
	plan.RollbackSQL, plan.Caveat = rollbackPlan(req, currentType)

	return plan, nil
}

// Apply validates, analyzes, and executes the change. Refusals surface as
// ValidationError; infrastructure failures as ErrEvolutionFailed after the
// retry budget is spent.
func (e *Evolver) Apply(ctx context.Context, req ChangeRequest) (*Plan, error) {
	if err := e.gate.Check(switches.SchemaEvolution); err != nil {
		return nil, err
	}

	plan, err := e.Preview(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(plan.Errors) > 0 {
		return plan, validationErrorf("change blocked: %s", strings.Join(plan.Errors, "; "))
	}

	if err := e.execute(ctx, plan); err != nil {
		return plan, err
	}

	e.cache.invalidate(req.Table, req.Field, req.Kind)

	if e.bus != nil {
		e.bus.Publish(events.SchemaChange{
			Table: req.Table,
			Field: req.Field,
			Kind:  string(req.Kind),
		})
	}

	e.logger.Info("schema change applied",
		"table", req.Table,
		"field", req.Field,
		"kind", req.Kind)

	return plan, nil
}

// validate checks identifiers and catalog preconditions. It returns the
// column's current type when the column exists, for rollback generation.
func (e *Evolver) validate(ctx context.Context, req ChangeRequest) (string, error) {
	if !identifierPattern.MatchString(req.Table) {
		return "", validationErrorf("unsafe table name %q", req.Table)
	}
	if !identifierPattern.MatchString(req.Field) {
		return "", validationErrorf("unsafe field name %q", req.Field)
	}

	switch req.Kind {
	case ChangeAdd, ChangeDrop, ChangeAlter, ChangeRename:
	default:
		return "", validationErrorf("unknown change kind %q", req.Kind)
	}

	if req.Kind == ChangeRename && !identifierPattern.MatchString(req.NewName) {
		return "", validationErrorf("unsafe new name %q", req.NewName)
	}

	if req.Kind == ChangeAdd || req.Kind == ChangeAlter {
		if !allowedColumnTypes[req.ColumnType] {
			return "", validationErrorf("type %q is not in the allowed set", req.ColumnType)
		}
	}

	exists, err := e.catalog.TableExists(ctx, req.Table)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEvolutionFailed, err)
	}
	if !exists {
		return "", validationErrorf("table %q does not exist", req.Table)
	}

	currentType, columnExists, err := e.catalog.ColumnType(ctx, req.Table, req.Field)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEvolutionFailed, err)
	}

	if req.Kind == ChangeAdd {
		if columnExists {
			return "", validationErrorf("column %s.%s already exists", req.Table, req.Field)
		}

		return "", nil
	}

	if !columnExists {
		return "", validationErrorf("column %s.%s does not exist", req.Table, req.Field)
	}

	return currentType, nil
}

// analyze measures the change's blast radius, serving repeated previews of
// the same key from cache.
func (e *Evolver) analyze(ctx context.Context, table, field string, kind ChangeKind) (*Impact, error) {
	if cached, ok := e.cache.get(table, field, kind); ok {
		return cached, nil
	}

	usage, err := e.activity.FieldQueryActivity(ctx, table, field, activityWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: query activity: %w", ErrEvolutionFailed, err)
	}

	indexes, err := e.catalog.IndexesOnColumn(ctx, table, field)
	if err != nil {
		return nil, fmt.Errorf("%w: dependent indexes: %w", ErrEvolutionFailed, err)
	}

	fks, err := e.catalog.ForeignKeysOnColumn(ctx, table, field)
	if err != nil {
		return nil, fmt.Errorf("%w: foreign keys: %w", ErrEvolutionFailed, err)
	}

	profiles, err := e.registry.ProfileCount(ctx, table, field)
	if err != nil {
		return nil, fmt.Errorf("%w: profile count: %w", ErrEvolutionFailed, err)
	}

	impact := &Impact{
		QueryCount:   usage.Count,
		TenantCount:  usage.TenantCount,
		AvgMs:        usage.AvgMs,
		P95Ms:        usage.P95Ms,
		Indexes:      indexes,
		ForeignKeys:  fks,
		ProfileCount: profiles,
	}

	if usage.Count > highVolumePerWeek {
		impact.Warnings = append(impact.Warnings,
			fmt.Sprintf("high query volume: %d queries in the last 7 days", usage.Count))
	}

	e.cache.put(table, field, kind, impact)

	return impact, nil
}

// blockingErrors derives the refusal list from a (possibly cached) impact
// plus the request's force flag. Force waives dependent indexes on DROP but
// never foreign keys.
func blockingErrors(req ChangeRequest, impact *Impact) []string {
	if req.Kind != ChangeDrop {
		return nil
	}

	var errs []string

	if len(impact.Indexes) > 0 && !req.Force {
		names := make([]string, len(impact.Indexes))
		for i, idx := range impact.Indexes {
			names[i] = idx.Name
		}

		errs = append(errs, fmt.Sprintf("dependent indexes: %s (use force to drop them)",
			strings.Join(names, ", ")))
	}

	if len(impact.ForeignKeys) > 0 {
		names := make([]string, len(impact.ForeignKeys))
		for i, fk := range impact.ForeignKeys {
			names[i] = fk.ConstraintName
		}

		errs = append(errs, "foreign key constraints: "+strings.Join(names, ", "))
	}

	return errs
}

// execute runs the change in one transaction with the transient-retry
// envelope: DDL, dependent-index drops when forced, registry update, audit.
func (e *Evolver) execute(ctx context.Context, plan *Plan) error {
	maxAttempts := e.retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = e.conn.WithTx(ctx, func(tx *sql.Tx) error {
			return e.applyInTx(ctx, tx, plan)
		})
		if lastErr == nil {
			return nil
		}

		var vErr *ValidationError
		if errors.As(lastErr, &vErr) || !storage.IsTransientError(lastErr) {
			break
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := backoffDelay(e.retry, attempt)

		e.logger.Warn("schema change attempt failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %w", ErrEvolutionFailed, lastErr)
}

func (e *Evolver) applyInTx(ctx context.Context, tx *sql.Tx, plan *Plan) error {
	req := plan.Request

	if req.Kind == ChangeDrop && req.Force {
		for _, idx := range plan.Impact.Indexes {
			drop := fmt.Sprintf("DROP INDEX IF EXISTS %s", pq.QuoteIdentifier(idx.Name))
			if _, err := tx.ExecContext(ctx, drop); err != nil {
				return fmt.Errorf("dropping dependent index %s: %w", idx.Name, err)
			}

			entry := &storage.MutationLogEntry{
				Tenant: req.Tenant,
				Kind:   storage.KindDropIndex,
				Table:  req.Table,
				Field:  req.Field,
				Details: map[string]any{
					"index_name":   idx.Name,
					"forced_by":    string(ChangeDrop),
					"rollback_sql": idx.Definition,
				},
			}
			if err := e.audit.AppendTx(ctx, tx, entry); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, plan.DDL); err != nil {
		return err
	}

	if err := e.updateRegistry(ctx, tx, req); err != nil {
		return err
	}

	entry := &storage.MutationLogEntry{
		Tenant: req.Tenant,
		Kind:   mutationKind(req.Kind),
		Table:  req.Table,
		Field:  req.Field,
		Details: map[string]any{
			"ddl":          plan.DDL,
			"rollback_sql": plan.RollbackSQL,
			"caveat":       plan.Caveat,
		},
	}

	return e.audit.AppendTx(ctx, tx, entry)
}

func (e *Evolver) updateRegistry(ctx context.Context, tx *sql.Tx, req ChangeRequest) error {
	switch req.Kind {
	case ChangeAdd, ChangeAlter:
		return e.registry.UpsertFieldTx(ctx, tx, &storage.GenomeField{
			Table:     req.Table,
			Field:     req.Field,
			Type:      req.ColumnType,
			Indexable: true,
		})
	case ChangeDrop:
		return e.registry.DeleteFieldTx(ctx, tx, req.Table, req.Field)
	case ChangeRename:
		return e.registry.RenameFieldTx(ctx, tx, req.Table, req.Field, req.NewName)
	}

	return nil
}

func buildDDL(req ChangeRequest) string {
	table := pq.QuoteIdentifier(req.Table)
	field := pq.QuoteIdentifier(req.Field)

	switch req.Kind {
	case ChangeAdd:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, field, req.ColumnType)
	case ChangeDrop:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, field)
	case ChangeAlter:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", table, field, req.ColumnType)
	case ChangeRename:
		return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			table, field, pq.QuoteIdentifier(req.NewName))
	}

	return ""
}

func rollbackPlan(req ChangeRequest, currentType string) (stmt, caveat string) {
	table := pq.QuoteIdentifier(req.Table)
	field := pq.QuoteIdentifier(req.Field)

	switch req.Kind {
	case ChangeAdd:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, field),
			"data added after the change is lost on rollback"
	case ChangeDrop:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, field, currentType),
			"column data cannot be restored"
	case ChangeAlter:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", table, field, currentType),
			"lossy type conversions do not round-trip"
	case ChangeRename:
		return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			table, pq.QuoteIdentifier(req.NewName), field), ""
	}

	return "", ""
}

func mutationKind(kind ChangeKind) storage.MutationKind {
	switch kind {
	case ChangeAdd:
		return storage.KindAddColumn
	case ChangeDrop:
		return storage.KindDropColumn
	case ChangeAlter:
		return storage.KindAlterColumn
	case ChangeRename:
		return storage.KindRenameColumn
	}

	return storage.KindAlterTable
}

func backoffDelay(retry config.RetryPolicy, attempt int) time.Duration {
	delay := float64(retry.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= retry.BackoffMultiplier
	}

	if max := float64(retry.MaxDelay); retry.MaxDelay > 0 && delay > max {
		delay = max
	}

	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
