// Package executor performs the DDL side of index management: building,
// dropping, and rolling back indexes with retry, concurrency control, and a
// complete audit trail.
//
// Index builds always use CREATE INDEX CONCURRENTLY so production traffic is
// never blocked behind a table lock. Because CONCURRENTLY cannot run inside a
// transaction, the DDL executes on the pool directly; the bookkeeping that
// follows a successful build (version history, audit entry, algorithm usage
// marking) commits atomically in its own transaction.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/events"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// createdBy tags every index version row written by this process.
const createdBy = "indexpilot"

// Sentinel errors for executor failures.
var (
	// ErrDDLInFlight means another goroutine is already building or dropping
	// an index with the same (table, fields, type) identity. The caller
	// should defer the candidate to a later tick rather than wait.
	ErrDDLInFlight = errors.New("ddl already in flight for this index")

	// ErrInvalidIdentifier means a table, field, or index name failed
	// validation before any SQL was built.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	// ErrIndexCreationFailed wraps the final attempt error once retries are
	// exhausted or the error is not retryable.
	ErrIndexCreationFailed = errors.New("index creation failed")

	// ErrIndexDropFailed wraps DROP INDEX failures.
	ErrIndexDropFailed = errors.New("index drop failed")

	// ErrNothingToRollBack means the version history has no earlier
	// definition to restore.
	ErrNothingToRollBack = errors.New("no previous index version to roll back to")
)

// identifierPattern is deliberately strict: lowercase snake_case only, no
// quoted exotic identifiers. Everything the advisor generates fits this, and
// anything that does not is refused before SQL assembly.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type (
	// Gatekeeper guards DDL behind the auto_indexing and retry switches.
	Gatekeeper interface {
		Check(feature switches.Feature) error
	}

	// Publisher receives a schema change event after every completed DDL so
	// downstream caches (interceptor plan cache, schema impact cache) can
	// invalidate themselves.
	Publisher interface {
		Publish(event events.SchemaChange)
	}

	// Request describes one index build.
	Request struct {
		Tenant    string
		Table     string
		Fields    []string
		IndexType string // btree, hash, gin, brin
		Name      string // optional; derived from table and fields when empty

		// Details is merged into the CREATE_INDEX audit entry. The advisor
		// passes improvement_pct, queries_analyzed, and the algorithm scores
		// that justified the build.
		Details map[string]any

		// UsageIDs are algorithm_usage rows to mark as used-in-decision in
		// the same transaction as the version and audit rows.
		UsageIDs []int64
	}

	// Attempt records one try of the DDL statement.
	Attempt struct {
		Number   int           `json:"number"`
		Duration time.Duration `json:"duration"`
		Error    string        `json:"error,omitempty"`
	}

	// Report is the outcome of a CreateIndex or DropIndex call. Success and
	// Err are mutually exclusive; Deferred means the keyed lock was busy and
	// nothing was attempted.
	Report struct {
		Success   bool      `json:"success"`
		Deferred  bool      `json:"deferred"`
		IndexName string    `json:"index_name"`
		Retries   int       `json:"retries"`
		Attempts  []Attempt `json:"attempts"`
		Err       error     `json:"-"`
	}

	// Executor owns all index DDL for the process.
	Executor struct {
		conn     *storage.Connection
		versions *storage.IndexVersions
		audit    *storage.MutationLog
		usage    *storage.UsageStore
		bus      Publisher
		gate     Gatekeeper
		retry    config.RetryPolicy
		logger   *slog.Logger

		// sleep is replaced in tests to avoid real backoff delays.
		sleep func(ctx context.Context, d time.Duration) error

		mu       sync.Mutex
		inflight map[string]struct{}
	}
)

// New constructs an Executor. The bus and usage store may be nil when the
// caller does not need event fanout or algorithm usage tracking.
func New(
	conn *storage.Connection,
	versions *storage.IndexVersions,
	audit *storage.MutationLog,
	usage *storage.UsageStore,
	bus Publisher,
	gate Gatekeeper,
	retry config.RetryPolicy,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		conn:     conn,
		versions: versions,
		audit:    audit,
		usage:    usage,
		bus:      bus,
		gate:     gate,
		retry:    retry,
		logger:   logger.With("component", "executor"),
		sleep:    sleepCtx,
		inflight: make(map[string]struct{}),
	}
}

// CreateIndex builds an index concurrently with retry and full bookkeeping.
//
// The call is idempotent with respect to the index name: IF NOT EXISTS makes
// a repeat build of the same name a no-op at the database level, and the
// version history still records the definition that was requested.
//
// At most one DDL per (table, field set, index type) runs at a time
// process-wide. A second caller gets a Deferred report and ErrDDLInFlight
// immediately instead of queueing behind a potentially long build.
func (e *Executor) CreateIndex(ctx context.Context, req Request) (*Report, error) {
	if err := e.gate.Check(switches.AutoIndexing); err != nil {
		return nil, err
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = DeriveIndexName(req.Table, req.Fields)
	}
	if !identifierPattern.MatchString(name) {
		return nil, fmt.Errorf("%w: index name %q", ErrInvalidIdentifier, name)
	}

	report := &Report{IndexName: name}

	key := lockKey(req.Table, req.Fields, req.IndexType)
	if !e.tryAcquire(key) {
		report.Deferred = true

		e.logger.Info("index build deferred, ddl in flight",
			"table", req.Table,
			"index", name)

		return report, ErrDDLInFlight
	}
	defer e.release(key)

	ddl := buildCreateStatement(name, req.Table, req.Fields, req.IndexType)

	start := time.Now()

	attempts, err := e.execWithRetry(ctx, ddl)
	report.Attempts = attempts
	report.Retries = len(attempts) - 1

	if err != nil {
		report.Err = fmt.Errorf("%w: %w", ErrIndexCreationFailed, err)

		e.auditFailure(ctx, req, name, err, len(attempts))

		return report, report.Err
	}

	if err := e.recordCreate(ctx, req, name, ddl); err != nil {
		// The index exists but bookkeeping failed. Surface the error so the
		// advisor retries the bookkeeping next tick; IF NOT EXISTS makes the
		// repeat DDL harmless.
		report.Err = err

		return report, err
	}

	report.Success = true

	e.publish(req.Table, req.Fields, string(storage.KindCreateIndex))

	e.logger.Info("index created",
		"table", req.Table,
		"index", name,
		"attempts", len(attempts),
		"elapsed", time.Since(start))

	return report, nil
}

// DropIndex removes an index concurrently and records the drop with enough
// detail to recreate it: the audit entry carries the last known definition
// as rollback SQL.
func (e *Executor) DropIndex(ctx context.Context, tenant, table, indexName string) (*Report, error) {
	if err := e.gate.Check(switches.AutoIndexing); err != nil {
		return nil, err
	}

	if !identifierPattern.MatchString(indexName) {
		return nil, fmt.Errorf("%w: index name %q", ErrInvalidIdentifier, indexName)
	}

	report := &Report{IndexName: indexName}

	key := "drop:" + indexName
	if !e.tryAcquire(key) {
		report.Deferred = true

		return report, ErrDDLInFlight
	}
	defer e.release(key)

	// Capture the definition before dropping so the audit entry can offer a
	// way back. Missing history is not fatal; the drop still proceeds.
	rollbackSQL := ""
	if latest, err := e.versions.Latest(ctx, indexName); err == nil {
		rollbackSQL = latest.Definition
	}

	ddl := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", pq.QuoteIdentifier(indexName))

	attempts, err := e.execWithRetry(ctx, ddl)
	report.Attempts = attempts
	report.Retries = len(attempts) - 1

	if err != nil {
		report.Err = fmt.Errorf("%w: %w", ErrIndexDropFailed, err)

		return report, report.Err
	}

	entry := &storage.MutationLogEntry{
		Tenant: tenant,
		Kind:   storage.KindDropIndex,
		Table:  table,
		Details: map[string]any{
			"index_name":   indexName,
			"rollback_sql": rollbackSQL,
		},
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("failed to audit index drop",
			"index", indexName,
			"error", err)
	}

	report.Success = true

	e.publish(table, nil, string(storage.KindDropIndex))

	e.logger.Info("index dropped", "table", table, "index", indexName)

	return report, nil
}

// Rollback restores the previous recorded definition of an index: it drops
// the current index and replays the prior version's DDL. A new version row is
// appended so history stays strictly forward.
func (e *Executor) Rollback(ctx context.Context, tenant, table, indexName string) (*Report, error) {
	if err := e.gate.Check(switches.AutoIndexing); err != nil {
		return nil, err
	}

	prev, err := e.versions.Previous(ctx, indexName)
	if errors.Is(err, storage.ErrNoVersionHistory) {
		return nil, ErrNothingToRollBack
	}
	if err != nil {
		return nil, err
	}

	report := &Report{IndexName: indexName}

	key := "rollback:" + indexName
	if !e.tryAcquire(key) {
		report.Deferred = true

		return report, ErrDDLInFlight
	}
	defer e.release(key)

	drop := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", pq.QuoteIdentifier(indexName))
	if _, err := e.conn.ExecContext(ctx, drop); err != nil {
		report.Err = fmt.Errorf("%w: drop before rollback: %w", ErrIndexDropFailed, err)

		return report, report.Err
	}

	attempts, err := e.execWithRetry(ctx, prev.Definition)
	report.Attempts = attempts
	report.Retries = len(attempts) - 1

	if err != nil {
		report.Err = fmt.Errorf("%w: replay previous definition: %w", ErrIndexCreationFailed, err)

		return report, report.Err
	}

	txErr := e.conn.WithTx(ctx, func(tx *sql.Tx) error {
		version := &storage.IndexVersion{
			IndexName:  indexName,
			Table:      prev.Table,
			Definition: prev.Definition,
			CreatedBy:  createdBy,
			Metadata:   map[string]any{"rollback_of_version": prev.ID},
		}
		if err := e.versions.AppendTx(ctx, tx, version); err != nil {
			return err
		}

		entry := &storage.MutationLogEntry{
			Tenant: tenant,
			Kind:   storage.KindCreateIndex,
			Table:  table,
			Details: map[string]any{
				"index_name":          indexName,
				"rollback":            true,
				"restored_version_id": prev.ID,
			},
		}

		return e.audit.AppendTx(ctx, tx, entry)
	})
	if txErr != nil {
		report.Err = txErr

		return report, txErr
	}

	report.Success = true

	e.publish(table, nil, string(storage.KindCreateIndex))

	e.logger.Info("index rolled back",
		"index", indexName,
		"restored_version", prev.ID)

	return report, nil
}

// execWithRetry runs one DDL statement with exponential backoff. Only
// transient errors (connection loss, lock timeouts, deadlocks, resource
// shortages) are retried; anything else fails on the first attempt. When the
// retry switch is off, exactly one attempt is made.
func (e *Executor) execWithRetry(ctx context.Context, ddl string) ([]Attempt, error) {
	maxAttempts := e.retry.MaxRetries + 1
	if e.gate.Check(switches.Retry) != nil {
		maxAttempts = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := make([]Attempt, 0, maxAttempts)

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		_, err := e.conn.ExecContext(ctx, ddl)

		record := Attempt{Number: attempt + 1, Duration: time.Since(start)}
		if err != nil {
			record.Error = err.Error()
		}
		attempts = append(attempts, record)

		if err == nil {
			return attempts, nil
		}

		lastErr = err

		if !storage.IsTransientError(err) {
			return attempts, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := e.backoff(attempt)

		e.logger.Warn("ddl attempt failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}

	return attempts, lastErr
}

// backoff computes the delay before retrying after the given zero-based
// attempt: initial_delay scaled by backoff_multiplier^attempt, capped at
// max_delay.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.retry.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= e.retry.BackoffMultiplier
	}

	if max := float64(e.retry.MaxDelay); e.retry.MaxDelay > 0 && delay > max {
		delay = max
	}

	return time.Duration(delay)
}

// recordCreate commits the version row, the CREATE_INDEX audit entry, and
// the algorithm usage marks in one transaction.
func (e *Executor) recordCreate(ctx context.Context, req Request, name, ddl string) error {
	return e.conn.WithTx(ctx, func(tx *sql.Tx) error {
		version := &storage.IndexVersion{
			IndexName:  name,
			Table:      req.Table,
			Definition: ddl,
			CreatedBy:  createdBy,
			Metadata:   req.Details,
		}
		if err := e.versions.AppendTx(ctx, tx, version); err != nil {
			return err
		}

		details := map[string]any{
			"index_name":   name,
			"fields":       strings.Join(req.Fields, ","),
			"index_type":   req.IndexType,
			"rollback_sql": fmt.Sprintf("DROP INDEX IF EXISTS %s", pq.QuoteIdentifier(name)),
		}
		for k, v := range req.Details {
			details[k] = v
		}

		entry := &storage.MutationLogEntry{
			Tenant:  req.Tenant,
			Kind:    storage.KindCreateIndex,
			Table:   req.Table,
			Field:   strings.Join(req.Fields, ","),
			Details: details,
		}
		if err := e.audit.AppendTx(ctx, tx, entry); err != nil {
			return err
		}

		if e.usage != nil && len(req.UsageIDs) > 0 {
			return e.usage.MarkUsedTx(ctx, tx, req.UsageIDs)
		}

		return nil
	})
}

func (e *Executor) auditFailure(ctx context.Context, req Request, name string, cause error, attempts int) {
	entry := &storage.MutationLogEntry{
		Tenant:   req.Tenant,
		Kind:     storage.KindIndexCreateFailed,
		Table:    req.Table,
		Field:    strings.Join(req.Fields, ","),
		Severity: storage.SeverityError,
		Details: map[string]any{
			"index_name": name,
			"index_type": req.IndexType,
			"attempts":   attempts,
			"error":      cause.Error(),
			"retryable":  storage.IsTransientError(cause),
		},
	}

	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("failed to audit index creation failure",
			"index", name,
			"error", err)
	}
}

func (e *Executor) publish(table string, fields []string, kind string) {
	if e.bus == nil {
		return
	}

	if len(fields) == 0 {
		e.bus.Publish(events.SchemaChange{Table: table, Kind: kind})

		return
	}

	for _, field := range fields {
		e.bus.Publish(events.SchemaChange{Table: table, Field: field, Kind: kind})
	}
}

func (e *Executor) tryAcquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inflight[key]; busy {
		return false
	}

	e.inflight[key] = struct{}{}

	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, key)
}

// DeriveIndexName builds the conventional name for a managed index:
// idx_<table>_<field>_<field>... truncated to PostgreSQL's 63-byte limit.
func DeriveIndexName(table string, fields []string) string {
	name := "idx_" + table + "_" + strings.Join(fields, "_")
	if len(name) > 63 {
		name = name[:63]
		name = strings.TrimRight(name, "_")
	}

	return name
}

func buildCreateStatement(name, table string, fields []string, indexType string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = pq.QuoteIdentifier(f)
	}

	using := ""
	if indexType != "" && indexType != "btree" && indexType != "composite" {
		using = " USING " + indexType
	}

	return fmt.Sprintf("CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON %s%s (%s)",
		pq.QuoteIdentifier(name),
		pq.QuoteIdentifier(table),
		using,
		strings.Join(quoted, ", "))
}

func validateRequest(req Request) error {
	if !identifierPattern.MatchString(req.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, req.Table)
	}

	if len(req.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidIdentifier)
	}

	for _, f := range req.Fields {
		if !identifierPattern.MatchString(f) {
			return fmt.Errorf("%w: field %q", ErrInvalidIdentifier, f)
		}
	}

	switch req.IndexType {
	case "", "btree", "hash", "gin", "brin", "composite", "partial", "expression":
	default:
		return fmt.Errorf("%w: index type %q", ErrInvalidIdentifier, req.IndexType)
	}

	return nil
}

// lockKey canonicalizes the index identity: field order matters for the
// index itself, so the key preserves it.
func lockKey(table string, fields []string, indexType string) string {
	return table + "|" + strings.Join(fields, ",") + "|" + indexType
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
