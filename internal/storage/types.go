package storage

import (
	"time"
)

// QueryType classifies a telemetry sample as a read or a write.
type QueryType string

// Query types.
const (
	QueryRead  QueryType = "READ"
	QueryWrite QueryType = "WRITE"
)

// Severity grades a mutation log entry.
type Severity string

// Severities, lowest to highest.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// MutationKind is the audit taxonomy for every state-changing action.
type MutationKind string

// The complete mutation-kind taxonomy. Every successful DDL, blocked query,
// rate-limit rejection, and switch change produces exactly one entry with one
// of these kinds.
const (
	KindCreateTable        MutationKind = "CREATE_TABLE"
	KindDropTable          MutationKind = "DROP_TABLE"
	KindAlterTable         MutationKind = "ALTER_TABLE"
	KindAddColumn          MutationKind = "ADD_COLUMN"
	KindDropColumn         MutationKind = "DROP_COLUMN"
	KindAlterColumn        MutationKind = "ALTER_COLUMN"
	KindRenameColumn       MutationKind = "RENAME_COLUMN"
	KindCreateIndex        MutationKind = "CREATE_INDEX"
	KindDropIndex          MutationKind = "DROP_INDEX"
	KindReindex            MutationKind = "REINDEX"
	KindEnableField        MutationKind = "ENABLE_FIELD"
	KindDisableField       MutationKind = "DISABLE_FIELD"
	KindInitializeTenant   MutationKind = "INITIALIZE_TENANT"
	KindSystemEnable       MutationKind = "SYSTEM_ENABLE"
	KindSystemDisable      MutationKind = "SYSTEM_DISABLE"
	KindSystemConfigChange MutationKind = "SYSTEM_CONFIG_CHANGE"
	KindRateLimitExceeded  MutationKind = "RATE_LIMIT_EXCEEDED"
	KindQueryBlocked       MutationKind = "QUERY_BLOCKED"
	KindSecurityViolation  MutationKind = "SECURITY_VIOLATION"
	KindAuthFailure        MutationKind = "AUTHENTICATION_FAILURE"
	KindAuthzDenied        MutationKind = "AUTHORIZATION_DENIED"
	KindCriticalError      MutationKind = "CRITICAL_ERROR"
	KindIndexCreateFailed  MutationKind = "INDEX_CREATION_FAILED"
	KindConnectionError    MutationKind = "CONNECTION_ERROR"
	KindBulkUpdate         MutationKind = "BULK_UPDATE"
	KindDataMigration      MutationKind = "DATA_MIGRATION"
)

type (
	// QuerySample is a single telemetry sample from the query execution path.
	QuerySample struct {
		Tenant     string // empty for untenanted queries
		Table      string
		Field      string // empty when the query has no single driving field
		Type       QueryType
		DurationMs float64
		CreatedAt  time.Time
	}

	// FieldUsage is the aggregate of a (table, field, query_type) tuple over the
	// telemetry window, produced by TelemetryStore.AggregateWindow.
	FieldUsage struct {
		Table       string
		Field       string
		Type        QueryType
		Count       int64
		AvgMs       float64
		P95Ms       float64
		P99Ms       float64
		TenantCount int64
	}

	// MutationLogEntry is one append-only audit record.
	MutationLogEntry struct {
		ID        string
		Tenant    string // empty for system-level entries
		Kind      MutationKind
		Table     string
		Field     string
		Details   map[string]any
		Severity  Severity
		CreatedAt time.Time
	}

	// IndexVersion is a durable record of one DDL definition of a managed index.
	IndexVersion struct {
		ID         int64
		IndexName  string
		Table      string
		Definition string // CREATE INDEX text
		CreatedBy  string
		Metadata   map[string]any
		CreatedAt  time.Time
	}

	// GenomeField is one row of the schema registry.
	GenomeField struct {
		Table          string
		Field          string
		Type           string
		Required       bool
		Indexable      bool
		DefaultEnabled bool
		FeatureGroup   string
	}

	// ExpressionProfile is the per-tenant activation of a field.
	ExpressionProfile struct {
		Tenant  string
		Table   string
		Field   string
		Enabled bool
	}

	// ABExperiment is the bookkeeping for one A/B test.
	ABExperiment struct {
		Name         string
		VariantA     string
		VariantB     string
		TrafficSplit float64 // fraction of traffic routed to variant A
		CreatedAt    time.Time
	}

	// ABResult is a single observation for an experiment variant.
	ABResult struct {
		Experiment string
		Variant    string // "A" or "B"
		DurationMs float64
		CreatedAt  time.Time
	}
)

// IsTerminalFailure reports whether a kind records an unrecoverable failure.
func (k MutationKind) IsTerminalFailure() bool {
	switch k {
	case KindCriticalError, KindIndexCreateFailed, KindConnectionError:
		return true
	default:
		return false
	}
}
