// Package api provides the HTTP admin and health server for the indexpilot service.
package api

import (
	"net/http"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/advisor"
	"github.com/indexpilot-io/indexpilot/internal/interceptor"
	"github.com/indexpilot-io/indexpilot/internal/schema"
)

const (
	serviceName    = "indexpilot"
	serviceVersion = "v0.1.0"

	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// StatusResponse is the full operational snapshot served by GET /api/v1/status.
	//
	// Interceptor and Advisor are pointers so that a deployment running without
	// those subsystems serves null instead of zeroed structs.
	StatusResponse struct {
		Service       string                `json:"service"`
		Version       string                `json:"version"`
		Uptime        string                `json:"uptime,omitempty"`
		Switches      SwitchesStatus        `json:"switches"`
		Interceptor   *interceptor.Snapshot `json:"interceptor,omitempty"`
		Advisor       *advisor.TickReport   `json:"advisor_last_tick,omitempty"`
		EventsDropped int64                 `json:"events_dropped"`
	}

	// SwitchesStatus reports the effective state of every runtime switch plus
	// the raw override map, so operators can tell a policy-disabled feature
	// from a runtime-disabled one.
	SwitchesStatus struct {
		SystemBypass bool            `json:"system_bypass"`
		Features     map[string]bool `json:"features"`
		Overrides    map[string]bool `json:"overrides"`
	}

	// SwitchOverrideRequest is the payload for POST /api/v1/switches/{feature}.
	SwitchOverrideRequest struct {
		Enabled bool `json:"enabled"`
	}

	// SwitchOverrideResponse echoes the switch state after an override change.
	SwitchOverrideResponse struct {
		Feature string `json:"feature"`
		Enabled bool   `json:"enabled"`
	}

	// SchemaChangeRequest is the payload for the schema preview and apply
	// endpoints. It maps one-to-one onto the evolver's change request.
	SchemaChangeRequest struct {
		Tenant     string `json:"tenant"`
		Table      string `json:"table"`
		Field      string `json:"field"`
		Kind       string `json:"kind"`
		ColumnType string `json:"column_type,omitempty"`
		NewName    string `json:"new_name,omitempty"`
		Force      bool   `json:"force,omitempty"`
	}

	// SchemaChangeResponse wraps an evolver plan with an applied marker so
	// preview and apply share one response shape.
	SchemaChangeResponse struct {
		Applied bool         `json:"applied"`
		Plan    *schema.Plan `json:"plan"`
	}

	// InterceptRequest is the payload for POST /api/v1/intercept: a query to
	// screen on behalf of a tenant before the caller executes it.
	InterceptRequest struct {
		Tenant string `json:"tenant"`
		Query  string `json:"query"`
		Params []any  `json:"params,omitempty"`
	}

	// InterceptResponse reports the screening outcome. Blocked responses carry
	// the block reason; allowed responses carry the verdict and safety score.
	InterceptResponse struct {
		Allowed     bool    `json:"allowed"`
		Verdict     string  `json:"verdict,omitempty"`
		SafetyScore float64 `json:"safety_score,omitempty"`
		Bypassed    bool    `json:"bypassed,omitempty"`
		CacheHit    bool    `json:"cache_hit,omitempty"`
		Reason      string  `json:"reason,omitempty"`
		RetryAfter  string  `json:"retry_after,omitempty"`
	}

	// FieldStateRequest is the payload for the field enable/disable endpoint.
	FieldStateRequest struct {
		Enabled bool `json:"enabled"`
	}

	// FieldStateResponse reports a field's effective enablement. ChecksBypassed
	// is true when the expression_checks switch is off, in which case every
	// field reads as enabled.
	FieldStateResponse struct {
		Tenant         string `json:"tenant"`
		Table          string `json:"table"`
		Field          string `json:"field"`
		Enabled        bool   `json:"enabled"`
		ChecksBypassed bool   `json:"checks_bypassed,omitempty"`
	}

	// ExperimentResultsResponse reports the mean duration per variant of one
	// A/B experiment.
	ExperimentResultsResponse struct {
		Experiment string             `json:"experiment"`
		Averages   map[string]float64 `json:"variant_averages"`
	}

	// TenantInitResponse reports how many genome fields were seeded for a tenant.
	TenantInitResponse struct {
		Tenant       string `json:"tenant"`
		FieldsSeeded int64  `json:"fields_seeded"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// toChangeRequest converts the wire payload into the evolver's request type.
func (r SchemaChangeRequest) toChangeRequest() schema.ChangeRequest {
	return schema.ChangeRequest{
		Tenant:     r.Tenant,
		Table:      r.Table,
		Field:      r.Field,
		Kind:       schema.ChangeKind(r.Kind),
		ColumnType: r.ColumnType,
		NewName:    r.NewName,
		Force:      r.Force,
	}
}
