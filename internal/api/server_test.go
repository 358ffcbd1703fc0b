package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot-io/indexpilot/internal/advisor"
	"github.com/indexpilot-io/indexpilot/internal/interceptor"
	"github.com/indexpilot-io/indexpilot/internal/schema"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

type (
	fakeHealth struct {
		err error
	}

	fakeAdvisor struct {
		report *advisor.TickReport
		err    error
		ticks  int
	}

	fakeSchema struct {
		plan *schema.Plan
		err  error
		got  schema.ChangeRequest
	}

	fakeScreen struct {
		snap     interceptor.Snapshot
		decision *interceptor.Decision
		err      error
		tenant   string
		query    string
	}

	fakeEvents struct {
		dropped int64
	}

	fakeRegistry struct {
		seeded  int64
		err     error
		tenant  string
		enabled map[string]bool // keyed table.field
		setTo   *bool
	}

	fakeExperiments struct {
		averages map[string]float64
		err      error
	}

	fakeAudit struct {
		entries []*storage.MutationLogEntry
	}

	fakeKeys struct {
		valid string
	}
)

func (f *fakeHealth) HealthCheck(context.Context) error { return f.err }

func (f *fakeAdvisor) Tick(context.Context) (*advisor.TickReport, error) {
	f.ticks++

	return f.report, f.err
}

func (f *fakeAdvisor) LastTick() *advisor.TickReport { return f.report }

func (f *fakeSchema) Preview(_ context.Context, req schema.ChangeRequest) (*schema.Plan, error) {
	f.got = req

	return f.plan, f.err
}

func (f *fakeSchema) Apply(_ context.Context, req schema.ChangeRequest) (*schema.Plan, error) {
	f.got = req

	return f.plan, f.err
}

func (f *fakeScreen) Stats() interceptor.Snapshot { return f.snap }

func (f *fakeScreen) Intercept(_ context.Context, tenant, query string, _ []any) (*interceptor.Decision, error) {
	f.tenant = tenant
	f.query = query

	return f.decision, f.err
}

func (f *fakeEvents) Dropped() int64 { return f.dropped }

func (f *fakeRegistry) InitializeTenant(_ context.Context, tenant string) (int64, error) {
	f.tenant = tenant

	return f.seeded, f.err
}

func (f *fakeRegistry) FieldEnabled(_ context.Context, _, table, field string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}

	enabled, ok := f.enabled[table+"."+field]
	if !ok {
		return false, storage.ErrFieldNotRegistered
	}

	return enabled, nil
}

func (f *fakeRegistry) SetFieldEnabled(_ context.Context, _, _, _ string, enabled bool) error {
	f.setTo = &enabled

	return f.err
}

func (f *fakeExperiments) VariantAverages(_ context.Context, _ string) (map[string]float64, error) {
	return f.averages, f.err
}

func (f *fakeAudit) Append(_ context.Context, entry *storage.MutationLogEntry) error {
	f.entries = append(f.entries, entry)

	return nil
}

func (f *fakeKeys) Validate(_ context.Context, key string) bool { return key == f.valid }

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()

	if deps.Switches == nil {
		deps.Switches = switches.New(nil)
	}

	cfg := LoadServerConfig()
	cfg.LogLevel = 100 // above slog.LevelError, silences test output

	server, err := NewServer(cfg, deps)
	require.NoError(t, err)

	return server
}

func doRequest(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestNewServerRequiresSwitches(t *testing.T) {
	_, err := NewServer(LoadServerConfig(), Dependencies{})

	require.ErrorIs(t, err, ErrNoSwitches)
}

func TestHandlePing(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodGet, "/ping", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, serviceVersion, rec.Header().Get("X-Indexpilot-Version"))
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t, Dependencies{})
	server.startTime = time.Now().Add(-90 * time.Second)

	rec := doRequest(server, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))

	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, serviceName, health.ServiceName)
	assert.Equal(t, "1m30s", health.Uptime)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthChecker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "healthy storage",
			health:     &fakeHealth{},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
		},
		{
			name:       "storage down",
			health:     &fakeHealth{err: context.DeadlineExceeded},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "storage unavailable",
		},
		{
			name:       "no health checker runs degraded",
			health:     nil,
			wantStatus: http.StatusOK,
			wantBody:   "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, Dependencies{Health: tt.health})

			rec := doRequest(server, http.MethodGet, "/ready", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleNotFound(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodGet, "/nope", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://indexpilot.io/problems/404")
}

func TestStatusEndpoint(t *testing.T) {
	registry := switches.New(nil)
	require.NoError(t, registry.SetOverride(switches.AutoIndexing, false))

	adv := &fakeAdvisor{report: &advisor.TickReport{Candidates: 3, Created: 1}}
	stats := &fakeScreen{snap: interceptor.Snapshot{Interceptions: 42, Blocks: 2}}
	events := &fakeEvents{dropped: 7}

	server := newTestServer(t, Dependencies{
		Switches:    registry,
		Advisor:     adv,
		Interceptor: stats,
		Events:      events,
	})

	rec := doRequest(server, http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, serviceName, status.Service)
	assert.False(t, status.Switches.Features["auto_indexing"])
	assert.True(t, status.Switches.Features["schema_evolution"])
	assert.Equal(t, map[string]bool{"auto_indexing": false}, status.Switches.Overrides)
	require.NotNil(t, status.Interceptor)
	assert.Equal(t, int64(42), status.Interceptor.Interceptions)
	require.NotNil(t, status.Advisor)
	assert.Equal(t, 3, status.Advisor.Candidates)
	assert.Equal(t, int64(7), status.EventsDropped)
}

func TestStatusEndpointToleratesMissingSubsystems(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Nil(t, status.Interceptor)
	assert.Nil(t, status.Advisor)
	assert.Zero(t, status.EventsDropped)
}

func TestSetSwitchOverride(t *testing.T) {
	registry := switches.New(nil)
	server := newTestServer(t, Dependencies{Switches: registry})

	rec := doRequest(server, http.MethodPost, "/api/v1/switches/auto_indexing", `{"enabled": false}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp SwitchOverrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "auto_indexing", resp.Feature)
	assert.False(t, resp.Enabled)

	assert.False(t, registry.Current().Enabled(switches.AutoIndexing))
}

func TestSetSwitchOverrideUnknownFeature(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodPost, "/api/v1/switches/warp_drive", `{"enabled": true}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "warp_drive")
}

func TestSetSwitchOverrideRequiresJSON(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/switches/auto_indexing", strings.NewReader("enabled=false"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearSwitchOverride(t *testing.T) {
	registry := switches.New(nil)
	require.NoError(t, registry.SetOverride(switches.AutoIndexing, false))

	server := newTestServer(t, Dependencies{Switches: registry})

	rec := doRequest(server, http.MethodDelete, "/api/v1/switches/auto_indexing", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp SwitchOverrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled, "default-on once the override is gone")
}

func TestSchemaPreview(t *testing.T) {
	svc := &fakeSchema{plan: &schema.Plan{
		DDL:         `ALTER TABLE "orders" ADD COLUMN "notes" text`,
		RollbackSQL: `ALTER TABLE "orders" DROP COLUMN "notes"`,
		Impact:      &schema.Impact{QueryCount: 12},
	}}
	server := newTestServer(t, Dependencies{Schema: svc})

	body := `{"tenant":"acme","table":"orders","field":"notes","kind":"ADD_COLUMN","column_type":"text"}`
	rec := doRequest(server, http.MethodPost, "/api/v1/schema/preview", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp SchemaChangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)
	assert.Equal(t, `ALTER TABLE "orders" ADD COLUMN "notes" text`, resp.Plan.DDL)

	assert.Equal(t, "acme", svc.got.Tenant)
	assert.Equal(t, schema.ChangeAdd, svc.got.Kind)
	assert.Equal(t, "text", svc.got.ColumnType)
}

func TestSchemaApplyMapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "blocked change conflicts",
			err:        &schema.ValidationError{Message: "change blocked: 1 dependent index"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "validation failure is bad request",
			err:        &schema.ValidationError{Message: "invalid table name"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "disabled switch is forbidden",
			err:        switches.Disabled(switches.SchemaEvolution, "switch off"),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unexpected failure is internal",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, Dependencies{Schema: &fakeSchema{err: tt.err}})

			body := `{"tenant":"acme","table":"orders","field":"notes","kind":"ADD_COLUMN","column_type":"text"}`
			rec := doRequest(server, http.MethodPost, "/api/v1/schema/apply", body)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSchemaEndpointsWithoutEvolver(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodPost, "/api/v1/schema/apply", `{"table":"orders"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdvisorTick(t *testing.T) {
	adv := &fakeAdvisor{report: &advisor.TickReport{Candidates: 2, Created: 1}}
	server := newTestServer(t, Dependencies{Advisor: adv})

	rec := doRequest(server, http.MethodPost, "/api/v1/advisor/tick", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, adv.ticks)

	var report advisor.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Candidates)
}

func TestAdvisorTickDisabled(t *testing.T) {
	adv := &fakeAdvisor{err: switches.Disabled(switches.AutoIndexing, "switch off")}
	server := newTestServer(t, Dependencies{Advisor: adv})

	rec := doRequest(server, http.MethodPost, "/api/v1/advisor/tick", "")

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInitializeTenant(t *testing.T) {
	registry := &fakeRegistry{seeded: 14}
	server := newTestServer(t, Dependencies{Registry: registry})

	rec := doRequest(server, http.MethodPost, "/api/v1/tenants/acme/initialize", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", registry.tenant)

	var resp TenantInitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(14), resp.FieldsSeeded)
}

func TestInterceptEndpointAllowsSafeQuery(t *testing.T) {
	screen := &fakeScreen{decision: &interceptor.Decision{
		Verdict:     interceptor.VerdictSafe,
		SafetyScore: 0.92,
	}}
	server := newTestServer(t, Dependencies{Interceptor: screen})

	body := `{"tenant":"acme","query":"SELECT * FROM orders WHERE id = $1","params":[7]}`
	rec := doRequest(server, http.MethodPost, "/api/v1/intercept", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", screen.tenant)

	var resp InterceptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, "safe", resp.Verdict)
	assert.InDelta(t, 0.92, resp.SafetyScore, 0.001)
}

func TestInterceptEndpointReportsBlock(t *testing.T) {
	screen := &fakeScreen{err: &interceptor.BlockedError{
		Reason:     interceptor.ReasonRateLimited,
		Tenant:     "acme",
		RetryAfter: 250 * time.Millisecond,
	}}
	server := newTestServer(t, Dependencies{Interceptor: screen})

	rec := doRequest(server, http.MethodPost, "/api/v1/intercept",
		`{"tenant":"acme","query":"SELECT 1"}`)

	require.Equal(t, http.StatusOK, rec.Code, "a block is a successful screening")

	var resp InterceptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, interceptor.ReasonRateLimited, resp.Reason)
	assert.Equal(t, "250ms", resp.RetryAfter)
}

func TestInterceptEndpointRequiresQuery(t *testing.T) {
	server := newTestServer(t, Dependencies{Interceptor: &fakeScreen{}})

	rec := doRequest(server, http.MethodPost, "/api/v1/intercept", `{"tenant":"acme"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInterceptEndpointWithoutInterceptor(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	rec := doRequest(server, http.MethodPost, "/api/v1/intercept", `{"query":"SELECT 1"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetFieldState(t *testing.T) {
	registry := &fakeRegistry{enabled: map[string]bool{"orders.notes": false}}
	server := newTestServer(t, Dependencies{Registry: registry})

	rec := doRequest(server, http.MethodGet, "/api/v1/tenants/acme/fields/orders/notes", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp FieldStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
	assert.False(t, resp.ChecksBypassed)
}

func TestGetFieldStateUnregisteredField(t *testing.T) {
	server := newTestServer(t, Dependencies{Registry: &fakeRegistry{}})

	rec := doRequest(server, http.MethodGet, "/api/v1/tenants/acme/fields/orders/ghost", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFieldStateBypassedWhenChecksOff(t *testing.T) {
	sw := switches.New(nil)
	require.NoError(t, sw.SetOverride(switches.ExpressionCheck, false))

	// A disabled field proves the registry is skipped: the response still
	// reads enabled.
	registry := &fakeRegistry{enabled: map[string]bool{"orders.notes": false}}
	server := newTestServer(t, Dependencies{Switches: sw, Registry: registry})

	rec := doRequest(server, http.MethodGet, "/api/v1/tenants/acme/fields/orders/notes", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp FieldStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.True(t, resp.ChecksBypassed)
}

func TestSetFieldStateAuditsChange(t *testing.T) {
	registry := &fakeRegistry{}
	audit := &fakeAudit{}
	server := newTestServer(t, Dependencies{Registry: registry, Audit: audit})

	rec := doRequest(server, http.MethodPost,
		"/api/v1/tenants/acme/fields/orders/notes", `{"enabled": false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, registry.setTo)
	assert.False(t, *registry.setTo)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindDisableField, audit.entries[0].Kind)
	assert.Equal(t, "acme", audit.entries[0].Tenant)
	assert.Equal(t, "orders", audit.entries[0].Table)
	assert.Equal(t, "notes", audit.entries[0].Field)
}

func TestSetFieldStateEnableAudited(t *testing.T) {
	audit := &fakeAudit{}
	server := newTestServer(t, Dependencies{Registry: &fakeRegistry{}, Audit: audit})

	rec := doRequest(server, http.MethodPost,
		"/api/v1/tenants/acme/fields/orders/notes", `{"enabled": true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindEnableField, audit.entries[0].Kind)
}

func TestSwitchOverrideAudited(t *testing.T) {
	audit := &fakeAudit{}
	server := newTestServer(t, Dependencies{Audit: audit})

	rec := doRequest(server, http.MethodPost, "/api/v1/switches/auto_indexing", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodDelete, "/api/v1/switches/auto_indexing", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, audit.entries, 2)
	assert.Equal(t, storage.KindSystemDisable, audit.entries[0].Kind)
	assert.Equal(t, "auto_indexing", audit.entries[0].Details["feature"])
	assert.Equal(t, storage.KindSystemConfigChange, audit.entries[1].Kind)
}

func TestSwitchOverrideEnableAudited(t *testing.T) {
	audit := &fakeAudit{}
	server := newTestServer(t, Dependencies{Audit: audit})

	rec := doRequest(server, http.MethodPost, "/api/v1/switches/auto_indexing", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindSystemEnable, audit.entries[0].Kind)
}

func TestInitializeTenantAudited(t *testing.T) {
	audit := &fakeAudit{}
	server := newTestServer(t, Dependencies{Registry: &fakeRegistry{seeded: 9}, Audit: audit})

	rec := doRequest(server, http.MethodPost, "/api/v1/tenants/acme/initialize", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindInitializeTenant, audit.entries[0].Kind)
	assert.Equal(t, "acme", audit.entries[0].Tenant)
	assert.Equal(t, int64(9), audit.entries[0].Details["fields_seeded"])
}

func TestExperimentResults(t *testing.T) {
	exps := &fakeExperiments{averages: map[string]float64{"A": 41.5, "B": 12.25}}
	server := newTestServer(t, Dependencies{Experiments: exps})

	rec := doRequest(server, http.MethodGet, "/api/v1/experiments/orders-email-idx/results", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExperimentResultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "orders-email-idx", resp.Experiment)
	assert.Equal(t, 12.25, resp.Averages["B"])
}

func TestExperimentResultsUnknownExperiment(t *testing.T) {
	server := newTestServer(t, Dependencies{Experiments: &fakeExperiments{}})

	rec := doRequest(server, http.MethodGet, "/api/v1/experiments/ghost/results", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProtectedEndpointsRequireAdminKey(t *testing.T) {
	server := newTestServer(t, Dependencies{Keys: &fakeKeys{valid: "indexpilot_ak_good"}})

	// The liveness endpoint stays open.
	rec := doRequest(server, http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Protected endpoint without a key is rejected.
	rec = doRequest(server, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// And accepted with the right key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Admin-Key", "indexpilot_ak_good")

	authed := httptest.NewRecorder()
	server.Handler().ServeHTTP(authed, req)
	require.Equal(t, http.StatusOK, authed.Code)
}
