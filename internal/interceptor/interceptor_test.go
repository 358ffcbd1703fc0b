package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

type (
	fakePlanner struct {
		root         *storage.PlanNode
		planningTime float64
		err          error
		calls        int
	}

	fakeGate struct {
		err error
	}

	fakeAuditor struct {
		entries []*storage.MutationLogEntry
	}

	fakeRateGate struct {
		allow      bool
		retryAfter time.Duration
		keys       []string
	}
)

func (p *fakePlanner) Explain(_ context.Context, _ string) (*storage.PlanNode, float64, error) {
	p.calls++
	if p.err != nil {
		return nil, 0, p.err
	}
	return p.root, p.planningTime, nil
}

func (g *fakeGate) Check(_ switches.Feature) error { return g.err }

func (a *fakeAuditor) Append(_ context.Context, entry *storage.MutationLogEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (r *fakeRateGate) Allow(key string, _ int) (bool, time.Duration) {
	r.keys = append(r.keys, key)
	return r.allow, r.retryAfter
}

func testPolicy() config.InterceptorPolicy {
	return config.InterceptorPolicy{
		MaxQueryCost:       10000,
		MaxSeqScanCost:     5000,
		EnableBlocking:     true,
		EnableRateLimiting: true,
		EnablePlanCache:    true,
		PlanCacheTTL:       5 * time.Minute,
		PlanCacheMaxSize:   100,
		SafetyScoreWarning: 0.7,
		SafetyScoreUnsafe:  0.4,
	}
}

func indexedPlan(cost float64) *storage.PlanNode {
	return &storage.PlanNode{
		NodeType:     "Index Scan",
		RelationName: "orders",
		TotalCost:    cost,
		PlanRows:     10,
	}
}

func seqScanPlan(cost float64) *storage.PlanNode {
	return &storage.PlanNode{
		NodeType:     "Seq Scan",
		RelationName: "orders",
		TotalCost:    cost,
		PlanRows:     50000,
		Filter:       "(status = 'open')",
	}
}

func newTestInterceptor(t *testing.T, policy config.InterceptorPolicy, planner Planner, audit Auditor, limiter RateGate) *Interceptor {
	t.Helper()

	i, err := NewInterceptor(policy, planner, &fakeGate{}, audit, limiter,
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(i.Close)

	return i
}

func TestInterceptRequiresPlannerAndGate(t *testing.T) {
	_, err := NewInterceptor(testPolicy(), nil, &fakeGate{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewInterceptor(testPolicy(), &fakePlanner{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestInterceptBypassWhenSwitchDisabled(t *testing.T) {
	planner := &fakePlanner{root: seqScanPlan(99999)}
	gate := &fakeGate{err: switches.Disabled(switches.Interceptor, "runtime override")}

	i, err := NewInterceptor(testPolicy(), planner, gate, nil, nil,
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer i.Close()

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open'", nil)

	require.NoError(t, err)
	assert.True(t, decision.Bypassed)
	assert.Equal(t, VerdictSafe, decision.Verdict)
	assert.Zero(t, planner.calls, "bypassed queries must not be planned")
}

func TestInterceptWhitelistSkipsAnalysis(t *testing.T) {
	policy := testPolicy()
	policy.Whitelist = []string{"pg_stat_statements"}

	planner := &fakePlanner{root: seqScanPlan(99999)}
	i := newTestInterceptor(t, policy, planner, nil, nil)

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM pg_stat_statements", nil)

	require.NoError(t, err)
	assert.True(t, decision.Bypassed)
	assert.Zero(t, planner.calls)
}

func TestInterceptBlacklistBlocksAndAudits(t *testing.T) {
	policy := testPolicy()
	policy.Blacklist = []string{"drop table"}

	audit := &fakeAuditor{}
	i := newTestInterceptor(t, policy, &fakePlanner{root: indexedPlan(10)}, audit, nil)

	_, err := i.Intercept(context.Background(), "t1", "DROP TABLE orders", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBlacklisted, blocked.Reason)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindQueryBlocked, audit.entries[0].Kind)
	assert.Equal(t, "t1", audit.entries[0].Tenant)
}

func TestInterceptBlockAttributesTables(t *testing.T) {
	policy := testPolicy()
	policy.MaxQueryCost = 100

	audit := &fakeAuditor{}
	i := newTestInterceptor(t, policy, &fakePlanner{root: indexedPlan(50000)}, audit, nil)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders JOIN customers ON orders.customer_id = customers.id", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "orders", audit.entries[0].Table)
	assert.Equal(t, "orders,customers", audit.entries[0].Details["tables"])
}

func TestInterceptBlacklistWinsOverWhitelist(t *testing.T) {
	policy := testPolicy()
	policy.Whitelist = []string{"pg_catalog"}
	policy.Blacklist = []string{"drop table"}

	audit := &fakeAuditor{}
	i := newTestInterceptor(t, policy, &fakePlanner{root: indexedPlan(10)}, audit, nil)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM pg_catalog.pg_tables; DROP TABLE users", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBlacklisted, blocked.Reason)
	require.Len(t, audit.entries, 1)
}

func TestInterceptRateLimitBlocksWithRetryAfter(t *testing.T) {
	audit := &fakeAuditor{}
	limiter := &fakeRateGate{allow: false, retryAfter: 3 * time.Second}

	i := newTestInterceptor(t, testPolicy(), &fakePlanner{root: indexedPlan(10)}, audit, limiter)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonRateLimited, blocked.Reason)
	assert.Equal(t, 3*time.Second, blocked.RetryAfter)
	assert.Equal(t, []string{"t1"}, limiter.keys)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindRateLimitExceeded, audit.entries[0].Kind)
}

func TestInterceptRateLimitUsesDefaultKeyForEmptyTenant(t *testing.T) {
	limiter := &fakeRateGate{allow: true}
	i := newTestInterceptor(t, testPolicy(), &fakePlanner{root: indexedPlan(10)}, nil, limiter)

	_, err := i.Intercept(context.Background(), "",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, limiter.keys)
}

func TestInterceptTrivialQueryFastPath(t *testing.T) {
	planner := &fakePlanner{root: seqScanPlan(99999)}
	i := newTestInterceptor(t, testPolicy(), planner, nil, nil)

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT id FROM users WHERE id = $1 LIMIT 1", []any{42})

	require.NoError(t, err)
	assert.Equal(t, VerdictSafe, decision.Verdict)
	assert.Zero(t, planner.calls, "trivial queries must not be planned")
}

func TestInterceptBlocksQueryCostTooHigh(t *testing.T) {
	audit := &fakeAuditor{}
	i := newTestInterceptor(t, testPolicy(), &fakePlanner{root: indexedPlan(50000)}, audit, nil)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders o JOIN items it ON it.order_id = o.id", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonCostTooHigh, blocked.Reason)
	assert.Equal(t, 50000.0, blocked.TotalCost)
	assert.Equal(t, 10000.0, blocked.Threshold)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, storage.KindQueryBlocked, audit.entries[0].Kind)
}

func TestInterceptBlocksExpensiveSeqScan(t *testing.T) {
	// Cost is under the query ceiling but over the seq-scan ceiling.
	i := newTestInterceptor(t, testPolicy(), &fakePlanner{root: seqScanPlan(8000)}, nil, nil)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonSeqScanCostly, blocked.Reason)
	assert.Equal(t, 5000.0, blocked.Threshold)
}

func TestInterceptCheapSeqScanPassesWithWarning(t *testing.T) {
	i := newTestInterceptor(t, testPolicy(), &fakePlanner{root: seqScanPlan(200)}, nil, nil)

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	require.NoError(t, err)
	assert.Equal(t, VerdictSafe, decision.Verdict)
	require.NotNil(t, decision.Analysis)
	assert.True(t, decision.Analysis.HasSeqScan)
	assert.NotEmpty(t, decision.Analysis.Recommendations)
}

func TestInterceptPerTableThresholdStricterWins(t *testing.T) {
	policy := testPolicy()
	policy.TableThresholds = map[string]config.TableThreshold{
		"orders": {MaxQueryCost: 1000},
	}

	i := newTestInterceptor(t, policy, &fakePlanner{root: indexedPlan(2000)}, nil, nil)

	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonCostTooHigh, blocked.Reason)
	assert.Equal(t, 1000.0, blocked.Threshold)
}

func TestInterceptBlockingDisabledDowngradesToVerdict(t *testing.T) {
	policy := testPolicy()
	policy.EnableBlocking = false

	i := newTestInterceptor(t, policy, &fakePlanner{root: seqScanPlan(50000)}, nil, nil)

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	require.NoError(t, err)
	assert.Equal(t, VerdictWarning, decision.Verdict)
	assert.InDelta(t, 0.42, decision.SafetyScore, 0.001)
}

func TestInterceptCachesPlanAnalysis(t *testing.T) {
	planner := &fakePlanner{root: seqScanPlan(200)}
	i := newTestInterceptor(t, testPolicy(), planner, nil, nil)

	query := "SELECT * FROM orders WHERE status = 'open' AND region = 'eu'"

	first, err := i.Intercept(context.Background(), "t1", query, nil)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := i.Intercept(context.Background(), "t1", query, nil)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, planner.calls)
}

func TestInterceptFailsOpenOnPlannerError(t *testing.T) {
	planner := &fakePlanner{err: errors.New("connection refused")}
	i := newTestInterceptor(t, testPolicy(), planner, nil, nil)

	decision, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)

	require.NoError(t, err)
	assert.Equal(t, VerdictWarning, decision.Verdict)
	assert.Nil(t, decision.Analysis)
	assert.Equal(t, int64(1), i.Stats().AnalysisFailures)
}

func TestInterceptStats(t *testing.T) {
	policy := testPolicy()
	policy.Blacklist = []string{"truncate"}

	i := newTestInterceptor(t, policy, &fakePlanner{root: seqScanPlan(200)}, nil, nil)

	_, _ = i.Intercept(context.Background(), "t1", "TRUNCATE orders", nil)
	_, err := i.Intercept(context.Background(), "t1",
		"SELECT * FROM orders WHERE status = 'open' AND region = 'eu'", nil)
	require.NoError(t, err)

	stats := i.Stats()
	assert.Equal(t, int64(2), stats.Interceptions)
	assert.Equal(t, int64(1), stats.Blocks)
	assert.Equal(t, int64(1), stats.BlocksByReason[ReasonBlacklisted])
	assert.Equal(t, int64(1), stats.CacheMisses)
}

func TestSummarizePlanWalksTree(t *testing.T) {
	root := &storage.PlanNode{
		NodeType:  "Nested Loop",
		TotalCost: 3000,
		PlanRows:  5000,
		Plans: []storage.PlanNode{
			{NodeType: "Seq Scan", RelationName: "orders", TotalCost: 1500},
			{NodeType: "Index Scan", RelationName: "items", TotalCost: 800},
		},
	}

	analysis := summarizePlan(root, 12.5)

	assert.True(t, analysis.HasSeqScan)
	assert.True(t, analysis.HasIndexScan)
	assert.True(t, analysis.HasNestedLoop)
	assert.ElementsMatch(t, []string{"orders", "items"}, analysis.Tables)
	assert.Equal(t, 3000.0, analysis.TotalCost)
}
