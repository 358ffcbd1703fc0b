// Package interceptor provides pre-execution query screening: queries are
// normalized, their EXPLAIN plans analyzed (and cached), and queries whose
// plans exceed configured cost thresholds are blocked before they run.
package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/events"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// Block reasons, recorded in the audit log and in BlockedError.
const (
	ReasonBlacklisted   = "QUERY_BLACKLISTED"
	ReasonRateLimited   = "RATE_LIMIT_EXCEEDED"
	ReasonCostTooHigh   = "QUERY_COST_TOO_HIGH"
	ReasonSeqScanCostly = "SEQUENTIAL_SCAN_TOO_EXPENSIVE"
)

// Verdict classifies a query that was allowed through.
type Verdict string

// Verdicts, from least to most concerning.
const (
	VerdictSafe    Verdict = "safe"
	VerdictWarning Verdict = "warning"
	VerdictUnsafe  Verdict = "unsafe"
)

type (
	// Planner produces an EXPLAIN plan tree for a query without running it.
	// *storage.CatalogReader satisfies it.
	Planner interface {
		Explain(ctx context.Context, query string) (*storage.PlanNode, float64, error)
	}

	// Auditor records blocked queries and rate-limit rejections.
	// *storage.MutationLog satisfies it.
	Auditor interface {
		Append(ctx context.Context, entry *storage.MutationLogEntry) error
	}

	// RateGate admits or rejects a request under a per-key rate limit,
	// returning how long to wait when rejected.
	RateGate interface {
		Allow(key string, cost int) (bool, time.Duration)
	}

	// Gatekeeper checks runtime switches. *switches.Switches satisfies it.
	Gatekeeper interface {
		Check(feature switches.Feature) error
	}

	// Decision is the outcome for a query that was not blocked.
	Decision struct {
		Verdict     Verdict
		SafetyScore float64
		Analysis    *PlanAnalysis // nil when analysis was skipped
		CacheHit    bool
		Bypassed    bool // interceptor switch off or query whitelisted
	}

	// BlockedError reports that a query was refused before execution.
	BlockedError struct {
		Reason     string
		Query      string // normalized signature, not raw text
		Tenant     string
		TotalCost  float64
		Threshold  float64
		RetryAfter time.Duration // nonzero only for rate-limit blocks
	}

	// Interceptor screens queries before execution. It is safe for
	// concurrent use.
	Interceptor struct {
		policy  config.InterceptorPolicy
		planner Planner
		cache   *PlanCache
		audit   Auditor
		gate    Gatekeeper
		limiter RateGate
		logger  *slog.Logger
		metrics Metrics

		whitelist []string
		blacklist []string

		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}
)

// Error implements the error interface.
func (e *BlockedError) Error() string {
	if e.Reason == ReasonRateLimited {
		return fmt.Sprintf("query blocked: reason=%s tenant=%s retry_after=%s",
			e.Reason, e.Tenant, e.RetryAfter)
	}

	return fmt.Sprintf("query blocked: reason=%s cost=%.1f threshold=%.1f",
		e.Reason, e.TotalCost, e.Threshold)
}

// NewInterceptor creates an interceptor. planner and gate are required;
// audit and limiter may be nil, which disables auditing and rate limiting.
func NewInterceptor(
	policy config.InterceptorPolicy,
	planner Planner,
	gate Gatekeeper,
	audit Auditor,
	limiter RateGate,
	logger *slog.Logger,
) (*Interceptor, error) {
	if planner == nil {
		return nil, fmt.Errorf("interceptor: planner is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("interceptor: gatekeeper is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	i := &Interceptor{
		policy:    policy,
		planner:   planner,
		cache:     NewPlanCache(policy.PlanCacheMaxSize, policy.PlanCacheTTL),
		audit:     audit,
		gate:      gate,
		limiter:   limiter,
		logger:    logger,
		whitelist: lowerAll(policy.Whitelist),
		blacklist: lowerAll(policy.Blacklist),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	close(i.done) // no watcher running yet

	return i, nil
}

// WatchSchemaChanges consumes schema-change events and invalidates cached
// plans for affected tables. It starts a goroutine that runs until Close is
// called or the channel is closed.
func (i *Interceptor) WatchSchemaChanges(ch <-chan events.SchemaChange) {
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)

		for {
			select {
			case <-i.stop:
				return
			case change, ok := <-ch:
				if !ok {
					return
				}

				removed := i.cache.InvalidateTable(change.Table)
				if removed > 0 {
					i.logger.Debug("invalidated cached plans after schema change",
						"table", change.Table,
						"kind", change.Kind,
						"removed", removed)
				}
			}
		}
	}()
}

// Close stops the schema-change watcher. The interceptor itself remains
// usable; Close only detaches it from the event bus.
func (i *Interceptor) Close() {
	i.closeOnce.Do(func() {
		close(i.stop)
		<-i.done
	})
}

// Intercept screens one query before execution.
//
// The pipeline, in order: switch check, blacklist, whitelist, rate limit,
// trivial-query fast path, plan analysis (cached), cost block rules, safety
// scoring. The blacklist wins over the whitelist: a query matching both is
// blocked. Blocked queries return *BlockedError; everything else returns a
// Decision whose Verdict the caller may act on.
//
// Plan analysis failures fail open: the query passes with a warning verdict
// rather than being refused on the interceptor's own error.
func (i *Interceptor) Intercept(ctx context.Context, tenant, query string, params []any) (*Decision, error) {
	if err := i.gate.Check(switches.Interceptor); err != nil {
		return &Decision{Verdict: VerdictSafe, SafetyScore: 1.0, Bypassed: true}, nil
	}

	i.metrics.interceptions.Add(1)

	lowered := strings.ToLower(query)
	signature := NormalizeQuery(query, params)

	if matchesAny(lowered, i.blacklist) {
		return nil, i.block(ctx, &BlockedError{
			Reason: ReasonBlacklisted,
			Query:  signature,
			Tenant: tenant,
		})
	}

	if matchesAny(lowered, i.whitelist) {
		return &Decision{Verdict: VerdictSafe, SafetyScore: 1.0, Bypassed: true}, nil
	}

	if i.policy.EnableRateLimiting && i.limiter != nil {
		key := tenant
		if key == "" {
			key = "default"
		}

		if ok, retryAfter := i.limiter.Allow(key, 1); !ok {
			return nil, i.block(ctx, &BlockedError{
				Reason:     ReasonRateLimited,
				Query:      signature,
				Tenant:     tenant,
				RetryAfter: retryAfter,
			})
		}
	}

	if IsTrivialQuery(query) {
		return &Decision{Verdict: VerdictSafe, SafetyScore: 1.0}, nil
	}

	analysis, cacheHit, err := i.analyze(ctx, signature, query)
	if err != nil {
		i.metrics.analysisFailures.Add(1)
		i.logger.Warn("plan analysis failed, passing query through",
			"signature", signature,
			"error", err)

		return &Decision{Verdict: VerdictWarning, SafetyScore: i.policy.SafetyScoreWarning}, nil
	}

	maxQueryCost, maxSeqScanCost := i.thresholdsFor(analysis.Tables)

	if i.policy.EnableBlocking {
		if analysis.TotalCost > maxQueryCost {
			return nil, i.block(ctx, &BlockedError{
				Reason:    ReasonCostTooHigh,
				Query:     signature,
				Tenant:    tenant,
				TotalCost: analysis.TotalCost,
				Threshold: maxQueryCost,
			})
		}

		if analysis.HasSeqScan && analysis.TotalCost > maxSeqScanCost {
			return nil, i.block(ctx, &BlockedError{
				Reason:    ReasonSeqScanCostly,
				Query:     signature,
				Tenant:    tenant,
				TotalCost: analysis.TotalCost,
				Threshold: maxSeqScanCost,
			})
		}
	}

	score := i.safetyScore(analysis, maxQueryCost)

	return &Decision{
		Verdict:     i.verdictFor(score),
		SafetyScore: score,
		Analysis:    analysis,
		CacheHit:    cacheHit,
	}, nil
}

// Stats returns a point-in-time snapshot of interceptor counters.
func (i *Interceptor) Stats() Snapshot {
	hits, misses := i.cache.HitRate()
	return i.metrics.snapshot(hits, misses)
}

// analyze returns the plan analysis for a query, from cache when possible.
func (i *Interceptor) analyze(ctx context.Context, signature, query string) (*PlanAnalysis, bool, error) {
	if i.policy.EnablePlanCache {
		if cached := i.cache.Get(signature); cached != nil {
			return cached, true, nil
		}
	}

	planCtx := ctx
	if i.policy.MaxPlanningTimeMillis > 0 {
		var cancel context.CancelFunc
		planCtx, cancel = context.WithTimeout(ctx,
			time.Duration(i.policy.MaxPlanningTimeMillis)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	root, planningTime, err := i.planner.Explain(planCtx, query)
	if err != nil {
		return nil, false, err
	}
	i.metrics.recordAnalysis(time.Since(start))

	analysis := summarizePlan(root, planningTime)

	if i.policy.EnablePlanCache {
		i.cache.Put(signature, analysis)
	}

	return analysis, false, nil
}

// thresholdsFor resolves the cost thresholds for a query touching the given
// tables. When several per-table overrides apply, the strictest one wins.
func (i *Interceptor) thresholdsFor(tables []string) (maxQueryCost, maxSeqScanCost float64) {
	maxQueryCost = i.policy.MaxQueryCost
	maxSeqScanCost = i.policy.MaxSeqScanCost

	for _, table := range tables {
		override, ok := i.policy.TableThresholds[table]
		if !ok {
			continue
		}

		if override.MaxQueryCost > 0 && override.MaxQueryCost < maxQueryCost {
			maxQueryCost = override.MaxQueryCost
		}
		if override.MaxSeqScanCost > 0 && override.MaxSeqScanCost < maxSeqScanCost {
			maxSeqScanCost = override.MaxSeqScanCost
		}
	}

	return maxQueryCost, maxSeqScanCost
}

// safetyScore reduces a plan analysis to a single score in [0, 1].
// Each risky trait multiplies the score down; a clean indexed plan stays at 1.
func (i *Interceptor) safetyScore(analysis *PlanAnalysis, maxQueryCost float64) float64 {
	score := 1.0

	if maxQueryCost > 0 && analysis.TotalCost > maxQueryCost/2 {
		score *= 0.6
	}
	if analysis.HasSeqScan {
		score *= 0.7
	}
	if analysis.HasNestedLoop && analysis.EstimatedRows > 1000 {
		score *= 0.8
	}
	if !analysis.HasIndexScan && !analysis.HasSeqScan {
		// plan touches no relations, e.g. SELECT 1
		score = 1.0
	}

	return score
}

func (i *Interceptor) verdictFor(score float64) Verdict {
	switch {
	case score >= i.policy.SafetyScoreWarning:
		return VerdictSafe
	case score >= i.policy.SafetyScoreUnsafe:
		return VerdictWarning
	default:
		return VerdictUnsafe
	}
}

// block records the block in metrics and the audit log, then returns the
// error for the caller to propagate. Audit failures are logged, not fatal:
// a broken audit path must not let blocked queries through unrecorded AND
// unblocked.
func (i *Interceptor) block(ctx context.Context, blockErr *BlockedError) error {
	i.metrics.recordBlock(blockErr.Reason)

	i.logger.Info("query blocked",
		"reason", blockErr.Reason,
		"tenant", blockErr.Tenant,
		"signature", blockErr.Query,
		"total_cost", blockErr.TotalCost)

	if i.audit != nil {
		kind := storage.KindQueryBlocked
		if blockErr.Reason == ReasonRateLimited {
			kind = storage.KindRateLimitExceeded
		}

		entry := &storage.MutationLogEntry{
			Tenant:   blockErr.Tenant,
			Kind:     kind,
			Severity: storage.SeverityWarning,
			Details: map[string]any{
				"reason":      blockErr.Reason,
				"signature":   blockErr.Query,
				"total_cost":  blockErr.TotalCost,
				"threshold":   blockErr.Threshold,
				"retry_after": blockErr.RetryAfter.String(),
			},
		}

		// Attribute the block to the tables the query touches so audit
		// queries can group blocks per table.
		if tables := ExtractTables(blockErr.Query); len(tables) > 0 {
			entry.Table = tables[0]
			entry.Details["tables"] = strings.Join(tables, ",")
		}

		if err := i.audit.Append(ctx, entry); err != nil {
			i.logger.Error("failed to audit blocked query",
				"reason", blockErr.Reason,
				"error", err)
		}
	}

	return blockErr
}

// summarizePlan walks an EXPLAIN tree and extracts the flags and tables the
// block rules and safety scoring need.
func summarizePlan(root *storage.PlanNode, planningTime float64) *PlanAnalysis {
	analysis := &PlanAnalysis{
		TotalCost:     root.TotalCost,
		NodeType:      root.NodeType,
		EstimatedRows: root.PlanRows,
	}

	seen := make(map[string]bool)
	walkPlan(root, analysis, seen)

	if analysis.HasSeqScan {
		analysis.Recommendations = append(analysis.Recommendations,
			"sequential scan detected; consider adding an index on the filtered columns")
	}
	if analysis.HasNestedLoop && analysis.EstimatedRows > 1000 {
		analysis.Recommendations = append(analysis.Recommendations,
			"nested loop over a large row estimate; verify join columns are indexed")
	}
	if planningTime > 100 {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("planning took %.1fms; the query may be too complex", planningTime))
	}

	return analysis
}

func walkPlan(node *storage.PlanNode, analysis *PlanAnalysis, seen map[string]bool) {
	switch node.NodeType {
	case "Seq Scan":
		analysis.HasSeqScan = true
	case "Index Scan", "Index Only Scan", "Bitmap Index Scan":
		analysis.HasIndexScan = true
	case "Nested Loop":
		analysis.HasNestedLoop = true
	}

	if node.RelationName != "" && !seen[node.RelationName] {
		seen[node.RelationName] = true
		analysis.Tables = append(analysis.Tables, node.RelationName)
	}

	for idx := range node.Plans {
		walkPlan(&node.Plans[idx], analysis, seen)
	}
}

func lowerAll(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}

	return out
}

func matchesAny(lowered string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(lowered, p) {
			return true
		}
	}

	return false
}
