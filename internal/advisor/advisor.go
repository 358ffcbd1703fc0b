// Package advisor runs the autonomous index loop: aggregate telemetry into
// candidates, score them through the ensemble, filter through the constraint
// optimizer and safety gate, and hand survivors to the executor.
//
// Each tick is sequential and cooperative: the loop checks for shutdown
// between candidates so a long tick never delays process exit. A companion
// maintenance loop verifies that managed indexes still exist in the catalog.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/executor"
	"github.com/indexpilot-io/indexpilot/internal/optimizer"
	"github.com/indexpilot-io/indexpilot/internal/safety"
	"github.com/indexpilot-io/indexpilot/internal/scoring"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

const (
	// writeOverheadPerIndexPct is the rough write penalty each index adds,
	// in percent of base write cost.
	writeOverheadPerIndexPct = 3.0

	// bytesPerIndexEntry approximates btree entry overhead (tuple pointer
	// plus key) for size projection.
	bytesPerIndexEntry = 40

	// limitKeyIndexCreation is the shared rate-limit bucket for all builds.
	limitKeyIndexCreation = "index_creation"
)

// Candidate outcomes, in the order the pipeline can produce them.
const (
	OutcomeNotRecommended = "not_recommended"
	OutcomeRejected       = "rejected"
	OutcomeRefused        = "refused"
	OutcomeDeferred       = "deferred"
	OutcomeFailed         = "failed"
	OutcomeCreated        = "created"
)

type (
	// StatsCatalog is the catalog surface the advisor reads per candidate.
	// *storage.CatalogReader satisfies it.
	StatsCatalog interface {
		IndexLister
		TableRowCount(ctx context.Context, table string) (int64, error)
		DistinctCount(ctx context.Context, table, column string) (int64, error)
		IndexCount(ctx context.Context, table string) (int, error)
		TotalIndexSizeBytes(ctx context.Context) (int64, error)
		ListIndexes(ctx context.Context, table string) ([]storage.IndexInfo, error)
		Explain(ctx context.Context, query string) (*storage.PlanNode, float64, error)
		ExplainAnalyze(ctx context.Context, query string) (*storage.PlanNode, float64, error)
	}

	// Evaluator scores one candidate. *scoring.Ensemble satisfies it.
	Evaluator interface {
		Evaluate(ctx context.Context, cand *scoring.Candidate, sc *scoring.Context) (*scoring.Recommendation, error)
	}

	// Admitter is the safety gate. *safety.Gate satisfies it.
	Admitter interface {
		Admit(ctx context.Context, req safety.Request) (*safety.Decision, error)
	}

	// IndexBuilder executes the DDL. *executor.Executor satisfies it.
	IndexBuilder interface {
		CreateIndex(ctx context.Context, req executor.Request) (*executor.Report, error)
	}

	// VersionReader exposes managed-index history for integrity checks.
	VersionReader interface {
		ManagedIndexes(ctx context.Context) ([]string, error)
		Latest(ctx context.Context, indexName string) (*storage.IndexVersion, error)
	}

	// TenantCounter reports how many tenants share the installation.
	TenantCounter interface {
		TenantCount(ctx context.Context) (int, error)
	}

	// Gatekeeper checks runtime switches.
	Gatekeeper interface {
		Check(feature switches.Feature) error
	}

	// Outcome records what happened to one candidate during a tick.
	Outcome struct {
		Table   string  `json:"table"`
		Field   string  `json:"field"`
		Action  string  `json:"action"`
		Reason  string  `json:"reason,omitempty"`
		Overall float64 `json:"overall,omitempty"`
	}

	// TickReport summarizes one advisor tick.
	TickReport struct {
		Candidates int       `json:"candidates"`
		Created    int       `json:"created"`
		Deferred   int       `json:"deferred"`
		Refused    int       `json:"refused"`
		Outcomes   []Outcome `json:"outcomes"`
		StartedAt  time.Time `json:"started_at"`
		Elapsed    string    `json:"elapsed"`
	}

	// Advisor owns the index recommendation loop.
	Advisor struct {
		generator *Generator
		ensemble  Evaluator
		optimizer *optimizer.Optimizer
		gate      Admitter
		exec      IndexBuilder
		telemetry TelemetryReader
		catalog   StatsCatalog
		versions  VersionReader
		tenants   TenantCounter
		switches  Gatekeeper
		policy    config.AutoIndexerPolicy
		logger    *slog.Logger

		stop      chan struct{}
		wg        sync.WaitGroup
		closeOnce sync.Once

		mu       sync.Mutex
		lastTick *TickReport
	}
)

// New assembles the advisor. versions and tenants may be nil, which disables
// the integrity check and tenant-aware storage attribution respectively.
func New(
	generator *Generator,
	ensemble Evaluator,
	opt *optimizer.Optimizer,
	gate Admitter,
	exec IndexBuilder,
	telemetry TelemetryReader,
	catalog StatsCatalog,
	versions VersionReader,
	tenants TenantCounter,
	sw Gatekeeper,
	policy config.AutoIndexerPolicy,
	logger *slog.Logger,
) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Advisor{
		generator: generator,
		ensemble:  ensemble,
		optimizer: opt,
		gate:      gate,
		exec:      exec,
		telemetry: telemetry,
		catalog:   catalog,
		versions:  versions,
		tenants:   tenants,
		switches:  sw,
		policy:    policy,
		logger:    logger.With("component", "advisor"),
		stop:      make(chan struct{}),
	}
}

// Run starts the advisor tick loop and the maintenance loop. Both exit on
// Close.
func (a *Advisor) Run(ctx context.Context) {
	interval := a.policy.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}

	a.wg.Add(2)

	go a.loop(ctx, interval, func() {
		if _, err := a.Tick(ctx); err != nil {
			a.logger.Error("advisor tick failed", "error", err)
		}
	})

	go a.loop(ctx, interval, func() {
		if err := a.maintain(ctx); err != nil {
			a.logger.Error("maintenance pass failed", "error", err)
		}
	})
}

func (a *Advisor) loop(ctx context.Context, interval time.Duration, pass func()) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}

// Close stops both loops and waits for any in-flight pass to finish.
func (a *Advisor) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
	})

	a.wg.Wait()
}

// LastTick returns the most recent tick report, or nil before the first tick.
func (a *Advisor) LastTick() *TickReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastTick
}

// Tick runs one full advisor pass. It is safe to call concurrently with the
// background loop; the executor's keyed lock serializes any overlap.
func (a *Advisor) Tick(ctx context.Context) (*TickReport, error) {
	if err := a.switches.Check(switches.AutoIndexing); err != nil {
		return nil, err
	}

	start := time.Now()

	candidates, err := a.generator.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("candidate generation: %w", err)
	}

	report := &TickReport{
		Candidates: len(candidates),
		StartedAt:  start.UTC(),
	}

	for i := range candidates {
		select {
		case <-a.stop:
			a.logger.Info("tick interrupted by shutdown", "processed", i)
			report.Elapsed = time.Since(start).String()
			a.record(report)

			return report, nil
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		outcome := a.process(ctx, &candidates[i])
		report.Outcomes = append(report.Outcomes, outcome)

		switch outcome.Action {
		case OutcomeCreated:
			report.Created++
		case OutcomeDeferred:
			report.Deferred++
		case OutcomeRefused:
			report.Refused++
		}
	}

	report.Elapsed = time.Since(start).String()
	a.record(report)

	a.logger.Info("advisor tick complete",
		"candidates", report.Candidates,
		"created", report.Created,
		"deferred", report.Deferred,
		"elapsed", report.Elapsed)

	return report, nil
}

func (a *Advisor) record(report *TickReport) {
	a.mu.Lock()
	a.lastTick = report
	a.mu.Unlock()
}

// process walks one candidate through scoring, constraints, the gate, and
// the executor. Every early exit maps to an outcome; infrastructure errors
// degrade to a failed outcome instead of aborting the tick.
func (a *Advisor) process(ctx context.Context, cand *scoring.Candidate) Outcome {
	outcome := Outcome{Table: cand.Table, Field: cand.FieldKey()}

	sc, facts, err := a.gather(ctx, cand)
	if err != nil {
		outcome.Action = OutcomeFailed
		outcome.Reason = err.Error()

		a.logger.Warn("context gathering failed",
			"table", cand.Table,
			"field", outcome.Field,
			"error", err)

		return outcome
	}

	rec, err := a.ensemble.Evaluate(ctx, cand, sc)
	if err != nil {
		outcome.Action = OutcomeFailed
		outcome.Reason = err.Error()

		return outcome
	}

	if !rec.Recommend {
		outcome.Action = OutcomeNotRecommended
		outcome.Reason = rec.Reason

		return outcome
	}

	facts.ImprovementPct = rec.Heuristic.Factors["improvement_pct"]

	evaluation := a.optimizer.Evaluate(*facts)
	outcome.Overall = evaluation.Overall

	if !evaluation.Selected {
		outcome.Action = OutcomeRejected
		outcome.Reason = constraintReason(evaluation)

		return outcome
	}

	decision, err := a.gate.Admit(ctx, safety.Request{
		Table:     cand.Table,
		Field:     outcome.Field,
		EstSizeMB: facts.EstSizeMB,
		LimitKey:  limitKeyIndexCreation,
	})
	if err != nil {
		outcome.Action = OutcomeFailed
		outcome.Reason = err.Error()

		return outcome
	}

	if !decision.Allowed {
		outcome.Action = OutcomeRefused
		outcome.Reason = decision.Reason

		return outcome
	}

	result, err := a.exec.CreateIndex(ctx, executor.Request{
		Table:     cand.Table,
		Fields:    cand.Fields,
		IndexType: string(cand.IndexType),
		Details: map[string]any{
			"improvement_pct":  facts.ImprovementPct,
			"est_size_mb":      facts.EstSizeMB,
			"queries_analyzed": cand.Stats.Count,
			"combined_score":   rec.Combined,
			"overall_score":    evaluation.Overall,
		},
		UsageIDs: rec.UsageIDs,
	})

	switch {
	case errors.Is(err, executor.ErrDDLInFlight):
		outcome.Action = OutcomeDeferred
		outcome.Reason = "ddl_in_flight"
	case err != nil:
		outcome.Action = OutcomeFailed
		outcome.Reason = err.Error()
	default:
		outcome.Action = OutcomeCreated
		outcome.Reason = result.IndexName
	}

	return outcome
}

// gather collects the scoring context and optimizer facts for one candidate.
func (a *Advisor) gather(ctx context.Context, cand *scoring.Candidate) (*scoring.Context, *optimizer.Facts, error) {
	rows, err := a.catalog.TableRowCount(ctx, cand.Table)
	if err != nil {
		return nil, nil, err
	}

	distinct, err := a.catalog.DistinctCount(ctx, cand.Table, cand.Fields[0])
	if err != nil {
		return nil, nil, err
	}

	indexCount, err := a.catalog.IndexCount(ctx, cand.Table)
	if err != nil {
		return nil, nil, err
	}

	window := time.Duration(a.policy.WindowHours) * time.Hour

	readRatio, err := a.telemetry.ReadWriteRatio(ctx, cand.Table, window)
	if err != nil {
		return nil, nil, err
	}

	totalIndexBytes, err := a.catalog.TotalIndexSizeBytes(ctx)
	if err != nil {
		return nil, nil, err
	}

	selectivity := 0.0
	if rows > 0 {
		selectivity = float64(distinct) / float64(rows)
	}

	overheadPct := float64(indexCount+1) * writeOverheadPerIndexPct

	sc := &scoring.Context{
		TableRows:      rows,
		DistinctValues: distinct,
		Selectivity:    selectivity,
		ReadWriteRatio: readRatio,
		IndexCount:     indexCount,
		WriteOverhead:  overheadPct,
		HorizonQueries: cand.Stats.Count,
	}

	if a.policy.UseRealQueryPlans {
		plan, _, err := a.catalog.Explain(ctx, sampleQuery(cand))
		if err != nil {
			// Plan-aware scorers abstain without a plan; not fatal.
			a.logger.Warn("sample plan unavailable",
				"table", cand.Table,
				"error", err)
		} else {
			sc.Plan = plan
		}

		sc.AltPlanCosts = a.samplePlanCosts(ctx, cand)
	}

	totalUsedMB := float64(totalIndexBytes) / (1024 * 1024)

	tenantUsedMB := totalUsedMB
	tenantIndexes := indexCount

	if a.tenants != nil {
		if n, err := a.tenants.TenantCount(ctx); err == nil && n > 1 {
			tenantUsedMB = totalUsedMB / float64(n)
		}
	}

	facts := &optimizer.Facts{
		EstSizeMB:        estimateIndexSizeMB(rows, len(cand.Fields)),
		EstQueryTimeMs:   cand.Stats.P95Ms,
		WriteOverheadPct: overheadPct / 100,
		ReadRatio:        readRatio,
		TableIndexCount:  indexCount,
		TenantIndexCount: tenantIndexes,
		TotalUsedMB:      totalUsedMB,
		TenantUsedMB:     tenantUsedMB,
	}

	return sc, facts, nil
}

// maintain verifies every managed index still exists in the catalog. Drift
// means someone dropped an index out-of-band; the advisor will naturally
// re-propose it if the workload still justifies it.
func (a *Advisor) maintain(ctx context.Context) error {
	if a.versions == nil {
		return nil
	}

	names, err := a.versions.ManagedIndexes(ctx)
	if err != nil {
		return err
	}

	missing := 0

	for _, name := range names {
		latest, err := a.versions.Latest(ctx, name)
		if err != nil {
			continue
		}

		indexes, err := a.catalog.ListIndexes(ctx, latest.Table)
		if err != nil {
			return err
		}

		found := false
		for _, idx := range indexes {
			if idx.Name == name {
				found = true

				break
			}
		}

		if !found {
			missing++

			a.logger.Warn("managed index missing from catalog",
				"index", name,
				"table", latest.Table)
		}
	}

	if missing == 0 {
		a.logger.Debug("integrity check clean", "managed", len(names))
	}

	return nil
}

// sampleQuery builds a representative lookup for plan analysis. Identifiers
// are quoted; the predicate shape matches what an equality index would serve.
func sampleQuery(cand *scoring.Candidate) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s IS NOT NULL",
		pq.QuoteIdentifier(cand.Table),
		pq.QuoteIdentifier(cand.Fields[0]))
}

// sampleVariants builds lookup shapes the planner may serve with different
// access paths. The spread of their measured costs is the plan-diversity
// signal the plan-guidance scorer consumes.
func sampleVariants(cand *scoring.Candidate) []string {
	table := pq.QuoteIdentifier(cand.Table)
	field := pq.QuoteIdentifier(cand.Fields[0])

	return []string{
		fmt.Sprintf("SELECT * FROM %s WHERE %s IS NOT NULL", table, field),
		fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT 100", table, field),
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL", table, field),
	}
}

// samplePlanCosts measures up to SampleQueryRuns lookup shapes against the
// live catalog. Failed runs shrink the sample instead of failing the tick.
func (a *Advisor) samplePlanCosts(ctx context.Context, cand *scoring.Candidate) []float64 {
	runs := a.policy.SampleQueryRuns
	if runs <= 0 {
		return nil
	}

	variants := sampleVariants(cand)
	if runs < len(variants) {
		variants = variants[:runs]
	}

	costs := make([]float64, 0, len(variants))

	for _, query := range variants {
		_, cost, err := a.catalog.ExplainAnalyze(ctx, query)
		if err != nil {
			a.logger.Debug("sample plan run failed",
				"table", cand.Table,
				"error", err)

			continue
		}

		costs = append(costs, cost)
	}

	return costs
}

func estimateIndexSizeMB(rows int64, fieldCount int) float64 {
	perEntry := bytesPerIndexEntry * fieldCount
	if perEntry == 0 {
		perEntry = bytesPerIndexEntry
	}

	return float64(rows) * float64(perEntry) / (1024 * 1024)
}

func constraintReason(ev optimizer.Evaluation) string {
	for _, c := range ev.Constraints {
		if !c.Satisfied {
			return c.Reason
		}
	}

	return fmt.Sprintf("overall_score_below_threshold(%.2f)", ev.Overall)
}
