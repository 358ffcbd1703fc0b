// Package optimizer turns scored index candidates into a feasible, ranked
// subset: each candidate is checked against storage, performance, workload,
// and tenant-cap constraints, then ranked by a weighted overall score.
package optimizer

import (
	"log/slog"
	"sort"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/scoring"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// Constraint names, used in results and audit details.
const (
	ConstraintStorage     = "storage"
	ConstraintPerformance = "performance"
	ConstraintWorkload    = "workload"
	ConstraintTenant      = "tenant"
)

// Overall-score weights. Performance dominates; the rest share evenly.
const (
	weightStorage     = 0.2
	weightPerformance = 0.4
	weightWorkload    = 0.2
	weightTenant      = 0.2
)

// defaultMaxQueryTimeMs bounds the estimated post-index query time a
// candidate may promise and still pass the performance constraint.
const defaultMaxQueryTimeMs = 1000.0

type (
	// Gatekeeper checks runtime switches.
	Gatekeeper interface {
		Check(feature switches.Feature) error
	}

	// Facts are the per-candidate measurements the constraints consume.
	// They are gathered by the advisor before evaluation so the optimizer
	// itself does no I/O.
	Facts struct {
		EstSizeMB        float64
		EstQueryTimeMs   float64
		ImprovementPct   float64
		WriteOverheadPct float64 // estimated extra write cost as a fraction of the threshold scale
		ReadRatio        float64
		TableIndexCount  int
		TenantIndexCount int
		TotalUsedMB      float64
		TenantUsedMB     float64
	}

	// ConstraintResult is one constraint's verdict.
	ConstraintResult struct {
		Name      string
		Satisfied bool
		Reason    string
		Score     float64 // [0, 1]
	}

	// Evaluation is the optimizer's verdict on one candidate.
	Evaluation struct {
		Selected    bool
		Overall     float64
		Confidence  float64
		Constraints []ConstraintResult
		Degraded    bool // optimizer disabled; candidate passes with reduced confidence
	}

	// Ranked pairs a scored recommendation with its evaluation, for the
	// executor to work through in order.
	Ranked struct {
		Recommendation *scoring.Recommendation
		Facts          Facts
		Evaluation     Evaluation
	}

	// Optimizer evaluates candidates against the configured constraints.
	Optimizer struct {
		storage        config.StoragePolicy
		write          config.WritePolicyLimits
		tenant         config.TenantLimitsPolicy
		minImprovement float64
		maxQueryTimeMs float64
		minScore       float64
		gate           Gatekeeper
		logger         *slog.Logger
	}

	// Option customizes an Optimizer.
	Option func(*Optimizer)
)

// WithMaxQueryTime overrides the performance constraint's query-time bound.
func WithMaxQueryTime(ms float64) Option {
	return func(o *Optimizer) { o.maxQueryTimeMs = ms }
}

// WithMinScoreThreshold overrides the minimum weighted overall score.
func WithMinScoreThreshold(threshold float64) Option {
	return func(o *Optimizer) { o.minScore = threshold }
}

// New creates an optimizer from policy. gate may be nil, in which case the
// optimizer is always active.
func New(storagePolicy config.StoragePolicy, write config.WritePolicyLimits,
	tenant config.TenantLimitsPolicy, minImprovementPct float64,
	gate Gatekeeper, logger *slog.Logger, opts ...Option,
) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Optimizer{
		storage:        storagePolicy,
		write:          write,
		tenant:         tenant,
		minImprovement: minImprovementPct,
		maxQueryTimeMs: defaultMaxQueryTimeMs,
		minScore:       0.5,
		gate:           gate,
		logger:         logger,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Evaluate checks one candidate's facts against every constraint.
//
// A candidate is selected iff every constraint is satisfied AND the weighted
// overall score meets the minimum threshold. When the optimizer is disabled
// by flag, candidates pass through degraded with confidence 0.5.
func (o *Optimizer) Evaluate(facts Facts) Evaluation {
	if o.gate != nil {
		if err := o.gate.Check(switches.AutoIndexing); err != nil {
			return Evaluation{Selected: true, Overall: 0.5, Confidence: 0.5, Degraded: true}
		}
	}

	constraints := []ConstraintResult{
		o.checkStorage(facts),
		o.checkPerformance(facts),
		o.checkWorkload(facts),
		o.checkTenantCaps(facts),
	}

	overall := weightStorage*constraints[0].Score +
		weightPerformance*constraints[1].Score +
		weightWorkload*constraints[2].Score +
		weightTenant*constraints[3].Score

	allSatisfied := true
	for _, c := range constraints {
		if !c.Satisfied {
			allSatisfied = false
			break
		}
	}

	return Evaluation{
		Selected:    allSatisfied && overall >= o.minScore,
		Overall:     overall,
		Confidence:  overall,
		Constraints: constraints,
	}
}

// Rank evaluates a batch and returns the selected candidates sorted by
// overall score, best first.
func (o *Optimizer) Rank(candidates []Ranked) []Ranked {
	selected := make([]Ranked, 0, len(candidates))

	for i := range candidates {
		candidates[i].Evaluation = o.Evaluate(candidates[i].Facts)

		if candidates[i].Evaluation.Selected {
			selected = append(selected, candidates[i])
		} else if o.logger != nil {
			o.logger.Debug("candidate rejected by optimizer",
				"table", candidates[i].Recommendation.Candidate.Table,
				"fields", candidates[i].Recommendation.Candidate.FieldKey(),
				"overall", candidates[i].Evaluation.Overall,
				"reason", rejectionReason(candidates[i].Evaluation))
		}
	}

	sort.SliceStable(selected, func(a, b int) bool {
		return selected[a].Evaluation.Overall > selected[b].Evaluation.Overall
	})

	return selected
}

// checkStorage combines the global and per-tenant storage budgets. The
// score is the mean of the two headroom fractions.
func (o *Optimizer) checkStorage(facts Facts) ConstraintResult {
	result := ConstraintResult{Name: ConstraintStorage, Satisfied: true, Score: 1}

	maxTotal := float64(o.storage.MaxTotalMB)
	if maxTotal > 0 {
		if facts.TotalUsedMB+facts.EstSizeMB > maxTotal {
			result.Satisfied = false
			result.Reason = "total_storage_exceeded"
		}

		result.Score = clamp01(1 - facts.TotalUsedMB/maxTotal)
	}

	maxTenant := float64(o.storage.MaxPerTenantMB)
	if maxTenant > 0 {
		if facts.TenantUsedMB+facts.EstSizeMB > maxTenant {
			result.Satisfied = false
			if result.Reason == "" {
				result.Reason = "tenant_storage_exceeded"
			}
		}

		result.Score = (result.Score + tenantStorageScore(facts.TenantUsedMB/maxTenant, o.storage.WarnThresholdPct)) / 2
	}

	return result
}

// tenantStorageScore is 1 below the warn threshold and decays linearly to 0
// at full usage past it.
func tenantStorageScore(usagePct, warnPct float64) float64 {
	if warnPct <= 0 || warnPct >= 1 {
		warnPct = 0.8
	}

	if usagePct < warnPct {
		return 1
	}

	return clamp01((1 - usagePct) / (1 - warnPct))
}

func (o *Optimizer) checkPerformance(facts Facts) ConstraintResult {
	result := ConstraintResult{Name: ConstraintPerformance, Satisfied: true}

	if facts.EstQueryTimeMs > o.maxQueryTimeMs {
		result.Satisfied = false
		result.Reason = "query_time_too_high"
	}

	if facts.ImprovementPct < o.minImprovement {
		result.Satisfied = false
		result.Reason = "improvement_below_minimum"
	}

	result.Score = clamp01((facts.ImprovementPct/100 + (1 - facts.EstQueryTimeMs/o.maxQueryTimeMs)) / 2)

	return result
}

func (o *Optimizer) checkWorkload(facts Facts) ConstraintResult {
	result := ConstraintResult{Name: ConstraintWorkload, Satisfied: true}

	threshold := o.write.WriteOverheadThreshold
	if threshold <= 0 {
		threshold = 0.3
	}

	if facts.WriteOverheadPct > threshold && facts.ReadRatio < 0.5 {
		result.Satisfied = false
		result.Reason = "write_heavy_workload"
	}

	result.Score = clamp01((facts.ReadRatio + (1 - facts.WriteOverheadPct/threshold)) / 2)

	return result
}

func (o *Optimizer) checkTenantCaps(facts Facts) ConstraintResult {
	result := ConstraintResult{Name: ConstraintTenant, Satisfied: true, Score: 1}

	maxTable := o.write.MaxIndexesPerTable
	maxTenant := o.tenant.MaxIndexesPerTenant

	if maxTable > 0 && facts.TableIndexCount >= maxTable {
		result.Satisfied = false
		result.Reason = "table_index_cap_reached"
	}

	if maxTenant > 0 && facts.TenantIndexCount >= maxTenant {
		result.Satisfied = false
		if result.Reason == "" {
			result.Reason = "tenant_index_cap_reached"
		}
	}

	if maxTable > 0 && maxTenant > 0 {
		result.Score = clamp01((remainingFraction(facts.TableIndexCount, maxTable) +
			remainingFraction(facts.TenantIndexCount, maxTenant)) / 2)
	} else if maxTable > 0 {
		result.Score = remainingFraction(facts.TableIndexCount, maxTable)
	}

	return result
}

func remainingFraction(current, limit int) float64 {
	if limit <= 0 {
		return 1
	}

	return clamp01(float64(limit-current) / float64(limit))
}

func rejectionReason(ev Evaluation) string {
	for _, c := range ev.Constraints {
		if !c.Satisfied {
			return c.Reason
		}
	}

	return "overall_score_below_threshold"
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
