package scoring

import (
	"context"
	"math"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Build-cost factors per index type. Partial indexes touch fewer rows than
// expression indexes, which are cheaper than full B-trees; composites cost
// the most per row.
var buildCostFactors = map[IndexType]float64{
	IndexPartial:    0.6,
	IndexExpression: 0.8,
	IndexBTree:      1.0,
	IndexHash:       1.0,
	IndexComposite:  1.25,
}

// Heuristic is the baseline cost/benefit scorer: build cost scales with row
// count and index type, benefit scales with projected query volume and the
// per-query scan cost an index would avoid.
type Heuristic struct {
	policy config.AutoIndexerPolicy
}

// NewHeuristic creates the baseline scorer from the auto-indexer policy.
func NewHeuristic(policy config.AutoIndexerPolicy) *Heuristic {
	return &Heuristic{policy: policy}
}

// Name implements Scorer.
func (h *Heuristic) Name() string { return "heuristic" }

// Score implements Scorer.
//
// The decision rule: recommend iff benefit/build_cost > 1 AND the estimated
// improvement meets min_improvement_pct. Small tables additionally require a
// minimum hourly query rate, since a cheap seq scan beats index maintenance
// there.
func (h *Heuristic) Score(_ context.Context, cand *Candidate, sc *Context) (*Result, error) {
	rows := float64(sc.TableRows)

	factor, ok := buildCostFactors[cand.IndexType]
	if !ok {
		factor = 1.0
	}

	buildCost := h.policy.BuildCostPer1000Rows * rows / 1000 * factor
	if buildCost <= 0 {
		buildCost = h.policy.BuildCostPer1000Rows * factor // floor for tiny tables
	}

	perQueryCost := h.policy.QueryCostPer10000Rows * rows / 10000
	if sc.TableRows > h.policy.MediumTableRowCount && h.policy.LargeTableCostReduction > 0 {
		perQueryCost *= h.policy.LargeTableCostReduction
	}

	benefit := float64(sc.HorizonQueries) * perQueryCost
	ratio := 0.0
	if buildCost > 0 {
		ratio = benefit / buildCost
	}

	improvement := estimatedImprovementPct(sc.DistinctValues)

	recommend := ratio > 1 && improvement >= h.policy.MinImprovementPct

	reason := "cost_benefit"

	if sc.Selectivity > 0 && sc.Selectivity < h.policy.MinSelectivityForIndex {
		recommend = false
		reason = "selectivity_too_low"
	}

	if sc.TableRows < h.policy.SmallTableRowCount {
		perHour := hourlyRate(cand.Stats.Count, h.policy.WindowHours)
		if perHour < float64(h.policy.SmallTableMinQueriesHour) {
			recommend = false
			reason = "small_table_low_traffic"
		}
	}

	// Confidence grows with evidence volume and saturates around a few
	// hundred samples.
	confidence := float64(cand.Stats.Count) / (float64(cand.Stats.Count) + 500)

	return &Result{
		Algorithm:  h.Name(),
		Utility:    clamp01(ratio / (ratio + 1)),
		Confidence: confidence,
		Recommend:  recommend,
		Reason:     reason,
		Factors: map[string]float64{
			"build_cost":      buildCost,
			"benefit":         benefit,
			"cost_benefit":    ratio,
			"improvement_pct": improvement,
		},
	}, nil
}

// estimatedImprovementPct estimates how much of a scan an equality lookup
// would avoid: with D distinct values, an index narrows to 1/D of the table.
func estimatedImprovementPct(distinct int64) float64 {
	if distinct <= 1 {
		return 0
	}

	return math.Min(99, (1-1/float64(distinct))*100)
}

func hourlyRate(count int64, windowHours int) float64 {
	if windowHours <= 0 {
		windowHours = 1
	}

	return float64(count) / float64(windowHours)
}
