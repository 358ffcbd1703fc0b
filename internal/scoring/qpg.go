package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

// FlagKind labels one plan-tree finding.
type FlagKind string

// Plan findings surfaced by QPG.
const (
	FlagExpensiveNode     FlagKind = "expensive_node"
	FlagSlowOperation     FlagKind = "slow_operation"
	FlagExpensiveJoin     FlagKind = "expensive_join"
	FlagSeqScanWithFilter FlagKind = "sequential_scan_with_filter"
	FlagStatsMismatch     FlagKind = "statistics_mismatch"
	FlagCartesianProduct  FlagKind = "potential_cartesian_product"
)

// Flag severities.
const (
	SeverityLow  = "low"
	SeverityHigh = "high"
)

type (
	// PlanFlag is one finding in a plan tree.
	PlanFlag struct {
		Kind     FlagKind
		Severity string
		NodeType string
		Relation string
		Detail   string
	}

	// QPG scores candidates from the shape of their EXPLAIN plans: a plan
	// that seq-scans and filters the candidate's table is strong evidence an
	// index would help.
	QPG struct{}
)

// Name implements Scorer.
func (q *QPG) Name() string { return "qpg" }

// AnalyzePlan walks a plan tree and returns every finding. Actual-time and
// actual-row checks only fire when the plan carries ANALYZE data (negative
// actuals mean "not measured").
func AnalyzePlan(root *storage.PlanNode) []PlanFlag {
	if root == nil {
		return nil
	}

	var flags []PlanFlag

	walkPlanNodes(root, &flags)

	return flags
}

func walkPlanNodes(node *storage.PlanNode, flags *[]PlanFlag) {
	if node.PlanRows > 0 {
		costPerRow := node.TotalCost / node.PlanRows
		if costPerRow > 100 {
			severity := SeverityLow
			if costPerRow > 1000 {
				severity = SeverityHigh
			}

			*flags = append(*flags, PlanFlag{
				Kind:     FlagExpensiveNode,
				Severity: severity,
				NodeType: node.NodeType,
				Relation: node.RelationName,
				Detail:   fmt.Sprintf("cost/row %.1f", costPerRow),
			})
		}
	}

	if node.ActualTotalTime > 100 {
		severity := SeverityLow
		if node.ActualTotalTime > 1000 {
			severity = SeverityHigh
		}

		*flags = append(*flags, PlanFlag{
			Kind:     FlagSlowOperation,
			Severity: severity,
			NodeType: node.NodeType,
			Relation: node.RelationName,
			Detail:   fmt.Sprintf("actual %.1fms", node.ActualTotalTime),
		})
	}

	if isJoinNode(node.NodeType) && node.TotalCost > 1000 {
		*flags = append(*flags, PlanFlag{
			Kind:     FlagExpensiveJoin,
			Severity: SeverityHigh,
			NodeType: node.NodeType,
			Detail:   fmt.Sprintf("cost %.1f", node.TotalCost),
		})
	}

	if node.NodeType == "Seq Scan" && node.Filter != "" {
		*flags = append(*flags, PlanFlag{
			Kind:     FlagSeqScanWithFilter,
			Severity: SeverityLow,
			NodeType: node.NodeType,
			Relation: node.RelationName,
			Detail:   node.Filter,
		})
	}

	if node.ActualRows >= 0 {
		planned, actual := node.PlanRows, node.ActualRows
		if maxRows := math.Max(planned, actual); maxRows > 0 &&
			math.Abs(planned-actual)/maxRows > 0.5 {
			*flags = append(*flags, PlanFlag{
				Kind:     FlagStatsMismatch,
				Severity: SeverityHigh,
				NodeType: node.NodeType,
				Relation: node.RelationName,
				Detail:   fmt.Sprintf("planned %.0f actual %.0f", planned, actual),
			})
		}
	}

	if node.NodeType == "Nested Loop" && node.JoinFilter == "" && node.PlanRows > 10000 {
		*flags = append(*flags, PlanFlag{
			Kind:     FlagCartesianProduct,
			Severity: SeverityHigh,
			NodeType: node.NodeType,
			Detail:   fmt.Sprintf("planned rows %.0f with no join filter", node.PlanRows),
		})
	}

	for i := range node.Plans {
		walkPlanNodes(&node.Plans[i], flags)
	}
}

// DiversityScore measures how much alternative plans for the same query
// disagree on cost: (max - min) / max. Zero or one plan scores 0.
func DiversityScore(costs []float64) float64 {
	if len(costs) < 2 {
		return 0
	}

	minCost, maxCost := costs[0], costs[0]
	for _, cost := range costs[1:] {
		minCost = math.Min(minCost, cost)
		maxCost = math.Max(maxCost, cost)
	}

	if maxCost <= 0 {
		return 0
	}

	return (maxCost - minCost) / maxCost
}

func isJoinNode(nodeType string) bool {
	switch nodeType {
	case "Nested Loop", "Hash Join", "Merge Join":
		return true
	default:
		return false
	}
}

// Score implements Scorer. Without a plan in the context, QPG abstains with
// zero confidence.
func (q *QPG) Score(_ context.Context, cand *Candidate, sc *Context) (*Result, error) {
	if sc.Plan == nil {
		return &Result{Algorithm: q.Name(), Utility: 0.5, Reason: "no_plan"}, nil
	}

	flags := AnalyzePlan(sc.Plan)

	utility := 0.4
	reason := "plan_neutral"

	for _, flag := range flags {
		switch {
		case flag.Kind == FlagSeqScanWithFilter && flag.Relation == cand.Table:
			utility += 0.3
			reason = "seq_scan_on_candidate_table"
		case flag.Severity == SeverityHigh:
			utility += 0.1
		}
	}

	factors := map[string]float64{
		"flags":      float64(len(flags)),
		"total_cost": sc.Plan.TotalCost,
	}

	// Disagreement between alternative lookup shapes means the planner is
	// sensitive to access paths on this table, so an index can shift them.
	if diversity := DiversityScore(sc.AltPlanCosts); diversity > 0 {
		utility += 0.2 * diversity
		factors["plan_diversity"] = diversity
	}

	utility = clamp01(utility)

	return &Result{
		Algorithm:  q.Name(),
		Utility:    utility,
		Confidence: 0.7,
		Recommend:  utility > 0.5,
		Reason:     reason,
		Factors:    factors,
	}, nil
}
