package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

// planNode builds a node with actuals marked as "not measured".
func planNode(nodeType, relation string, cost, rows float64) storage.PlanNode {
	return storage.PlanNode{
		NodeType:        nodeType,
		RelationName:    relation,
		TotalCost:       cost,
		PlanRows:        rows,
		ActualRows:      -1,
		ActualTotalTime: -1,
	}
}

func flagKinds(flags []PlanFlag) []FlagKind {
	kinds := make([]FlagKind, len(flags))
	for i, f := range flags {
		kinds[i] = f.Kind
	}
	return kinds
}

func TestAnalyzePlanExpensiveNode(t *testing.T) {
	node := planNode("Seq Scan", "contacts", 50000, 40)
	flags := AnalyzePlan(&node)

	require.NotEmpty(t, flags)
	assert.Contains(t, flagKinds(flags), FlagExpensiveNode)
	assert.Equal(t, SeverityHigh, flags[0].Severity, "cost/row over 1000 is high severity")
}

func TestAnalyzePlanSeqScanWithFilter(t *testing.T) {
	node := planNode("Seq Scan", "contacts", 500, 1000)
	node.Filter = "(email = 'x')"

	flags := AnalyzePlan(&node)

	assert.Contains(t, flagKinds(flags), FlagSeqScanWithFilter)
}

func TestAnalyzePlanSlowOperation(t *testing.T) {
	node := planNode("Sort", "", 500, 1000)
	node.ActualTotalTime = 2500

	flags := AnalyzePlan(&node)

	require.NotEmpty(t, flags)
	assert.Equal(t, FlagSlowOperation, flags[0].Kind)
	assert.Equal(t, SeverityHigh, flags[0].Severity)
}

func TestAnalyzePlanExpensiveJoin(t *testing.T) {
	for _, joinType := range []string{"Nested Loop", "Hash Join", "Merge Join"} {
		node := planNode(joinType, "", 5000, 1000)
		node.JoinFilter = "(a.id = b.id)"

		assert.Contains(t, flagKinds(AnalyzePlan(&node)), FlagExpensiveJoin, joinType)
	}
}

func TestAnalyzePlanStatisticsMismatch(t *testing.T) {
	node := planNode("Seq Scan", "contacts", 100, 100)
	node.ActualRows = 5000 // planner expected 100

	flags := AnalyzePlan(&node)

	assert.Contains(t, flagKinds(flags), FlagStatsMismatch)
}

func TestAnalyzePlanCartesianProduct(t *testing.T) {
	node := planNode("Nested Loop", "", 800, 50000) // no join filter

	flags := AnalyzePlan(&node)

	assert.Contains(t, flagKinds(flags), FlagCartesianProduct)

	withFilter := planNode("Nested Loop", "", 800, 50000)
	withFilter.JoinFilter = "(a.id = b.id)"

	assert.NotContains(t, flagKinds(AnalyzePlan(&withFilter)), FlagCartesianProduct)
}

func TestAnalyzePlanWalksChildren(t *testing.T) {
	child := planNode("Seq Scan", "items", 2000, 10000)
	child.Filter = "(order_id = 7)"

	root := planNode("Hash Join", "", 3000, 5000)
	root.JoinFilter = "(items.order_id = orders.id)"
	root.Plans = []storage.PlanNode{child}

	kinds := flagKinds(AnalyzePlan(&root))

	assert.Contains(t, kinds, FlagExpensiveJoin)
	assert.Contains(t, kinds, FlagSeqScanWithFilter)
}

func TestDiversityScore(t *testing.T) {
	assert.Zero(t, DiversityScore(nil))
	assert.Zero(t, DiversityScore([]float64{100}))
	assert.InDelta(t, 0.5, DiversityScore([]float64{100, 200}), 0.001)
	assert.InDelta(t, 0.9, DiversityScore([]float64{1000, 100, 500}), 0.001)
}

func TestQPGScoreRewardsSeqScanOnCandidateTable(t *testing.T) {
	q := &QPG{}

	plan := planNode("Seq Scan", "contacts", 500, 10000)
	plan.Filter = "(email = 'x')"

	result, err := q.Score(context.Background(),
		&Candidate{Table: "contacts", Fields: []string{"email"}},
		&Context{Plan: &plan})

	require.NoError(t, err)
	assert.True(t, result.Recommend)
	assert.Equal(t, "seq_scan_on_candidate_table", result.Reason)
}

func TestQPGScoreAddsPlanDiversity(t *testing.T) {
	q := &QPG{}
	plan := planNode("Index Scan", "contacts", 50, 100)

	flat, err := q.Score(context.Background(),
		&Candidate{Table: "contacts", Fields: []string{"email"}},
		&Context{Plan: &plan, AltPlanCosts: []float64{100, 100, 100}})
	require.NoError(t, err)

	spread, err := q.Score(context.Background(),
		&Candidate{Table: "contacts", Fields: []string{"email"}},
		&Context{Plan: &plan, AltPlanCosts: []float64{1000, 100, 500}})
	require.NoError(t, err)

	assert.Greater(t, spread.Utility, flat.Utility)
	assert.InDelta(t, 0.9, spread.Factors["plan_diversity"], 0.001)
	assert.NotContains(t, flat.Factors, "plan_diversity")
}

func TestQPGScoreAbstainsWithoutPlan(t *testing.T) {
	q := &QPG{}

	result, err := q.Score(context.Background(),
		&Candidate{Table: "contacts"}, &Context{})

	require.NoError(t, err)
	assert.False(t, result.Recommend)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, "no_plan", result.Reason)
}
