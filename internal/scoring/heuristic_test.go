package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/storage"
)

func indexerPolicy() config.AutoIndexerPolicy {
	return config.AutoIndexerPolicy{
		WindowHours:              24,
		MinQueryThreshold:        100,
		BuildCostPer1000Rows:     10,
		QueryCostPer10000Rows:    50,
		MinSelectivityForIndex:   0.001,
		MinImprovementPct:        20,
		SmallTableRowCount:       1000,
		MediumTableRowCount:      100000,
		SmallTableMinQueriesHour: 50,
		LargeTableCostReduction:  0.8,
	}
}

func hotCandidate() *Candidate {
	return &Candidate{
		Table:     "contacts",
		Fields:    []string{"email"},
		QueryType: storage.QueryRead,
		IndexType: IndexBTree,
		Stats:     storage.FieldUsage{Table: "contacts", Field: "email", Count: 5000, P95Ms: 120},
	}
}

func TestHeuristicRecommendsHighVolumeLookup(t *testing.T) {
	h := NewHeuristic(indexerPolicy())

	result, err := h.Score(context.Background(), hotCandidate(), &Context{
		TableRows:      100000,
		DistinctValues: 90000,
		Selectivity:    0.9,
		HorizonQueries: 100000,
	})

	require.NoError(t, err)
	assert.True(t, result.Recommend)
	assert.Greater(t, result.Utility, 0.5)
	assert.Greater(t, result.Factors["cost_benefit"], 1.0)
	assert.Greater(t, result.Factors["improvement_pct"], 90.0)
}

func TestHeuristicRejectsLowImprovement(t *testing.T) {
	h := NewHeuristic(indexerPolicy())

	// Two distinct values: an index halves the scan at best.
	result, err := h.Score(context.Background(), hotCandidate(), &Context{
		TableRows:      100000,
		DistinctValues: 1,
		Selectivity:    0.001,
		HorizonQueries: 100000,
	})

	require.NoError(t, err)
	assert.False(t, result.Recommend)
}

func TestHeuristicRejectsQuietSmallTable(t *testing.T) {
	h := NewHeuristic(indexerPolicy())

	cand := hotCandidate()
	cand.Stats.Count = 100 // ~4/hour over a 24h window, below the 50/hour floor

	result, err := h.Score(context.Background(), cand, &Context{
		TableRows:      500,
		DistinctValues: 400,
		Selectivity:    0.8,
		HorizonQueries: 100000,
	})

	require.NoError(t, err)
	assert.False(t, result.Recommend)
	assert.Equal(t, "small_table_low_traffic", result.Reason)
}

func TestHeuristicRejectsBelowMinSelectivity(t *testing.T) {
	policy := indexerPolicy()
	policy.MinSelectivityForIndex = 0.01

	h := NewHeuristic(policy)

	result, err := h.Score(context.Background(), hotCandidate(), &Context{
		TableRows:      100000,
		DistinctValues: 100,
		Selectivity:    0.001,
		HorizonQueries: 100000,
	})

	require.NoError(t, err)
	assert.False(t, result.Recommend)
	assert.Equal(t, "selectivity_too_low", result.Reason)
}

func TestEstimatedImprovementPct(t *testing.T) {
	assert.Zero(t, estimatedImprovementPct(0))
	assert.Zero(t, estimatedImprovementPct(1))
	assert.InDelta(t, 50.0, estimatedImprovementPct(2), 0.01)
	assert.InDelta(t, 99.0, estimatedImprovementPct(1000000), 0.01)
}

func TestCompositeIndexCostsMoreThanBTree(t *testing.T) {
	h := NewHeuristic(indexerPolicy())
	sc := &Context{TableRows: 100000, DistinctValues: 90000, Selectivity: 0.9, HorizonQueries: 1000}

	btree, err := h.Score(context.Background(), hotCandidate(), sc)
	require.NoError(t, err)

	composite := hotCandidate()
	composite.IndexType = IndexComposite
	compositeResult, err := h.Score(context.Background(), composite, sc)
	require.NoError(t, err)

	assert.Greater(t, compositeResult.Factors["build_cost"], btree.Factors["build_cost"])
}
