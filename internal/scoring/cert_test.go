package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCardinality struct {
	total    int64
	distinct int64
}

func (f *fakeCardinality) TableRowCount(_ context.Context, _ string) (int64, error) {
	return f.total, nil
}

func (f *fakeCardinality) DistinctCount(_ context.Context, _, _ string) (int64, error) {
	return f.distinct, nil
}

func TestCERTValidWithinTolerance(t *testing.T) {
	cert := NewCERT(&fakeCardinality{total: 1000, distinct: 500}, 50)

	v, err := cert.Validate(context.Background(), "contacts", "email", 0.5)

	require.NoError(t, err)
	assert.True(t, v.IsValid)
	assert.False(t, v.StatisticsStale)
	assert.Zero(t, v.ErrorPct)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, "within_tolerance", v.Reason)
}

func TestCERTConfidencePiecewise(t *testing.T) {
	cert := NewCERT(nil, 50)

	// 1.0 at zero error, 0.8 at the threshold, 0.0 at twice the threshold.
	assert.InDelta(t, 1.0, cert.confidence(0), 0.001)
	assert.InDelta(t, 0.9, cert.confidence(25), 0.001)
	assert.InDelta(t, 0.8, cert.confidence(50), 0.001)
	assert.InDelta(t, 0.4, cert.confidence(75), 0.001)
	assert.InDelta(t, 0.0, cert.confidence(100), 0.001)
	assert.Zero(t, cert.confidence(5000))

	// Monotonically non-increasing.
	prev := 2.0
	for errorPct := 0.0; errorPct <= 120; errorPct += 5 {
		current := cert.confidence(errorPct)
		assert.LessOrEqual(t, current, prev, "confidence must not increase at %.0f%%", errorPct)
		prev = current
	}
}

func TestCERTStaleStatistics(t *testing.T) {
	// Estimated selectivity 0.01 while the table actually shows 0.5.
	cert := NewCERT(&fakeCardinality{total: 1000, distinct: 500}, 50)

	v, err := cert.Validate(context.Background(), "contacts", "email", 0.01)

	require.NoError(t, err)
	assert.InDelta(t, 4900.0, v.ErrorPct, 0.01)
	assert.False(t, v.IsValid)
	assert.True(t, v.StatisticsStale)
	assert.Zero(t, v.Confidence)
	assert.Equal(t, "statistics_stale", v.Reason)
}

func TestCERTEmptyTable(t *testing.T) {
	cert := NewCERT(&fakeCardinality{total: 0}, 50)

	v, err := cert.Validate(context.Background(), "contacts", "email", 0.5)

	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Zero(t, v.Confidence)
	assert.Equal(t, "empty_table", v.Reason)
}

func TestCERTZeroEstimate(t *testing.T) {
	cert := NewCERT(&fakeCardinality{total: 1000, distinct: 10}, 50)

	v, err := cert.Validate(context.Background(), "contacts", "email", 0)

	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, "zero_estimate", v.Reason)
}

func TestCERTScoreVetoesInvalidEstimate(t *testing.T) {
	cert := NewCERT(&fakeCardinality{total: 1000, distinct: 500}, 50)

	result, err := cert.Score(context.Background(),
		&Candidate{Table: "contacts", Fields: []string{"email"}},
		&Context{Selectivity: 0.01})

	require.NoError(t, err)
	assert.False(t, result.Recommend)
	assert.Zero(t, result.Utility)
}
