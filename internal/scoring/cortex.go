package scoring

import (
	"context"
	"fmt"
)

// Cortex defaults.
const (
	defaultSampleLimit          = 10000
	defaultCorrelationThreshold = 0.7
)

type (
	// PairSampler samples column-value pairs from a table.
	// *storage.CatalogReader satisfies it.
	PairSampler interface {
		SamplePairs(ctx context.Context, table, col1, col2 string, limit int) ([][2]string, error)
	}

	// Cortex detects correlated column pairs by sampling rows and measuring
	// pair-value co-occurrence. Highly correlated pairs are surfaced as
	// composite-index suggestions.
	Cortex struct {
		sampler     PairSampler
		sampleLimit int
		threshold   float64
	}

	// Correlation is the outcome of one pair analysis.
	Correlation struct {
		Table      string
		Col1       string
		Col2       string
		Score      float64 // 1 - unique_pairs/total_samples
		Samples    int
		Correlated bool
	}
)

// NewCortex creates the correlation detector with default sampling bounds.
func NewCortex(sampler PairSampler) *Cortex {
	return &Cortex{
		sampler:     sampler,
		sampleLimit: defaultSampleLimit,
		threshold:   defaultCorrelationThreshold,
	}
}

// Name implements Scorer.
func (x *Cortex) Name() string { return "cortex" }

// Analyze measures the co-occurrence of two columns' values. The score is
// 1 - unique_pairs/total_samples: 0 for fully independent columns, close to
// 1 when one column's value determines the other's.
func (x *Cortex) Analyze(ctx context.Context, table, col1, col2 string) (*Correlation, error) {
	pairs, err := x.sampler.SamplePairs(ctx, table, col1, col2, x.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("cortex: sampling %s: %w", table, err)
	}

	c := &Correlation{Table: table, Col1: col1, Col2: col2, Samples: len(pairs)}

	if len(pairs) == 0 {
		return c, nil
	}

	unique := make(map[[2]string]struct{}, len(pairs))
	for _, pair := range pairs {
		unique[pair] = struct{}{}
	}

	c.Score = 1 - float64(len(unique))/float64(len(pairs))
	c.Correlated = c.Score >= x.threshold

	return c, nil
}

// Score implements Scorer. Cortex only speaks to multi-field candidates; for
// single-field ones it abstains.
func (x *Cortex) Score(ctx context.Context, cand *Candidate, _ *Context) (*Result, error) {
	if len(cand.Fields) < 2 {
		return &Result{Algorithm: x.Name(), Reason: "single_field"}, nil
	}

	c, err := x.Analyze(ctx, cand.Table, cand.Fields[0], cand.Fields[1])
	if err != nil {
		return nil, err
	}

	confidence := float64(c.Samples) / (float64(c.Samples) + 1000)

	return &Result{
		Algorithm:  x.Name(),
		Utility:    clamp01(c.Score),
		Confidence: confidence,
		Recommend:  c.Correlated,
		Reason:     fmt.Sprintf("correlation_%.2f", c.Score),
		Factors: map[string]float64{
			"correlation": c.Score,
			"samples":     float64(c.Samples),
		},
	}, nil
}
