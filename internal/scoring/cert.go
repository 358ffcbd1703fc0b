package scoring

import (
	"context"
	"fmt"
	"math"
)

// Reasons reported by CERT validations.
const (
	certReasonOK           = "within_tolerance"
	certReasonEmptyTable   = "empty_table"
	certReasonZeroEstimate = "zero_estimate"
	certReasonStale        = "statistics_stale"
	certReasonDrift        = "estimate_drift"
)

type (
	// CardinalityReader reads true row and distinct counts from the
	// database. *storage.CatalogReader satisfies it.
	CardinalityReader interface {
		TableRowCount(ctx context.Context, table string) (int64, error)
		DistinctCount(ctx context.Context, table, column string) (int64, error)
	}

	// CERT validates estimated selectivity against the actual table
	// cardinality, catching stale planner statistics before they drive an
	// index decision.
	CERT struct {
		reader      CardinalityReader
		maxErrorPct float64
	}

	// Validation is the outcome of one cardinality check.
	Validation struct {
		Table                string
		Field                string
		EstimatedSelectivity float64
		ActualSelectivity    float64
		ErrorPct             float64
		Confidence           float64
		IsValid              bool
		StatisticsStale      bool
		Reason               string
	}
)

// NewCERT creates the cardinality validator. maxErrorPct is the tolerated
// estimation error in percent; twice that marks statistics as stale.
func NewCERT(reader CardinalityReader, maxErrorPct float64) *CERT {
	if maxErrorPct <= 0 {
		maxErrorPct = 50
	}

	return &CERT{reader: reader, maxErrorPct: maxErrorPct}
}

// Name implements Scorer.
func (c *CERT) Name() string { return "cert" }

// Validate checks an estimated selectivity for one column against the live
// table.
//
// Confidence is piecewise linear in the error: 1.0 at zero error, 0.8 at the
// threshold, 0.0 at twice the threshold, monotonically non-increasing.
func (c *CERT) Validate(ctx context.Context, table, field string, estimated float64) (*Validation, error) {
	v := &Validation{
		Table:                table,
		Field:                field,
		EstimatedSelectivity: estimated,
	}

	total, err := c.reader.TableRowCount(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("cert: row count: %w", err)
	}

	if total == 0 {
		v.Reason = certReasonEmptyTable
		return v, nil
	}

	if estimated <= 0 {
		v.Reason = certReasonZeroEstimate
		return v, nil
	}

	distinct, err := c.reader.DistinctCount(ctx, table, field)
	if err != nil {
		return nil, fmt.Errorf("cert: distinct count: %w", err)
	}

	v.ActualSelectivity = float64(distinct) / float64(total)
	v.ErrorPct = math.Abs(v.ActualSelectivity-estimated) / estimated * 100
	v.IsValid = v.ErrorPct <= c.maxErrorPct
	v.StatisticsStale = v.ErrorPct > 2*c.maxErrorPct
	v.Confidence = c.confidence(v.ErrorPct)

	switch {
	case v.IsValid:
		v.Reason = certReasonOK
	case v.StatisticsStale:
		v.Reason = certReasonStale
	default:
		v.Reason = certReasonDrift
	}

	return v, nil
}

func (c *CERT) confidence(errorPct float64) float64 {
	switch {
	case errorPct <= c.maxErrorPct:
		return 1.0 - 0.2*errorPct/c.maxErrorPct
	case errorPct < 2*c.maxErrorPct:
		return 0.8 - 0.8*(errorPct-c.maxErrorPct)/c.maxErrorPct
	default:
		return 0
	}
}

// Score implements Scorer: the candidate's context selectivity is treated as
// the estimate under validation. An invalid estimate vetoes the candidate.
func (c *CERT) Score(ctx context.Context, cand *Candidate, sc *Context) (*Result, error) {
	if len(cand.Fields) == 0 {
		return &Result{Algorithm: c.Name(), Reason: "no_field"}, nil
	}

	v, err := c.Validate(ctx, cand.Table, cand.Fields[0], sc.Selectivity)
	if err != nil {
		return nil, err
	}

	utility := 0.0
	if v.IsValid {
		utility = v.Confidence
	}

	return &Result{
		Algorithm:  c.Name(),
		Utility:    utility,
		Confidence: v.Confidence,
		Recommend:  v.IsValid,
		Reason:     v.Reason,
		Factors: map[string]float64{
			"actual_selectivity": v.ActualSelectivity,
			"error_pct":          v.ErrorPct,
		},
	}, nil
}
