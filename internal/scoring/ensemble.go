package scoring

import (
	"context"
	"log/slog"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

type (
	// UsageRecorder persists one row per scorer invocation so decisions can
	// be traced back to the algorithms that drove them.
	// *storage.UsageStore satisfies it.
	UsageRecorder interface {
		Record(ctx context.Context, usage *storage.AlgorithmUsage) error
	}

	// Recommendation is the ensemble's final verdict on one candidate,
	// carrying every scorer result and the usage-row IDs for later
	// used_in_decision marking.
	Recommendation struct {
		Candidate  *Candidate
		Recommend  bool
		Combined   float64
		Confidence float64
		Reason     string
		Heuristic  *Result
		Results    []*Result
		UsageIDs   []int64
	}

	// Ensemble orchestrates the heuristic baseline, the pluggable scorers,
	// and the fusion stage.
	Ensemble struct {
		heuristic *Heuristic
		registry  *Registry
		fusion    Fusion
		usage     UsageRecorder // nil disables usage tracking
		logger    *slog.Logger
	}
)

// NewEnsemble assembles the scoring pipeline. usage may be nil.
func NewEnsemble(heuristic *Heuristic, registry *Registry, fusion Fusion, usage UsageRecorder, logger *slog.Logger) *Ensemble {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ensemble{
		heuristic: heuristic,
		registry:  registry,
		fusion:    fusion,
		usage:     usage,
		logger:    logger,
	}
}

// Evaluate scores one candidate through the whole ensemble.
//
// The heuristic runs first and seeds the context's cost/benefit ratio for the
// other scorers. The predictive scorer's output is fused with the heuristic;
// an invalid cardinality validation vetoes the recommendation outright.
func (e *Ensemble) Evaluate(ctx context.Context, cand *Candidate, sc *Context) (*Recommendation, error) {
	heuristic, err := e.heuristic.Score(ctx, cand, sc)
	if err != nil {
		return nil, err
	}

	if ratio, ok := heuristic.Factors["cost_benefit"]; ok {
		sc.CostBenefit = ratio
	}

	results := e.registry.Score(ctx, cand, sc)

	var ml, cert *Result
	for _, result := range results {
		switch result.Algorithm {
		case "predictive":
			ml = result
		case "cert":
			cert = result
		}
	}

	fused := e.fusion.Refine(heuristic, ml)

	rec := &Recommendation{
		Candidate:  cand,
		Recommend:  fused.Recommend,
		Combined:   fused.Combined,
		Confidence: fused.Confidence,
		Reason:     fused.Reason,
		Heuristic:  heuristic,
		Results:    results,
	}

	if cert != nil && !cert.Recommend && cert.Reason != "no_field" {
		rec.Recommend = false
		rec.Reason = "cardinality_invalid:" + cert.Reason
	}

	e.trackUsage(ctx, cand, rec)

	return rec, nil
}

// trackUsage records one algorithm_usage row per scorer result. Failures are
// logged and swallowed: usage tracking must never block a recommendation.
func (e *Ensemble) trackUsage(ctx context.Context, cand *Candidate, rec *Recommendation) {
	if e.usage == nil {
		return
	}

	all := make([]*Result, 0, len(rec.Results)+1)
	all = append(all, rec.Heuristic)
	all = append(all, rec.Results...)

	for _, result := range all {
		row := &storage.AlgorithmUsage{
			Table:          cand.Table,
			Field:          cand.FieldKey(),
			Algorithm:      result.Algorithm,
			Recommendation: result.Utility,
		}

		if err := e.usage.Record(ctx, row); err != nil {
			e.logger.Warn("failed to record algorithm usage",
				"algorithm", result.Algorithm,
				"table", cand.Table,
				"error", err)

			continue
		}

		rec.UsageIDs = append(rec.UsageIDs, row.ID)
	}
}
