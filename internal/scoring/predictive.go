package scoring

import (
	"context"
	"math"
)

// Pattern-blend weights. They sum to 1.
const (
	weightCostBenefit = 0.35
	weightQueryVolume = 0.25
	weightSelectivity = 0.20
	weightTableSize   = 0.10
	weightOverhead    = 0.10
)

// Prediction methods, in preference order.
const (
	methodModel      = "ml_model"
	methodHistorical = "historical"
	methodPattern    = "pattern"
)

type (
	// HistoryReader reads measured improvements of past index creations.
	// *storage.MutationLog satisfies it.
	HistoryReader interface {
		HistoricalImprovement(ctx context.Context, table, field string) (float64, int, error)
	}

	// Predictive estimates index utility by the first available of three
	// methods: a trained tree model, historical improvements for the same
	// (table, field), or a pattern-based blend of workload features.
	Predictive struct {
		model   *Model // nil when no model is loaded
		history HistoryReader
	}
)

// NewPredictive creates the utility predictor. model may be nil and history
// may be nil; the predictor degrades to pattern-based scoring.
func NewPredictive(model *Model, history HistoryReader) *Predictive {
	return &Predictive{model: model, history: history}
}

// Name implements Scorer.
func (p *Predictive) Name() string { return "predictive" }

// Score implements Scorer.
func (p *Predictive) Score(ctx context.Context, cand *Candidate, sc *Context) (*Result, error) {
	if p.model.Loaded() && p.model.Confidence > 0.5 {
		utility := p.model.Predict(featureVector(cand, sc))

		return p.result(utility, p.model.Confidence, methodModel, sc), nil
	}

	if p.history != nil && len(cand.Fields) > 0 {
		improvement, n, err := p.history.HistoricalImprovement(ctx, cand.Table, cand.Fields[0])
		if err == nil && n > 0 {
			confidence := math.Min(1, float64(n)/10)

			return p.result(clamp01(improvement/100), confidence, methodHistorical, sc), nil
		}
	}

	return p.result(patternScore(cand, sc), 0.5, methodPattern, sc), nil
}

func (p *Predictive) result(utility, confidence float64, method string, sc *Context) *Result {
	return &Result{
		Algorithm:  p.Name(),
		Utility:    utility,
		Confidence: confidence,
		Recommend:  utility > 0.5,
		Reason:     method,
		Factors: map[string]float64{
			"cost_benefit": sc.CostBenefit,
			"selectivity":  sc.Selectivity,
		},
	}
}

// featureVector builds the model input. Order matters and must match the
// training pipeline: log1p(cost_benefit), log1p(rows)/20, selectivity,
// log1p(queries)/10, overhead/100.
func featureVector(_ *Candidate, sc *Context) []float64 {
	return []float64{
		math.Log1p(math.Max(0, sc.CostBenefit)),
		math.Log1p(float64(sc.TableRows)) / 20,
		sc.Selectivity,
		math.Log1p(float64(sc.HorizonQueries)) / 10,
		sc.WriteOverhead / 100,
	}
}

// patternScore is the model-free fallback shared by Predictive and XGBoost:
// a weighted blend of five workload sub-scores.
func patternScore(cand *Candidate, sc *Context) float64 {
	cb := math.Min(1, math.Max(0, sc.CostBenefit)/2)
	volume := math.Min(1, float64(cand.Stats.Count)/1000)
	size := math.Min(1, math.Log1p(float64(sc.TableRows))/math.Log1p(10_000_000))
	overhead := 1 - math.Min(1, sc.WriteOverhead/100)

	return clamp01(weightCostBenefit*cb +
		weightQueryVolume*volume +
		weightSelectivity*selectivityScore(sc.Selectivity) +
		weightTableSize*size +
		weightOverhead*overhead)
}

// selectivityScore is deliberately non-monotone: moderately selective columns
// in the [0.01, 0.1) band profit most from an index, while near-unique and
// near-constant columns profit less.
func selectivityScore(selectivity float64) float64 {
	switch {
	case selectivity < 0.01:
		return selectivity / 0.01 * 0.8
	case selectivity < 0.1:
		return 1.0
	case selectivity < 0.5:
		return 0.7
	default:
		return 0.3
	}
}
