package scoring

// Fusion reason tags.
const (
	FusionConfirmed = "ml_confirmed"  // ML agreed with the heuristic
	FusionPromoted  = "ml_promoted"   // ML flipped the decision to yes
	FusionDemoted   = "ml_demoted"    // ML flipped the decision to no
	FusionHeuristic = "heuristic_only" // no ML input available
)

type (
	// Fusion combines the heuristic decision with the ML utility estimate
	// using a fixed weight split.
	Fusion struct {
		MLWeight float64 // weight of the ML term; heuristic gets 1 - MLWeight
	}

	// Fused is the final recommendation for a candidate.
	Fused struct {
		Recommend  bool
		Combined   float64
		Confidence float64
		Reason     string
	}
)

// NewFusion creates a fusion stage. Weights outside [0, 1] are clamped.
func NewFusion(mlWeight float64) Fusion {
	return Fusion{MLWeight: clamp01(mlWeight)}
}

// Refine folds the ML estimate into the heuristic decision. When ml is nil
// the heuristic stands alone.
func (f Fusion) Refine(heuristic *Result, ml *Result) Fused {
	if ml == nil {
		return Fused{
			Recommend:  heuristic.Recommend,
			Combined:   heuristic.Utility,
			Confidence: heuristic.Confidence,
			Reason:     FusionHeuristic,
		}
	}

	w := f.MLWeight
	combined := (1-w)*heuristic.Utility + w*ml.Utility
	decision := combined > 0.5

	reason := FusionConfirmed
	switch {
	case decision && !heuristic.Recommend:
		reason = FusionPromoted
	case !decision && heuristic.Recommend:
		reason = FusionDemoted
	}

	return Fused{
		Recommend:  decision,
		Combined:   combined,
		Confidence: (1-w)*heuristic.Confidence + w*ml.Confidence,
		Reason:     reason,
	}
}
