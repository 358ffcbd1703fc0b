package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrModelInvalid is returned when a model file fails structural validation.
var ErrModelInvalid = errors.New("invalid model file")

type (
	// modelNode is one node of a regression tree. Leaf nodes carry a value;
	// split nodes carry a feature index, threshold, and child positions.
	modelNode struct {
		Feature   int      `json:"feature"`
		Threshold float64  `json:"threshold"`
		Left      int      `json:"left"`
		Right     int      `json:"right"`
		Leaf      *float64 `json:"leaf,omitempty"`
	}

	modelTree struct {
		Nodes []modelNode `json:"nodes"`
	}

	// Model is a gradient-boosted tree ensemble loaded from a JSON export.
	// Prediction sums the selected leaf of every tree onto the base score
	// and squashes through a sigmoid into [0, 1].
	Model struct {
		Trees        []modelTree `json:"trees"`
		BaseScore    float64     `json:"base_score"`
		Confidence   float64     `json:"confidence"`
		FeatureCount int         `json:"feature_count"`
	}
)

// LoadModel reads a boosted-tree model from a JSON file. A missing file is an
// error the caller should treat as "run without a model".
func LoadModel(path string) (*Model, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelInvalid, err)
	}

	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("%w: no trees", ErrModelInvalid)
	}

	for ti, tree := range m.Trees {
		for ni, node := range tree.Nodes {
			if node.Leaf != nil {
				continue
			}

			if node.Feature < 0 || node.Feature >= m.FeatureCount {
				return nil, fmt.Errorf("%w: tree %d node %d references feature %d of %d",
					ErrModelInvalid, ti, ni, node.Feature, m.FeatureCount)
			}

			if node.Left < 0 || node.Left >= len(tree.Nodes) ||
				node.Right < 0 || node.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("%w: tree %d node %d has out-of-range children",
					ErrModelInvalid, ti, ni)
			}
		}
	}

	return &m, nil
}

// Loaded reports whether the model can make predictions.
func (m *Model) Loaded() bool {
	return m != nil && len(m.Trees) > 0
}

// Predict runs the feature vector through every tree and returns a utility
// in [0, 1].
func (m *Model) Predict(features []float64) float64 {
	sum := m.BaseScore

	for _, tree := range m.Trees {
		sum += tree.evaluate(features)
	}

	return sigmoid(sum)
}

func (t *modelTree) evaluate(features []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}

	idx := 0

	// Node graphs are validated at load time, but cap traversal anyway so a
	// cyclic graph cannot spin forever.
	for steps := 0; steps < len(t.Nodes)+1; steps++ {
		node := t.Nodes[idx]

		if node.Leaf != nil {
			return *node.Leaf
		}

		if node.Feature >= len(features) {
			return 0
		}

		if features[node.Feature] < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}

	return 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// XGBoost reports the boosted-tree model's opinion under its own algorithm
// name. Predictive folds the model into a preference chain with history and
// pattern scoring; this scorer keeps the model's output unblended so its
// accuracy can be tracked separately. Without a loaded model it degrades to
// the pattern blend at reduced confidence.
type XGBoost struct {
	model *Model // nil when no model is loaded
}

// NewXGBoost creates the model-backed scorer. model may be nil.
func NewXGBoost(model *Model) *XGBoost {
	return &XGBoost{model: model}
}

// Name implements Scorer.
func (x *XGBoost) Name() string { return "xgboost" }

// Score implements Scorer.
func (x *XGBoost) Score(_ context.Context, cand *Candidate, sc *Context) (*Result, error) {
	utility := patternScore(cand, sc)
	confidence := 0.4
	method := methodPattern

	if x.model.Loaded() {
		utility = x.model.Predict(featureVector(cand, sc))
		confidence = x.model.Confidence
		method = methodModel
	}

	return &Result{
		Algorithm:  x.Name(),
		Utility:    utility,
		Confidence: confidence,
		Recommend:  utility > 0.5,
		Reason:     method,
		Factors: map[string]float64{
			"cost_benefit": sc.CostBenefit,
			"selectivity":  sc.Selectivity,
		},
	}, nil
}
