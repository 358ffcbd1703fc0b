// Package scoring implements the candidate-scoring ensemble: a baseline
// cost/benefit heuristic plus pluggable scorers (cardinality validation, plan
// guidance, correlation detection, predictive utility) whose outputs are fused
// into a single recommendation per candidate.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

// IndexType is the kind of index a candidate proposes.
type IndexType string

// Supported index types, ordered roughly by build cost.
const (
	IndexPartial    IndexType = "partial"
	IndexExpression IndexType = "expression"
	IndexBTree      IndexType = "btree"
	IndexHash       IndexType = "hash"
	IndexComposite  IndexType = "composite"
)

// maxScorerPanics is how many panics a scorer may cause before the registry
// stops invoking it for the rest of the process lifetime.
const maxScorerPanics = 3

type (
	// Candidate is a (table, fields, query type) tuple proposed for indexing,
	// carrying the aggregated telemetry that backs it.
	Candidate struct {
		Tenant    string
		Table     string
		Fields    []string
		QueryType storage.QueryType
		IndexType IndexType
		Stats     storage.FieldUsage
	}

	// Context carries the per-candidate facts gathered once before scoring,
	// so individual scorers stay free of catalog I/O where possible.
	Context struct {
		TableRows      int64
		DistinctValues int64
		Selectivity    float64 // distinct/total estimate; 0 when unknown
		ReadWriteRatio float64 // reads / (reads + writes)
		IndexCount     int
		WriteOverhead  float64 // estimated extra write cost, percent
		HorizonQueries int64   // projected query count over the benefit horizon
		CostBenefit    float64 // benefit/build_cost ratio, filled by the ensemble
		Plan           *storage.PlanNode
		AltPlanCosts   []float64 // costs of alternative lookup shapes, for plan diversity
	}

	// Result is one scorer's verdict on one candidate.
	Result struct {
		Algorithm  string
		Utility    float64 // [0, 1]
		Confidence float64 // [0, 1]
		Recommend  bool
		Reason     string
		Factors    map[string]float64
	}

	// Scorer produces a utility/confidence pair for a candidate.
	Scorer interface {
		Name() string
		Score(ctx context.Context, cand *Candidate, sc *Context) (*Result, error)
	}

	// Registry holds the pluggable scorers and quarantines any that panic
	// repeatedly, so one broken scorer cannot take the advisor down.
	Registry struct {
		mu       sync.Mutex
		scorers  []Scorer
		panics   map[string]int
		disabled map[string]bool
		logger   *slog.Logger
	}
)

// FieldKey returns the candidate's field set as a single stable string,
// used for usage rows and DDL mutex keys.
func (c *Candidate) FieldKey() string {
	return strings.Join(c.Fields, ",")
}

// NewRegistry creates a scorer registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		panics:   make(map[string]int),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register appends a scorer. Order is preserved.
func (r *Registry) Register(s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scorers = append(r.scorers, s)
}

// Score invokes every registered scorer on the candidate, recovering from
// panics. A scorer that panics more than maxScorerPanics times is disabled
// for the rest of the process lifetime.
func (r *Registry) Score(ctx context.Context, cand *Candidate, sc *Context) []*Result {
	r.mu.Lock()
	scorers := make([]Scorer, 0, len(r.scorers))
	for _, s := range r.scorers {
		if !r.disabled[s.Name()] {
			scorers = append(scorers, s)
		}
	}
	r.mu.Unlock()

	results := make([]*Result, 0, len(scorers))

	for _, s := range scorers {
		result, err := r.scoreSafely(ctx, s, cand, sc)
		if err != nil {
			r.logger.Warn("scorer failed",
				"algorithm", s.Name(),
				"table", cand.Table,
				"fields", cand.FieldKey(),
				"error", err)

			continue
		}

		results = append(results, result)
	}

	return results
}

// scoreSafely runs one scorer with panic recovery.
func (r *Registry) scoreSafely(ctx context.Context, s Scorer, cand *Candidate, sc *Context) (result *Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scorer %s panicked: %v", s.Name(), recovered)

			r.mu.Lock()
			r.panics[s.Name()]++
			if r.panics[s.Name()] >= maxScorerPanics {
				r.disabled[s.Name()] = true
				r.logger.Error("scorer disabled after repeated panics",
					"algorithm", s.Name(),
					"panics", r.panics[s.Name()])
			}
			r.mu.Unlock()
		}
	}()

	return s.Score(ctx, cand, sc)
}

// clamp01 bounds a score to [0, 1].
func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
