package advisor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/scoring"
	"github.com/indexpilot-io/indexpilot/internal/storage"
)

type (
	// TelemetryReader is the slice of the stats store the advisor consumes.
	// *storage.TelemetryStore satisfies it.
	TelemetryReader interface {
		AggregateWindow(ctx context.Context, window time.Duration, minCount int) ([]storage.FieldUsage, error)
		ReadWriteRatio(ctx context.Context, table string, window time.Duration) (float64, error)
	}

	// IndexLister answers whether a candidate is already covered.
	IndexLister interface {
		HasEquivalentIndex(ctx context.Context, table string, columns []string) (bool, error)
	}

	// Generator turns the telemetry window into an ordered candidate list.
	Generator struct {
		telemetry TelemetryReader
		catalog   IndexLister
		policy    config.AutoIndexerPolicy
		logger    *slog.Logger
	}
)

// NewGenerator builds a candidate generator.
func NewGenerator(telemetry TelemetryReader, catalog IndexLister,
	policy config.AutoIndexerPolicy, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{
		telemetry: telemetry,
		catalog:   catalog,
		policy:    policy,
		logger:    logger.With("component", "advisor"),
	}
}

// Candidates aggregates the trailing window and derives one candidate per
// (table, field, query type) tuple above the frequency threshold, excluding
// tuples already covered by an equivalent index.
//
// Output order is deterministic for a fixed telemetry snapshot: count
// descending, then p95 descending, then table and field ascending.
func (g *Generator) Candidates(ctx context.Context) ([]scoring.Candidate, error) {
	window := time.Duration(g.policy.WindowHours) * time.Hour

	usages, err := g.telemetry.AggregateWindow(ctx, window, g.policy.MinQueryThreshold)
	if err != nil {
		return nil, err
	}

	candidates := make([]scoring.Candidate, 0, len(usages))

	for _, usage := range usages {
		if usage.Field == "" {
			continue
		}

		covered, err := g.catalog.HasEquivalentIndex(ctx, usage.Table, []string{usage.Field})
		if err != nil {
			// Keep the candidate: a duplicate build is harmless under
			// IF NOT EXISTS, a silently dropped candidate is not.
			g.logger.Warn("equivalent-index check failed, keeping candidate",
				"table", usage.Table,
				"field", usage.Field,
				"error", err)
		} else if covered {
			continue
		}

		candidates = append(candidates, scoring.Candidate{
			Table:     usage.Table,
			Fields:    []string{usage.Field},
			QueryType: usage.Type,
			IndexType: scoring.IndexBTree,
			Stats:     usage,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Stats, candidates[j].Stats

		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.P95Ms != b.P95Ms {
			return a.P95Ms > b.P95Ms
		}
		if candidates[i].Table != candidates[j].Table {
			return candidates[i].Table < candidates[j].Table
		}

		return candidates[i].FieldKey() < candidates[j].FieldKey()
	})

	return candidates, nil
}
