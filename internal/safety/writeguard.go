package safety

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

type (
	// IndexCounter reads the current index count for a table.
	// *storage.CatalogReader satisfies it.
	IndexCounter interface {
		IndexCount(ctx context.Context, table string) (int, error)
	}

	// WriteGuard caps index proliferation per table: every index added
	// slows every write, so past max_indexes_per_table new ones are refused
	// outright.
	WriteGuard struct {
		policy config.WritePolicyLimits
		counts IndexCounter
		logger *slog.Logger
	}

	// WriteGuardCheck is the outcome of one write-ceiling evaluation.
	WriteGuardCheck struct {
		Allowed    bool
		Warn       bool
		IndexCount int
		Reason     string
	}
)

// NewWriteGuard creates the write-performance ceiling check.
func NewWriteGuard(policy config.WritePolicyLimits, counts IndexCounter, logger *slog.Logger) *WriteGuard {
	if logger == nil {
		logger = slog.Default()
	}

	return &WriteGuard{policy: policy, counts: counts, logger: logger}
}

// Check evaluates whether the table can take one more index.
func (g *WriteGuard) Check(ctx context.Context, table string) (*WriteGuardCheck, error) {
	if !g.policy.Enabled {
		return &WriteGuardCheck{Allowed: true, Reason: "write_guard_disabled"}, nil
	}

	count, err := g.counts.IndexCount(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("write guard: %w", err)
	}

	check := &WriteGuardCheck{IndexCount: count}

	if g.policy.MaxIndexesPerTable > 0 && count >= g.policy.MaxIndexesPerTable {
		check.Reason = fmt.Sprintf("table %s already has %d indexes (max %d)",
			table, count, g.policy.MaxIndexesPerTable)

		return check, nil
	}

	check.Allowed = true
	check.Reason = "within_limits"

	if g.policy.WarnIndexesPerTable > 0 && count >= g.policy.WarnIndexesPerTable {
		check.Warn = true

		g.logger.Warn("table approaching index ceiling",
			"table", table,
			"index_count", count,
			"warn_at", g.policy.WarnIndexesPerTable,
			"max", g.policy.MaxIndexesPerTable)
	}

	return check, nil
}
