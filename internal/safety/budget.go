package safety

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Budget types named in BudgetError.
const (
	BudgetTotal  = "total"
	BudgetTenant = "tenant"
)

// Tenant attribution strategies for shared-schema deployments.
const (
	AttributionSharedEven = "shared_even"
	AttributionCatalog    = "catalog"
)

type (
	// SizeReader reads storage totals from the database catalog.
	// *storage.CatalogReader satisfies it.
	SizeReader interface {
		TotalIndexSizeBytes(ctx context.Context) (int64, error)
	}

	// TenantCounter reports how many tenants share the schema, for the
	// shared_even attribution strategy. *storage.Registry satisfies it.
	TenantCounter interface {
		TenantCount(ctx context.Context) (int, error)
	}

	// StorageBudget enforces global and per-tenant storage caps on new
	// indexes.
	StorageBudget struct {
		policy  config.StoragePolicy
		sizes   SizeReader
		tenants TenantCounter
		logger  *slog.Logger
	}

	// BudgetError reports a storage budget rejection.
	BudgetError struct {
		BudgetType string
		CurrentMB  float64
		LimitMB    float64
	}

	// BudgetCheck is the outcome of one storage budget evaluation.
	BudgetCheck struct {
		Allowed      bool
		Warn         bool
		TotalUsedMB  float64
		TenantUsedMB float64
	}
)

// Error implements the error interface.
func (e *BudgetError) Error() string {
	return fmt.Sprintf("storage budget exceeded: type=%s current=%.1fMB limit=%.1fMB",
		e.BudgetType, e.CurrentMB, e.LimitMB)
}

// NewStorageBudget creates the budget checker. tenants may be nil, which
// disables per-tenant attribution (per-tenant checks then see global usage).
func NewStorageBudget(policy config.StoragePolicy, sizes SizeReader, tenants TenantCounter, logger *slog.Logger) *StorageBudget {
	if logger == nil {
		logger = slog.Default()
	}

	return &StorageBudget{policy: policy, sizes: sizes, tenants: tenants, logger: logger}
}

// Check evaluates whether an estimated estMB of new index storage fits the
// budgets. tenant may be empty for untenanted operations. Over the warn
// threshold a warning is flagged but the operation is still allowed.
func (b *StorageBudget) Check(ctx context.Context, tenant string, estMB float64) (*BudgetCheck, error) {
	totalBytes, err := b.sizes.TotalIndexSizeBytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage budget: %w", err)
	}

	check := &BudgetCheck{TotalUsedMB: float64(totalBytes) / (1024 * 1024)}

	maxTotal := float64(b.policy.MaxTotalMB)
	if maxTotal > 0 {
		if check.TotalUsedMB+estMB > maxTotal {
			return check, &BudgetError{BudgetType: BudgetTotal, CurrentMB: check.TotalUsedMB, LimitMB: maxTotal}
		}

		if check.TotalUsedMB/maxTotal > b.policy.WarnThresholdPct {
			check.Warn = true
		}
	}

	if tenant != "" {
		check.TenantUsedMB, err = b.tenantUsage(ctx, check.TotalUsedMB)
		if err != nil {
			return nil, err
		}

		maxTenant := float64(b.policy.MaxPerTenantMB)
		if maxTenant > 0 {
			if check.TenantUsedMB+estMB > maxTenant {
				return check, &BudgetError{BudgetType: BudgetTenant, CurrentMB: check.TenantUsedMB, LimitMB: maxTenant}
			}

			if check.TenantUsedMB/maxTenant > b.policy.WarnThresholdPct {
				check.Warn = true
			}
		}
	}

	check.Allowed = true

	return check, nil
}

// tenantUsage attributes shared catalog totals to one tenant per the
// configured strategy. Shared schemas have no exact per-tenant sizing, so
// shared_even divides the total evenly across registered tenants.
func (b *StorageBudget) tenantUsage(ctx context.Context, totalMB float64) (float64, error) {
	if b.policy.TenantAttribution == AttributionCatalog || b.tenants == nil {
		return totalMB, nil
	}

	count, err := b.tenants.TenantCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage budget: counting tenants: %w", err)
	}

	if count <= 0 {
		return totalMB, nil
	}

	return totalMB / float64(count), nil
}
