package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

// Gate check names, reported in decisions and audit details.
const (
	CheckWindow    = "maintenance_window"
	CheckRateLimit = "rate_limit"
	CheckCPU       = "cpu_throttle"
	CheckStorage   = "storage_budget"
	CheckWrites    = "write_ceiling"
)

type (
	// Auditor records gate refusals. *storage.MutationLog satisfies it.
	Auditor interface {
		Append(ctx context.Context, entry *storage.MutationLogEntry) error
	}

	// Decision is the gate's verdict on one proposed DDL operation.
	Decision struct {
		Allowed      bool
		FailedCheck  string // empty when allowed
		Reason       string
		SecondsUntil int64         // window refusals: seconds until it opens
		RetryAfter   time.Duration // rate-limit refusals
		Warnings     []string
	}

	// Gate runs every safety check in front of DDL execution, in fixed
	// order: maintenance window, rate limit, CPU throttle, storage budget,
	// write ceiling. The first refusal wins; every refusal is audited.
	Gate struct {
		window  *MaintenanceWindow
		limiter *Limiter
		cpu     *CPUThrottle
		budget  *StorageBudget
		writes  *WriteGuard
		audit   Auditor
		logger  *slog.Logger

		now func() time.Time // test hook
	}

	// Request describes the DDL operation seeking admission.
	Request struct {
		Tenant    string
		Table     string
		Field     string
		EstSizeMB float64
		LimitKey  string // rate-limit key; defaults to the tenant
	}
)

// NewGate assembles the safety gate. Any component may be nil, which skips
// that check; audit may be nil to disable refusal auditing.
func NewGate(window *MaintenanceWindow, limiter *Limiter, cpu *CPUThrottle,
	budget *StorageBudget, writes *WriteGuard, audit Auditor, logger *slog.Logger,
) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		window:  window,
		limiter: limiter,
		cpu:     cpu,
		budget:  budget,
		writes:  writes,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
	}
}

// Admit runs every configured check against the request.
func (g *Gate) Admit(ctx context.Context, req Request) (*Decision, error) {
	decision := &Decision{}

	if g.window != nil {
		wd := g.window.Check(g.now())
		if !wd.Allowed {
			decision.FailedCheck = CheckWindow
			decision.Reason = wd.Reason
			decision.SecondsUntil = wd.SecondsUntil

			g.refuse(ctx, req, decision, storage.SeverityInfo)

			return decision, nil
		}
	}

	if g.limiter != nil {
		key := req.LimitKey
		if key == "" {
			key = req.Tenant
		}
		if key == "" {
			key = "default"
		}

		if ok, retryAfter := g.limiter.Allow(key, 1); !ok {
			decision.FailedCheck = CheckRateLimit
			decision.Reason = "index_creation_rate_limited"
			decision.RetryAfter = retryAfter

			g.refuseWithKind(ctx, req, decision, storage.KindRateLimitExceeded, storage.SeverityWarning)

			return decision, nil
		}
	}

	if g.cpu != nil {
		td := g.cpu.Check(ctx)
		if !td.Allowed {
			// Spend the configured cooldown budget before refusing; a build
			// slot is worth waiting out a short load spike.
			if err := g.cpu.Wait(ctx); err != nil {
				decision.FailedCheck = CheckCPU
				decision.Reason = err.Error()

				g.refuse(ctx, req, decision, storage.SeverityInfo)

				return decision, nil
			}
		}
	}

	if g.budget != nil {
		check, err := g.budget.Check(ctx, req.Tenant, req.EstSizeMB)

		var budgetErr *BudgetError
		if errors.As(err, &budgetErr) {
			decision.FailedCheck = CheckStorage
			decision.Reason = budgetErr.Error()

			g.refuse(ctx, req, decision, storage.SeverityWarning)

			return decision, nil
		}
		if err != nil {
			return nil, fmt.Errorf("safety gate: %w", err)
		}

		if check.Warn {
			decision.Warnings = append(decision.Warnings, "storage_budget_near_limit")
		}
	}

	if g.writes != nil {
		check, err := g.writes.Check(ctx, req.Table)
		if err != nil {
			return nil, fmt.Errorf("safety gate: %w", err)
		}

		if !check.Allowed {
			decision.FailedCheck = CheckWrites
			decision.Reason = check.Reason

			g.refuse(ctx, req, decision, storage.SeverityWarning)

			return decision, nil
		}

		if check.Warn {
			decision.Warnings = append(decision.Warnings, "index_count_near_ceiling")
		}
	}

	decision.Allowed = true

	return decision, nil
}

func (g *Gate) refuse(ctx context.Context, req Request, decision *Decision, severity storage.Severity) {
	g.refuseWithKind(ctx, req, decision, storage.KindIndexCreateFailed, severity)
}

// refuseWithKind logs and audits a refusal. Audit failures are logged, not
// propagated: a refusal stands regardless.
func (g *Gate) refuseWithKind(ctx context.Context, req Request, decision *Decision,
	kind storage.MutationKind, severity storage.Severity,
) {
	g.logger.Info("safety gate refused operation",
		"check", decision.FailedCheck,
		"reason", decision.Reason,
		"table", req.Table,
		"field", req.Field,
		"tenant", req.Tenant)

	if g.audit == nil {
		return
	}

	entry := &storage.MutationLogEntry{
		Tenant:   req.Tenant,
		Kind:     kind,
		Table:    req.Table,
		Field:    req.Field,
		Severity: severity,
		Details: map[string]any{
			"gate_check":    decision.FailedCheck,
			"reason":        decision.Reason,
			"seconds_until": decision.SecondsUntil,
			"retry_after":   decision.RetryAfter.String(),
		},
	}

	if err := g.audit.Append(ctx, entry); err != nil {
		g.logger.Error("failed to audit gate refusal",
			"check", decision.FailedCheck,
			"error", err)
	}
}
