package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/events"
	"github.com/indexpilot-io/indexpilot/internal/interceptor"
	"github.com/indexpilot-io/indexpilot/internal/safety"
	"github.com/indexpilot-io/indexpilot/internal/scoring"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

const defaultFlushInterval = 10 * time.Second

// stores bundles every Postgres-backed store built on the shared connection.
type stores struct {
	registry    *storage.Registry
	telemetry   *storage.TelemetryStore
	mutations   *storage.MutationLog
	versions    *storage.IndexVersions
	usage       *storage.UsageStore
	catalog     *storage.CatalogReader
	experiments *storage.Experiments
}

func openStores(conn *storage.Connection, cfg *storage.Config, sw *switches.Switches) (*stores, error) {
	registry, err := storage.NewRegistry(conn)
	if err != nil {
		return nil, err
	}

	telemetryStore, err := storage.NewTelemetryStore(conn, cfg)
	if err != nil {
		return nil, err
	}

	mutations, err := storage.NewMutationLog(conn, sw)
	if err != nil {
		return nil, err
	}

	versions, err := storage.NewIndexVersions(conn)
	if err != nil {
		return nil, err
	}

	usage, err := storage.NewUsageStore(conn)
	if err != nil {
		return nil, err
	}

	catalog, err := storage.NewCatalogReader(conn)
	if err != nil {
		return nil, err
	}

	experiments, err := storage.NewExperiments(conn)
	if err != nil {
		return nil, err
	}

	return &stores{
		registry:    registry,
		telemetry:   telemetryStore,
		mutations:   mutations,
		versions:    versions,
		usage:       usage,
		catalog:     catalog,
		experiments: experiments,
	}, nil
}

// buildGate assembles the production safeguards in front of DDL execution.
func buildGate(policy *config.Policy, s *stores, logger *slog.Logger) *safety.Gate {
	window := safety.NewMaintenanceWindow(
		policy.Safeguards.MaintenanceWindow,
		policy.Features.AutoIndexer.MaxWaitForWindow,
	)

	ddlLimiter := safety.NewLimiter(policy.Features.RateLimiter.IndexCreation)

	// nil meter selects the host CPU counters.
	cpu := safety.NewCPUThrottle(policy.Features.CPUThrottle, nil, logger)

	budget := safety.NewStorageBudget(policy.Storage, s.catalog, s.registry, logger)
	writes := safety.NewWriteGuard(policy.Safeguards.WritePerformance, s.catalog, logger)

	return safety.NewGate(window, ddlLimiter, cpu, budget, writes, s.mutations, logger)
}

// buildEnsemble wires the scorer registry. The boosted-tree model is optional;
// a missing or invalid model file degrades the predictive scorer to its
// historical and pattern methods.
func buildEnsemble(policy *config.Policy, s *stores, logger *slog.Logger) *scoring.Ensemble {
	indexerPolicy := policy.Features.AutoIndexer

	var model *scoring.Model

	if path := config.GetEnvStr("INDEXPILOT_MODEL_PATH", ""); path != "" {
		loaded, err := scoring.LoadModel(path)
		if err != nil {
			logger.Warn("Failed to load scoring model, continuing without it",
				slog.String("path", path),
				slog.String("error", err.Error()))
		} else {
			model = loaded

			logger.Info("Scoring model loaded", slog.String("path", path))
		}
	}

	registry := scoring.NewRegistry(logger)
	registry.Register(scoring.NewCERT(s.catalog, indexerPolicy.MaxErrorPct))
	registry.Register(&scoring.QPG{})
	registry.Register(scoring.NewCortex(s.catalog))
	registry.Register(scoring.NewPredictive(model, s.mutations))
	registry.Register(scoring.NewXGBoost(model))

	heuristic := scoring.NewHeuristic(indexerPolicy)
	fusion := scoring.NewFusion(indexerPolicy.MLWeight)

	return scoring.NewEnsemble(heuristic, registry, fusion, s.usage, logger)
}

// auditFanout appends audit entries to the mutation log and mirrors them to
// Kafka best-effort. The database row is the authoritative copy.
type auditFanout struct {
	log       *storage.MutationLog
	publisher *events.AuditPublisher
}

func (f *auditFanout) Append(ctx context.Context, entry *storage.MutationLogEntry) error {
	if err := f.log.Append(ctx, entry); err != nil {
		return err
	}

	f.publisher.PublishBestEffort(ctx, entry)

	return nil
}

func (f *auditFanout) Close() error {
	return f.publisher.Close()
}

// buildAuditor returns the interceptor's audit sink: the mutation log alone,
// or fanned out to a Kafka topic when AUDIT_KAFKA_BROKERS is set.
func buildAuditor(mutations *storage.MutationLog, logger *slog.Logger) interceptor.Auditor {
	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("AUDIT_KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return mutations
	}

	cfg := events.AuditConfig{
		Brokers: brokers,
		Topic:   config.GetEnvStr("AUDIT_KAFKA_TOPIC", "indexpilot.audit"),
	}

	logger.Info("Kafka audit mirror enabled",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
	)

	return &auditFanout{
		log:       mutations,
		publisher: events.NewAuditPublisher(cfg, logger),
	}
}
