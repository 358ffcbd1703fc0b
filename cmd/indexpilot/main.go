// Package main provides the indexpilot autonomous index advisor service.
//
// The service watches query telemetry, scores index candidates, and builds
// indexes under production safeguards, exposing an admin API for switches,
// schema evolution, and manual advisor ticks.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/indexpilot-io/indexpilot/internal/advisor"
	"github.com/indexpilot-io/indexpilot/internal/api"
	"github.com/indexpilot-io/indexpilot/internal/api/middleware"
	"github.com/indexpilot-io/indexpilot/internal/config"
	"github.com/indexpilot-io/indexpilot/internal/events"
	"github.com/indexpilot-io/indexpilot/internal/executor"
	"github.com/indexpilot-io/indexpilot/internal/interceptor"
	"github.com/indexpilot-io/indexpilot/internal/optimizer"
	"github.com/indexpilot-io/indexpilot/internal/safety"
	"github.com/indexpilot-io/indexpilot/internal/schema"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
	"github.com/indexpilot-io/indexpilot/internal/telemetry"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "indexpilot"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting indexpilot service",
		slog.String("service", name),
		slog.String("version", version),
	)

	policy, err := config.LoadPolicyFromEnv()
	if err != nil {
		logger.Error("Failed to load policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sw := switches.New(policy)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("max_idle_conns", storageConfig.MaxIdleConns),
	)

	stores, err := openStores(conn, storageConfig, sw)
	if err != nil {
		logger.Error("Failed to initialize stores", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !policy.Bypass.Startup.SkipInitialization {
		// Fail fast when the schema has not been migrated yet.
		tenants, err := stores.registry.TenantCount(context.Background())
		if err != nil {
			logger.Error("Startup schema check failed; run the migrator first",
				slog.String("error", err.Error()))
			_ = conn.Close()
			os.Exit(1) //nolint:gocritic // defers already handled explicitly
		}

		logger.Info("Startup schema check passed", slog.Int("tenants", tenants))
	}

	bus := events.NewBus(logger)

	auditor := buildAuditor(stores.mutations, logger)

	flushInterval := config.GetEnvDuration("TELEMETRY_FLUSH_INTERVAL", defaultFlushInterval)
	buffer := telemetry.NewBuffer(stores.telemetry, sw, logger, flushInterval)

	var feed *telemetry.KafkaFeed

	feedConfig := telemetry.LoadFeedConfig()
	if len(feedConfig.Brokers) > 0 {
		feed = telemetry.NewKafkaFeed(feedConfig, buffer, logger)

		logger.Info("Kafka telemetry feed started",
			slog.Any("brokers", feedConfig.Brokers),
			slog.String("topic", feedConfig.Topic),
		)
	}

	queryLimiter := safety.NewLimiter(policy.Features.RateLimiter.Query)

	itc, err := interceptor.NewInterceptor(
		policy.Features.QueryInterceptor, stores.catalog, sw, auditor, queryLimiter, logger)
	if err != nil {
		logger.Error("Failed to create interceptor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	itc.WatchSchemaChanges(bus.Subscribe())

	gate := buildGate(policy, stores, logger)

	opt := optimizer.New(policy.Storage, policy.Safeguards.WritePerformance,
		policy.Safeguards.TenantLimits, policy.Features.AutoIndexer.MinImprovementPct,
		sw, logger)

	exec := executor.New(conn, stores.versions, stores.mutations, stores.usage,
		bus, sw, policy.Features.Retry, logger)

	evolver := schema.New(conn, stores.catalog, stores.telemetry, stores.registry,
		stores.mutations, sw, bus, policy.Features.Retry, logger)
	evolver.WatchSchemaChanges(bus.Subscribe())

	ensemble := buildEnsemble(policy, stores, logger)

	generator := advisor.NewGenerator(stores.telemetry, stores.catalog,
		policy.Features.AutoIndexer, logger)

	adv := advisor.New(generator, ensemble, opt, gate, exec,
		stores.telemetry, stores.catalog, stores.versions, stores.registry,
		sw, policy.Features.AutoIndexer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adv.Run(ctx)

	var keyStore middleware.KeyValidator

	if config.GetEnvBool("INDEXPILOT_AUTH_ENABLED", false) {
		adminKeys, err := storage.NewAdminKeyStore(conn)
		if err != nil {
			logger.Error("Failed to create admin key store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		keyStore = adminKeys

		logger.Info("Admin API authentication enabled")
	} else {
		logger.Warn("Admin API authentication disabled",
			slog.String("note", "Set INDEXPILOT_AUTH_ENABLED=true to require admin keys"),
		)
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Health:      conn,
		Switches:    sw,
		Advisor:     adv,
		Schema:      evolver,
		Interceptor: itc,
		Events:      bus,
		Registry:    stores.registry,
		Experiments: stores.experiments,
		Audit:       auditor,
		Keys:        keyStore,
		RateLimiter: rateLimiter,
	})
	if err != nil {
		logger.Error("Failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Stop producers before flushing the buffer so no samples are lost.
	cancel()
	adv.Close()
	itc.Close()

	if feed != nil {
		_ = feed.Close()
	}

	_ = buffer.Close()
	_ = stores.telemetry.Close()
	bus.Close()

	if closer, ok := auditor.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	logger.Info("indexpilot service stopped")
}
