// Package api provides the HTTP admin and health server for the indexpilot service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/advisor"
	"github.com/indexpilot-io/indexpilot/internal/api/middleware"
	"github.com/indexpilot-io/indexpilot/internal/interceptor"
	"github.com/indexpilot-io/indexpilot/internal/schema"
	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

type (
	// HealthChecker verifies the storage backend is reachable.
	// storage.Connection satisfies this.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// SwitchController is the slice of the switch registry the API needs.
	SwitchController interface {
		Current() *switches.Snapshot
		SetOverride(feature switches.Feature, enabled bool) error
		ClearOverride(feature switches.Feature) error
	}

	// AdvisorService triggers and reports on advisor passes.
	AdvisorService interface {
		Tick(ctx context.Context) (*advisor.TickReport, error)
		LastTick() *advisor.TickReport
	}

	// SchemaService previews and applies column changes.
	SchemaService interface {
		Preview(ctx context.Context, req schema.ChangeRequest) (*schema.Plan, error)
		Apply(ctx context.Context, req schema.ChangeRequest) (*schema.Plan, error)
	}

	// QueryScreen screens queries and exposes the interceptor's counters.
	// *interceptor.Interceptor satisfies it.
	QueryScreen interface {
		Intercept(ctx context.Context, tenant, query string, params []any) (*interceptor.Decision, error)
		Stats() interceptor.Snapshot
	}

	// EventCounter reports how many schema change events were dropped.
	EventCounter interface {
		Dropped() int64
	}

	// FieldRegistry is the genome registry surface the API serves: tenant
	// seeding plus per-field enablement. *storage.Registry satisfies it.
	FieldRegistry interface {
		InitializeTenant(ctx context.Context, tenant string) (int64, error)
		FieldEnabled(ctx context.Context, tenant, table, field string) (bool, error)
		SetFieldEnabled(ctx context.Context, tenant, table, field string, enabled bool) error
	}

	// ExperimentReader serves A/B experiment results.
	// *storage.Experiments satisfies it.
	ExperimentReader interface {
		VariantAverages(ctx context.Context, name string) (map[string]float64, error)
	}

	// AuditSink records admin actions in the mutation log.
	// *storage.MutationLog satisfies it.
	AuditSink interface {
		Append(ctx context.Context, entry *storage.MutationLogEntry) error
	}

	// Dependencies carries everything the server serves or delegates to.
	//
	// Nil fields disable the corresponding surface: a nil Keys disables
	// authentication, a nil RateLimiter disables rate limiting, a nil Advisor
	// or Schema makes those endpoints answer 503, a nil Audit skips admin
	// audit entries, and a nil Interceptor or Events simply omits that
	// section from the status response.
	Dependencies struct {
		Health      HealthChecker
		Switches    SwitchController
		Advisor     AdvisorService
		Schema      SchemaService
		Interceptor QueryScreen
		Events      EventCounter
		Registry    FieldRegistry
		Experiments ExperimentReader
		Audit       AuditSink
		Keys        middleware.KeyValidator
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP admin API server.
	Server struct {
		httpServer *http.Server
		logger     *slog.Logger
		config     *ServerConfig
		startTime  time.Time
		deps       Dependencies
	}
)

// ErrNoSwitches is returned when the server is built without a switch registry.
var ErrNoSwitches = errors.New("switch registry is required")

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Switches == nil {
		return nil, ErrNoSwitches
	}

	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create server instance for route setup
	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	// Log middleware configuration
	if deps.Keys != nil { // pragma: allowlist secret
		logger.Info("Admin key authentication middleware enabled")
	} else {
		logger.Warn("KeyValidator not configured - admin authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Admin Auth - validate admin key and set ClientContext (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAdminAuth(deps.Keys, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Handler exposes the fully wrapped handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// audit appends an admin audit entry best-effort. Admin actions succeed even
// when the audit trail is unavailable; failures are logged.
func (s *Server) audit(ctx context.Context, entry *storage.MutationLogEntry) {
	if s.deps.Audit == nil {
		return
	}

	if err := s.deps.Audit.Append(ctx, entry); err != nil {
		s.logger.Warn("Failed to append audit entry",
			slog.String("kind", string(entry.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("Starting indexpilot admin API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.deps.RateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Rate limiter closed successfully")
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
