// Package middleware provides HTTP middleware components for the indexpilot admin API.
package middleware

import (
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-client: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without a client ID
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 50
	ClientRPS int // Default: 20
	UnAuthRPS int // Default: 5

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes clients idle >1 hour
// Default max clients: 100 (admin keys are a small set).
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS: config.GetEnvInt("INDEXPILOT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("INDEXPILOT_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("INDEXPILOT_UNAUTH_RPS", defaultUnAuthRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst: config.GetEnvInt("INDEXPILOT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("INDEXPILOT_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("INDEXPILOT_UNAUTH_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"INDEXPILOT_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("INDEXPILOT_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("INDEXPILOT_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
