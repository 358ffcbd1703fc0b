// Package middleware provides HTTP middleware components for the indexpilot admin API.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option wraps a handler with one middleware layer.
type Option func(http.Handler) http.Handler

// noop leaves the handler untouched. Options whose dependency is not
// configured return it so callers can list every option unconditionally.
func noop(next http.Handler) http.Handler { return next }

// Apply wraps handler with the given options. The first option ends up
// outermost, so requests flow through the options in listing order:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAdminAuth(store, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Wrap back to front; the last wrap wins the outermost position.
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID tags each request with a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts handler panics into 500 responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAdminAuth requires a valid admin key on every request.
// A nil validator disables authentication entirely.
func WithAdminAuth(validator KeyValidator, logger *slog.Logger) Option {
	if validator == nil {
		return noop
	}

	return AuthenticateAdmin(validator, logger)
}

// WithRateLimit rejects requests over the per-client budget.
// A nil limiter disables rate limiting entirely.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return noop
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs every request and its outcome.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS answers preflight requests and stamps CORS headers.
func WithCORS(config CORSConfigProvider) Option {
	return CORS(config)
}
