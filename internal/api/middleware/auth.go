// Package middleware provides HTTP middleware components for the indexpilot admin API.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints defines public endpoints that bypass authentication.
// These endpoints are accessible without admin keys (e.g., K8s health probes, monitoring tools).
//
// Security note: Only health check endpoints should be in this map.
// Never add business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
//
// Security Warning: Never register business logic endpoints as public.
// Public endpoints are accessible without admin keys and should only be used
// for K8s health probes and monitoring tools.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// KeyValidator checks an admin API key against the configured key set.
	//
	// Implementations are expected to compare in constant time internally
	// (storage.AdminKeyStore compares bcrypt hashes) so that validation
	// latency does not leak which keys exist.
	KeyValidator interface {
		Validate(ctx context.Context, key string) bool
	}

	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAdminKey is returned when no admin key is provided in headers.
	ErrMissingAdminKey = errors.New("missing admin key")

	// ErrInvalidAdminKey is returned for invalid admin key format or no match.
	// Generic error prevents enumeration attacks.
	ErrInvalidAdminKey = errors.New("invalid admin key")
)

// extractAdminKey extracts the admin key from request headers.
// It checks the X-Admin-Key header first (primary), then falls back to
// Authorization: Bearer header (secondary).
//
// Returns (key, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects keys containing newlines (header injection prevention)
// - Trims whitespace from keys
// - Case-sensitive "Bearer " prefix check
// - X-Admin-Key takes precedence over Authorization header.
func extractAdminKey(r *http.Request) (string, bool) {
	// Primary: Check X-Admin-Key header
	if adminKey := r.Header.Get("X-Admin-Key"); adminKey != "" {
		return validateKeyValue(adminKey)
	}

	// Secondary: Check Authorization: Bearer header
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Check for "Bearer " prefix (note the space)
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			return validateKeyValue(token)
		}
	}

	return "", false
}

// validateKeyValue validates and cleans an admin key value.
// Returns (cleanedKey, true) if valid, ("", false) otherwise.
//
// Validation rules:
// - Rejects keys containing newlines (\r or \n) for header injection prevention
// - Trims leading/trailing whitespace
// - Rejects empty keys after trimming.
func validateKeyValue(key string) (string, bool) {
	// Security: Reject keys containing newlines (header injection prevention)
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	if key == "" {
		return "", false
	}

	return key, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Timing attack prevention: Perform dummy bcrypt comparison
// to maintain constant time when the key never reaches the store.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// AuthenticateAdmin creates an authentication middleware that validates admin
// API keys and enriches request context with the authenticated client.
//
// The middleware:
// - Extracts admin keys from X-Admin-Key (primary) or Authorization: Bearer (fallback) headers
// - Validates the key against the configured KeyValidator
// - Enriches request context with ClientContext
// - Returns RFC 7807 compliant error responses on failure
//
// Example usage:
//
//	store, _ := storage.NewAdminKeyStore(conn)
//	handler = middleware.AuthenticateAdmin(store, logger)(handler)
func AuthenticateAdmin(validator KeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if this path bypasses authentication (public endpoints)
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			adminKey, found := extractAdminKey(r)
			if !found {
				performDummyBcryptComparison()

				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingAdminKey,
					Message: "Missing admin key",
				})

				return
			}

			if !validator.Validate(r.Context(), adminKey) {
				logger.Error("authentication failed: key rejected",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("failure_type", "key_rejected"),
				)

				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrInvalidAdminKey,
					Message: "Invalid or missing admin key",
				})

				return
			}

			clientCtx := ClientContext{
				KeyFingerprint: MaskKey(adminKey),
				AuthTime:       time.Now(),
			}
			ctx := SetClientContext(r.Context(), clientCtx)

			logger.Info("admin key authenticated",
				slog.String("key", clientCtx.KeyFingerprint),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It logs the failure and answers 401 regardless of the specific error type so
// that responses do not distinguish missing keys from rejected ones.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())
	statusCode := http.StatusUnauthorized

	// Log authentication failure (no sensitive data)
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)

		// Fallback to plain text if writeRFC7807Error fails
		http.Error(w, detail, statusCode)
	}
}
