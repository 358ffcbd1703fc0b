// Package middleware provides HTTP middleware components for the indexpilot admin API.
package middleware

import (
	"context"
	"strings"
	"time"
)

const (
	maskPrefixLen = 18 // Show "indexpilot_ak_1234"
	maskSuffixLen = 4  // Show last 4 chars
)

// clientContextKey is the context key for authenticated client information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type clientContextKey struct{}

// ClientContext contains authenticated client information enriched in the request
// context by the authentication middleware after successful admin key validation.
type ClientContext struct {
	// KeyFingerprint is the masked admin key, safe for logging and for keying
	// per-client rate limits. The full key never leaves the auth middleware.
	KeyFingerprint string

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// GetClientContext extracts client context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}

// SetClientContext adds client context to the request context.
// Returns a new context with the client context attached.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}

// MaskKey masks an admin key for safe logging, keeping the prefix and the last
// few characters visible: "indexpilot_ak_1234...abcd".
func MaskKey(key string) string {
	if len(key) <= maskPrefixLen+maskSuffixLen {
		return strings.Repeat("*", len(key))
	}

	return key[:maskPrefixLen] + "..." + key[len(key)-maskSuffixLen:]
}
