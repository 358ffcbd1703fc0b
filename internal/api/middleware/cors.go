// Package middleware provides HTTP middleware components for the indexpilot admin API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfigProvider exposes CORS settings to the middleware without importing
// the api package. The concrete type lives in internal/api/config.go.
type CORSConfigProvider interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS stamps the configured cross-origin headers on every response and
// answers OPTIONS preflights with 204 before they reach a handler.
func CORS(config CORSConfigProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if origin := resolveOrigin(r, config.GetAllowedOrigins()); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if methods := config.GetAllowedMethods(); len(methods) > 0 {
				h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			}
			if headers := config.GetAllowedHeaders(); len(headers) > 0 {
				h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			}
			if maxAge := config.GetMaxAge(); maxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolveOrigin picks the Allow-Origin value for the request. A lone "*"
// allows everyone; otherwise the request's Origin must match the list
// exactly, and an empty return means no header is set.
func resolveOrigin(r *http.Request, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}

	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	origin := r.Header.Get("Origin")
	for _, candidate := range allowed {
		if origin == candidate {
			return origin
		}
	}

	return ""
}
