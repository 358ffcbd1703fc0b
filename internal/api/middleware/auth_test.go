package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	valid map[string]bool
}

func (v *fakeValidator) Validate(_ context.Context, key string) bool {
	return v.valid[key]
}

func newAuthHandler(t *testing.T, validator KeyValidator) (http.Handler, *ClientContext) {
	t.Helper()

	var captured ClientContext

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if clientCtx, ok := GetClientContext(r.Context()); ok {
			captured = clientCtx
		}

		w.WriteHeader(http.StatusOK)
	})

	logger := slog.New(slog.DiscardHandler)

	return AuthenticateAdmin(validator, logger)(next), &captured
}

func TestAuthenticateAdminValidKey(t *testing.T) {
	key := "indexpilot_ak_0123456789abcdef0123456789abcdef"
	validator := &fakeValidator{valid: map[string]bool{key: true}}
	handler, captured := newAuthHandler(t, validator)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Admin-Key", key)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MaskKey(key), captured.KeyFingerprint)
	assert.False(t, captured.AuthTime.IsZero())
}

func TestAuthenticateAdminBearerFallback(t *testing.T) {
	key := "indexpilot_ak_0123456789abcdef0123456789abcdef"
	validator := &fakeValidator{valid: map[string]bool{key: true}}
	handler, _ := newAuthHandler(t, validator)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+key)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateAdminMissingKey(t *testing.T) {
	handler, _ := newAuthHandler(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://indexpilot.io/problems/401")
}

func TestAuthenticateAdminRejectedKey(t *testing.T) {
	handler, captured := newAuthHandler(t, &fakeValidator{valid: map[string]bool{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Admin-Key", "indexpilot_ak_wrong")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, captured.KeyFingerprint)
}

func TestAuthenticateAdminPublicEndpointBypass(t *testing.T) {
	RegisterPublicEndpoint("/ping-auth-bypass")

	handler, _ := newAuthHandler(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/ping-auth-bypass", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractAdminKey(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		value     string
		wantKey   string
		wantFound bool
	}{
		{
			name:      "x-admin-key header",
			header:    "X-Admin-Key",
			value:     "indexpilot_ak_abc",
			wantKey:   "indexpilot_ak_abc",
			wantFound: true,
		},
		{
			name:      "whitespace trimmed",
			header:    "X-Admin-Key",
			value:     "  indexpilot_ak_abc  ",
			wantKey:   "indexpilot_ak_abc",
			wantFound: true,
		},
		{
			name:      "newline rejected",
			header:    "X-Admin-Key",
			value:     "indexpilot_ak_abc\nX-Evil: 1",
			wantKey:   "",
			wantFound: false,
		},
		{
			name:      "bearer token",
			header:    "Authorization",
			value:     "Bearer indexpilot_ak_abc",
			wantKey:   "indexpilot_ak_abc",
			wantFound: true,
		},
		{
			name:      "authorization without bearer prefix",
			header:    "Authorization",
			value:     "Basic dXNlcjpwYXNz",
			wantKey:   "",
			wantFound: false,
		},
		{
			name:      "no headers",
			wantKey:   "",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				// Set directly to bypass net/http header sanitization,
				// matching what a raw connection could deliver.
				req.Header[tt.header] = []string{tt.value}
			}

			key, found := extractAdminKey(req)

			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestMaskKey(t *testing.T) {
	long := "indexpilot_ak_0123456789abcdef0123456789abcdef"
	masked := MaskKey(long)

	assert.Equal(t, "indexpilot_ak_0123...cdef", masked)
	assert.NotContains(t, masked, long[18:len(long)-4])

	assert.Equal(t, "*****", MaskKey("short"))
}
