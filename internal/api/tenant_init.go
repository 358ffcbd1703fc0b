package api

import (
	"net/http"
	"strings"

	"github.com/indexpilot-io/indexpilot/internal/storage"
)

// handleInitializeTenant serves POST /api/v1/tenants/{tenant}/initialize,
// seeding the genome registry with the indexable field profiles for a new
// tenant. Re-running for an existing tenant is a no-op upsert.
func (s *Server) handleInitializeTenant(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Tenant registry is not configured"))

		return
	}

	tenant := strings.TrimSpace(r.PathValue("tenant"))
	if tenant == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Tenant identifier is required"))

		return
	}

	seeded, err := s.deps.Registry.InitializeTenant(r.Context(), tenant)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.audit(r.Context(), &storage.MutationLogEntry{
		Kind:   storage.KindInitializeTenant,
		Tenant: tenant,
		Details: map[string]any{
			"fields_seeded": seeded,
			"source":        "admin_api",
		},
	})

	s.writeJSON(w, r, http.StatusOK, TenantInitResponse{
		Tenant:       tenant,
		FieldsSeeded: seeded,
	})
}
