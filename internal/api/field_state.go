package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// handleGetFieldState serves GET /api/v1/tenants/{tenant}/fields/{table}/{field},
// reporting a field's effective enablement.
//
// With the expression_checks switch off every field reads as enabled; the
// registry is not consulted.
func (s *Server) handleGetFieldState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Field registry is not configured"))

		return
	}

	tenant, table, field, problem := fieldPath(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if !s.deps.Switches.Current().Enabled(switches.ExpressionCheck) {
		s.writeJSON(w, r, http.StatusOK, FieldStateResponse{
			Tenant:         tenant,
			Table:          table,
			Field:          field,
			Enabled:        true,
			ChecksBypassed: true,
		})

		return
	}

	enabled, err := s.deps.Registry.FieldEnabled(r.Context(), tenant, table, field)
	if err != nil {
		if errors.Is(err, storage.ErrFieldNotRegistered) {
			WriteErrorResponse(w, r, s.logger, NotFound("Field is not registered: "+table+"."+field))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, FieldStateResponse{
		Tenant:  tenant,
		Table:   table,
		Field:   field,
		Enabled: enabled,
	})
}

// handleSetFieldState serves POST /api/v1/tenants/{tenant}/fields/{table}/{field},
// flipping a field's enablement and recording the change in the audit trail.
func (s *Server) handleSetFieldState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Field registry is not configured"))

		return
	}

	tenant, table, field, problem := fieldPath(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	var req FieldStateRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := s.deps.Registry.SetFieldEnabled(r.Context(), tenant, table, field, req.Enabled); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	kind := storage.KindEnableField
	if !req.Enabled {
		kind = storage.KindDisableField
	}

	s.audit(r.Context(), &storage.MutationLogEntry{
		Kind:    kind,
		Tenant:  tenant,
		Table:   table,
		Field:   field,
		Details: map[string]any{"source": "admin_api"},
	})

	s.writeJSON(w, r, http.StatusOK, FieldStateResponse{
		Tenant:  tenant,
		Table:   table,
		Field:   field,
		Enabled: req.Enabled,
	})
}

// fieldPath extracts and validates the tenant/table/field path segments.
func fieldPath(r *http.Request) (tenant, table, field string, problem *ProblemDetail) {
	tenant = strings.TrimSpace(r.PathValue("tenant"))
	table = strings.TrimSpace(r.PathValue("table"))
	field = strings.TrimSpace(r.PathValue("field"))

	if tenant == "" || table == "" || field == "" {
		return "", "", "", BadRequest("Tenant, table, and field are all required")
	}

	return tenant, table, field, nil
}
