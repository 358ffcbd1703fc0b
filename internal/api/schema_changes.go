package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/indexpilot-io/indexpilot/internal/schema"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// handleSchemaPreview serves POST /api/v1/schema/preview.
//
// Preview is non-destructive: it validates the change, measures impact, and
// returns the plan with any blocking errors, but never touches the table.
func (s *Server) handleSchemaPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schema == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Schema evolution is not configured"))

		return
	}

	var req SchemaChangeRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	plan, err := s.deps.Schema.Preview(r.Context(), req.toChangeRequest())
	if err != nil {
		s.writeSchemaError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, SchemaChangeResponse{Applied: false, Plan: plan})
}

// handleSchemaApply serves POST /api/v1/schema/apply: preview plus execution,
// with the audit trail and registry updates committed alongside the DDL.
func (s *Server) handleSchemaApply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schema == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Schema evolution is not configured"))

		return
	}

	var req SchemaChangeRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	plan, err := s.deps.Schema.Apply(r.Context(), req.toChangeRequest())
	if err != nil {
		s.writeSchemaError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, SchemaChangeResponse{Applied: true, Plan: plan})
}

// writeSchemaError maps evolver errors onto problem responses: disabled switch
// to 403, blocked changes to 409, other validation failures to 400, and
// everything else to 500.
func (s *Server) writeSchemaError(w http.ResponseWriter, r *http.Request, err error) {
	var disabledErr *switches.DisabledError
	if errors.As(err, &disabledErr) {
		WriteErrorResponse(w, r, s.logger, Forbidden(disabledErr.Error()))

		return
	}

	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		if strings.HasPrefix(validationErr.Message, "change blocked") {
			WriteErrorResponse(w, r, s.logger, Conflict(validationErr.Message))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest(validationErr.Message))

		return
	}

	WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
}
