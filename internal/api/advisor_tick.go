package api

import (
	"errors"
	"net/http"

	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// handleAdvisorTick serves POST /api/v1/advisor/tick, running one advisor pass
// synchronously and returning its report. The manual trigger goes through the
// same path as the scheduled loop, switches included.
func (s *Server) handleAdvisorTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Advisor == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Advisor is not configured"))

		return
	}

	report, err := s.deps.Advisor.Tick(r.Context())
	if err != nil {
		var disabledErr *switches.DisabledError
		if errors.As(err, &disabledErr) {
			WriteErrorResponse(w, r, s.logger, Forbidden(disabledErr.Error()))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, report)
}
