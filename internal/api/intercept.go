package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/indexpilot-io/indexpilot/internal/interceptor"
)

// handleIntercept serves POST /api/v1/intercept. Application gateways submit
// a query here before executing it; the response says whether it may run.
//
// A screened-out query is a successful screening, so blocked queries answer
// 200 with allowed=false rather than an error status.
func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	if s.deps.Interceptor == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Query interceptor is not configured"))

		return
	}

	var req InterceptRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if strings.TrimSpace(req.Query) == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Query is required"))

		return
	}

	decision, err := s.deps.Interceptor.Intercept(r.Context(), req.Tenant, req.Query, req.Params)
	if err != nil {
		var blocked *interceptor.BlockedError
		if errors.As(err, &blocked) {
			resp := InterceptResponse{Reason: blocked.Reason}
			if blocked.RetryAfter > 0 {
				resp.RetryAfter = blocked.RetryAfter.String()
			}

			s.writeJSON(w, r, http.StatusOK, resp)

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, InterceptResponse{
		Allowed:     true,
		Verdict:     string(decision.Verdict),
		SafetyScore: decision.SafetyScore,
		Bypassed:    decision.Bypassed,
		CacheHit:    decision.CacheHit,
	})
}
