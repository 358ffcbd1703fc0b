package api

import (
	"net/http"
	"strings"
)

// handleExperimentResults serves GET /api/v1/experiments/{name}/results,
// reporting the mean duration per variant so operators can compare index
// variants offline. An experiment with no recorded results answers 404.
func (s *Server) handleExperimentResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Experiments == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Experiment store is not configured"))

		return
	}

	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment name is required"))

		return
	}

	averages, err := s.deps.Experiments.VariantAverages(r.Context(), name)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	if len(averages) == 0 {
		WriteErrorResponse(w, r, s.logger, NotFound("No results recorded for experiment: "+name))

		return
	}

	s.writeJSON(w, r, http.StatusOK, ExperimentResultsResponse{
		Experiment: name,
		Averages:   averages,
	})
}
