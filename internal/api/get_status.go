package api

import (
	"net/http"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// handleStatus serves GET /api/v1/status: one snapshot covering the runtime
// switches, the query interceptor's counters, the advisor's last pass, and the
// event bus drop count. Sections whose subsystem is not wired are omitted.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Switches.Current()

	features := make(map[string]bool, len(switches.AllFeatures))
	for _, feature := range switches.AllFeatures {
		features[string(feature)] = snapshot.Enabled(feature)
	}

	overrides := make(map[string]bool, len(snapshot.Overrides))
	for feature, enabled := range snapshot.Overrides {
		overrides[string(feature)] = enabled
	}

	status := StatusResponse{
		Service: serviceName,
		Version: serviceVersion,
		Switches: SwitchesStatus{
			SystemBypass: snapshot.SystemBypass,
			Features:     features,
			Overrides:    overrides,
		},
	}

	if !s.startTime.IsZero() {
		status.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	if s.deps.Interceptor != nil {
		stats := s.deps.Interceptor.Stats()
		status.Interceptor = &stats
	}

	if s.deps.Advisor != nil {
		status.Advisor = s.deps.Advisor.LastTick()
	}

	if s.deps.Events != nil {
		status.EventsDropped = s.deps.Events.Dropped()
	}

	s.writeJSON(w, r, http.StatusOK, status)
}
