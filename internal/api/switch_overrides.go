package api

import (
	"errors"
	"net/http"

	"github.com/indexpilot-io/indexpilot/internal/storage"
	"github.com/indexpilot-io/indexpilot/internal/switches"
)

// handleSetSwitchOverride serves POST /api/v1/switches/{feature}.
//
// The body carries {"enabled": bool}; the override wins over both the policy
// flag and the system bypass until cleared.
func (s *Server) handleSetSwitchOverride(w http.ResponseWriter, r *http.Request) {
	feature := switches.Feature(r.PathValue("feature"))

	var req SwitchOverrideRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := s.deps.Switches.SetOverride(feature, req.Enabled); err != nil {
		if errors.Is(err, switches.ErrUnknownFeature) {
			WriteErrorResponse(w, r, s.logger, NotFound("Unknown feature: "+string(feature)))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	kind := storage.KindSystemEnable
	if !req.Enabled {
		kind = storage.KindSystemDisable
	}

	s.audit(r.Context(), &storage.MutationLogEntry{
		Kind:     kind,
		Severity: storage.SeverityWarning,
		Details: map[string]any{
			"feature": string(feature),
			"source":  "admin_api",
		},
	})

	s.writeJSON(w, r, http.StatusOK, SwitchOverrideResponse{
		Feature: string(feature),
		Enabled: req.Enabled,
	})
}

// handleClearSwitchOverride serves DELETE /api/v1/switches/{feature}, removing
// any runtime override so the policy flag decides again.
func (s *Server) handleClearSwitchOverride(w http.ResponseWriter, r *http.Request) {
	feature := switches.Feature(r.PathValue("feature"))

	if err := s.deps.Switches.ClearOverride(feature); err != nil {
		if errors.Is(err, switches.ErrUnknownFeature) {
			WriteErrorResponse(w, r, s.logger, NotFound("Unknown feature: "+string(feature)))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.audit(r.Context(), &storage.MutationLogEntry{
		Kind: storage.KindSystemConfigChange,
		Details: map[string]any{
			"feature": string(feature),
			"change":  "override_cleared",
			"source":  "admin_api",
		},
	})

	s.writeJSON(w, r, http.StatusOK, SwitchOverrideResponse{
		Feature: string(feature),
		Enabled: s.deps.Switches.Current().Enabled(feature),
	})
}
