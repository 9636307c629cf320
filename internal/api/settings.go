package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
)

// updateSettingsRequest is the body of PUT /settings. Omitted fields keep
// their current value.
type updateSettingsRequest struct {
	UpdateIntervalSeconds       *float64 `json:"update_interval_seconds"`
	RefreshStateIntervalSeconds *float64 `json:"refresh_state_interval_seconds"`
}

// handleGetSettings returns the polling settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeUnavailable(w, "polling settings unavailable")
		return
	}
	s.writeSettings(w)
}

// handleUpdateSettings changes the default poll interval and/or the full
// state refresh interval. A new default interval runs one cycle before the
// response is written.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeUnavailable(w, "polling settings unavailable")
		return
	}

	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var next coordinator.Settings
	details := map[string]any{}
	if req.UpdateIntervalSeconds != nil {
		d, err := coordinator.IntervalFromSeconds(*req.UpdateIntervalSeconds)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		next.UpdateInterval = d
		details["update_interval_seconds"] = *req.UpdateIntervalSeconds
	}
	if req.RefreshStateIntervalSeconds != nil {
		d, err := coordinator.IntervalFromSeconds(*req.RefreshStateIntervalSeconds)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		next.RefreshInterval = d
		details["refresh_state_interval_seconds"] = *req.RefreshStateIntervalSeconds
	}

	if err := s.settings.ApplySettings(r.Context(), next); err != nil {
		if errors.Is(err, coordinator.ErrInvalidInterval) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("failed to apply polling settings", "error", err)
		writeInternalError(w, "failed to apply settings")
		return
	}

	s.auditLog(audit.ActionSettingsUpdate, "", audit.SourceAPI, details)
	s.writeSettings(w)
}

func (s *Server) writeSettings(w http.ResponseWriter) {
	current := s.settings.Settings()
	refresh := current.RefreshInterval
	if refresh < 0 {
		refresh = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"update_interval_seconds":        current.UpdateInterval.Seconds(),
		"refresh_state_interval_seconds": refresh.Seconds(),
		"poll_interval_seconds":          s.coordinator.PollInterval().Seconds(),
	})
}
