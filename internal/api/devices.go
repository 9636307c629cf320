package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// maxQueryParamLen limits query parameter length.
	maxQueryParamLen = 100

	// maxDeviceIDLen bounds the decoded device URL.
	maxDeviceIDLen = 256
)

// setPollIntervalRequest is the body of PUT /poll-interval.
type setPollIntervalRequest struct {
	Seconds float64 `json:"seconds"`
}

// handleListDevices returns the committed devices, with optional filters.
//
// Query parameters:
//   - ui_class: filter by UI class (RollerShutter, Light, ...)
//   - widget: filter by widget
//   - available: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uiClass := q.Get("ui_class")
	widget := q.Get("widget")
	if len(uiClass) > maxQueryParamLen || len(widget) > maxQueryParamLen {
		writeBadRequest(w, "filter exceeds maximum length")
		return
	}

	var available *bool
	if raw := q.Get("available"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "available must be true or false")
			return
		}
		available = &v
	}

	all := s.coordinator.Devices()
	devices := make([]*device.Device, 0, len(all))
	for _, d := range all {
		if uiClass != "" && d.UIClass != uiClass {
			continue
		}
		if widget != "" && d.Widget != widget {
			continue
		}
		if available != nil && d.Available != *available {
			continue
		}
		devices = append(devices, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single committed device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	d, err := s.coordinator.Device(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// handleGetDeviceHistory returns recorded state snapshots for a device,
// newest first. History outlives the device, so unknown IDs are not a 404.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if s.history == nil {
		writeUnavailable(w, "state history unavailable")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to load device history", "device_url", id, "error", err)
		writeInternalError(w, "failed to load device history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"history":   entries,
		"count":     len(entries),
	})
}

// handleListExecutions returns the executions the gateway reported as in
// flight and whether a full state refresh is outstanding.
func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	executions := s.coordinator.Executions()
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
		"refreshing": s.coordinator.RefreshInProgress(),
	})
}

// handleRefresh asks the gateway for a full state refresh and runs the
// following cycle before answering.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RequestManualRefresh(r.Context()); err != nil {
		var failed *coordinator.UpdateFailedError
		switch {
		case errors.Is(err, coordinator.ErrNotSetUp):
			writeUnavailable(w, "coordinator not set up")
		case errors.As(err, &failed):
			writeError(w, http.StatusBadGateway, ErrCodeGateway, failed.Error())
		default:
			s.logger.Error("manual refresh failed", "error", err)
			writeInternalError(w, "refresh failed")
		}
		return
	}

	s.auditLog(audit.ActionRefresh, "", audit.SourceAPI, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "refreshed",
		"refreshing":            s.coordinator.RefreshInProgress(),
		"poll_interval_seconds": s.coordinator.PollInterval().Seconds(),
	})
}

// handleGetPollInterval returns the current poll interval.
func (s *Server) handleGetPollInterval(w http.ResponseWriter, _ *http.Request) {
	s.writePollInterval(w)
}

// handleSetPollInterval overrides the poll interval until the scheduler
// next changes mode.
func (s *Server) handleSetPollInterval(w http.ResponseWriter, r *http.Request) {
	var req setPollIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, err := coordinator.IntervalFromSeconds(req.Seconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err := s.coordinator.SetPollInterval(d); err != nil {
		if errors.Is(err, coordinator.ErrInvalidInterval) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		writeInternalError(w, "failed to set poll interval")
		return
	}

	s.logger.Info("poll interval overridden", "interval", d)
	s.auditLog(audit.ActionPollIntervalSet, "", audit.SourceAPI, map[string]any{"seconds": req.Seconds})
	s.writePollInterval(w)
}

// handleRestorePollInterval returns to the default poll interval.
func (s *Server) handleRestorePollInterval(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.RestorePollInterval()
	s.auditLog(audit.ActionPollIntervalRestore, "", audit.SourceAPI, nil)
	s.writePollInterval(w)
}

func (s *Server) writePollInterval(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"poll_interval_seconds": s.coordinator.PollInterval().Seconds(),
	})
}

// deviceIDParam decodes the {id} path parameter into a device URL.
func deviceIDParam(r *http.Request) (string, error) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		return "", fmt.Errorf("invalid device ID")
	}
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxDeviceIDLen {
		return "", fmt.Errorf("invalid device ID")
	}
	return id, nil
}

// parseHistoryLimit parses the limit query parameter with defaults.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}
