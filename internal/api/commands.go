package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
)

// handleExecuteCommand sends one command to a device.
//
// The gateway runs commands asynchronously; the response carries the
// execution ID, which is listed under /executions once registered.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var cmd gateway.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	execID, err := s.coordinator.ExecuteCommand(r.Context(), id, cmd)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidCommand):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, coordinator.ErrNotSetUp):
			writeUnavailable(w, "coordinator not set up")
		default:
			s.logger.Error("command failed", "device_url", id, "command", cmd.Name, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeGateway, err.Error())
		}
		return
	}

	s.auditLog(audit.ActionCommand, id, audit.SourceAPI, map[string]any{
		"command": cmd.Name,
		"exec_id": execID,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"command":   cmd.Name,
		"exec_id":   execID,
	})
}
