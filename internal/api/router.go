package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			// {id} is the path-escaped device URL (io:%2F%2F1234%2F1).
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleGetDeviceHistory)
				r.Post("/commands", s.handleExecuteCommand)
			})
		})

		r.Get("/executions", s.handleListExecutions)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/poll-interval", func(r chi.Router) {
			r.Get("/", s.handleGetPollInterval)
			r.Put("/", s.handleSetPollInterval)
			r.Delete("/", s.handleRestorePollInterval)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handleUpdateSettings)
		})

		r.Get("/audit-logs", s.handleListAuditLogs)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the bridge health status.
//
// The status is "ok" when the last cycle succeeded and "degraded" otherwise.
// Always 200 so load balancers can read the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.coordinator.Status()

	status := "ok"
	if !st.Healthy() {
		status = "degraded"
	}

	resp := map[string]any{
		"status":  status,
		"version": s.version,
		"devices": s.coordinator.DeviceCount(),
		"cycles":  st,
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}

	writeJSON(w, http.StatusOK, resp)
}
