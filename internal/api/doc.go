// Package api implements the HTTP REST API and WebSocket server for the
// TaHoma bridge.
//
// This package provides:
//   - Read endpoints over the coordinator's committed device cache
//   - Manual refresh, poll-interval control and polling settings
//   - Device commands
//   - Device state history and the audit log from SQLite
//   - WebSocket stream of committed cycles, optionally filtered by device
//   - Prometheus collectors on /metrics
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Routes
//
//	GET    /metrics
//	GET    /api/v1/health
//	GET    /api/v1/system
//	GET    /api/v1/devices
//	GET    /api/v1/devices/{id}
//	GET    /api/v1/devices/{id}/history
//	POST   /api/v1/devices/{id}/commands
//	GET    /api/v1/executions
//	POST   /api/v1/refresh
//	GET    /api/v1/poll-interval
//	PUT    /api/v1/poll-interval
//	DELETE /api/v1/poll-interval
//	GET    /api/v1/settings
//	PUT    /api/v1/settings
//	GET    /api/v1/audit-logs
//	GET    /api/v1/ws?device={url}
//
// Device IDs are gateway device URLs and must be path-escaped
// (io://1234/1 becomes io:%2F%2F1234%2F1).
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	coord.AddListener(server)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
