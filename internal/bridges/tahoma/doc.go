// Package tahoma mirrors the TaHoma device cache onto the Gray Logic bus.
//
// The coordinator owns the device cache; this package listens for committed
// cycles and fans them out:
//
//	┌─────────────┐  Change   ┌──────────────┐   MQTT    ┌─────────────┐
//	│ Coordinator │──────────►│    Bridge    │──────────►│ Gray Logic  │
//	│             │◄──────────│  (this pkg)  │◄──────────│    Core     │
//	└─────────────┘  refresh  └──────┬───────┘  requests └─────────────┘
//	                                 │
//	                     InfluxDB ◄──┴──► SQLite state_history
//
// # Topics
//
//   - graylogic/state/tahoma/{device}  retained StateMessage, QoS 1
//   - graylogic/request/tahoma/{id}    refresh, poll_interval, command, settings
//   - graylogic/response/tahoma/{id}   ResponseMessage
//   - graylogic/health/tahoma          retained HealthMessage and LWT
//
// Device URLs are path-escaped into a single topic level. Removing a device
// publishes an empty retained payload, which clears its state topic.
package tahoma
