package tahoma

import (
	"time"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/mqtt"
)

// ProtocolName is the protocol identifier carried in bridge messages.
const ProtocolName = mqtt.Protocol

// Request actions.
const (
	// ActionRefresh asks the gateway for a full state refresh.
	ActionRefresh = "refresh"

	// ActionPollInterval overrides or restores the poll interval.
	// Parameters: {"seconds": 5} to override, {} or {"restore": true} to restore.
	ActionPollInterval = "poll_interval"

	// ActionCommand sends one command to a device.
	// Parameters: {"device_url": "io://...", "name": "setClosure", "args": [50]}
	ActionCommand = "command"

	// ActionSettings reads or changes the polling settings.
	// Parameters: {"update_interval_seconds": 60, "refresh_state_interval_seconds": 600};
	// both optional, none returns the current settings.
	ActionSettings = "settings"
)

// Error codes for failed requests.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrCodeGatewayError      = "GATEWAY_ERROR"
	ErrCodeDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// StateMessage is published when a device record changes.
// Topic: graylogic/state/tahoma/{escaped device URL}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the gateway device URL.
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was last updated by an event, or when the
	// message was built if no event has touched the device yet (UTC).
	Timestamp time.Time `json:"timestamp"`

	// State maps state names (e.g. "core:ClosureState") to typed values.
	State map[string]any `json:"state"`

	Available bool   `json:"available"`
	Label     string `json:"label,omitempty"`
	Widget    string `json:"widget,omitempty"`
	UIClass   string `json:"ui_class,omitempty"`

	// Protocol is always "tahoma".
	Protocol string `json:"protocol"`

	// Address is the device URL as it appears in the topic (escaped).
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the last cycle succeeded and MQTT is connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the last cycle failed or MQTT is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the gateway rejected the credentials.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is published by the broker via the LWT.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/tahoma
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics summarises the coordinator's cycle history.
type BridgeStatistics struct {
	Cycles              uint64     `json:"cycles"`
	Failures            uint64     `json:"failures"`
	Recoveries          uint64     `json:"recoveries"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	PollIntervalSeconds float64    `json:"poll_interval_seconds"`
}

// RequestMessage is sent to the bridge to trigger an operation.
// Topic: graylogic/request/tahoma/{request_id}
//
// An empty payload is accepted; the action then defaults to the last topic
// level, so publishing nothing to graylogic/request/tahoma/refresh works.
type RequestMessage struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/tahoma/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStateMessage builds the state message for a device.
func NewStateMessage(d *device.Device) StateMessage {
	ts := time.Now().UTC()
	if d.StateUpdatedAt != nil {
		ts = d.StateUpdatedAt.UTC()
	}
	return StateMessage{
		DeviceID:  d.ID,
		Timestamp: ts,
		State:     d.StateValues(),
		Available: d.Available,
		Label:     d.Label,
		Widget:    d.Widget,
		UIClass:   d.UIClass,
		Protocol:  ProtocolName,
		Address:   mqtt.EncodeAddress(d.ID),
	}
}

// newErrorResponse builds a failed response.
func newErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// newSuccessResponse builds a successful response.
func newSuccessResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}
