package gateway

import (
	"time"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
)

// Kind is the event name reported by the gateway.
type Kind string

// Event kinds. Values match the gateway's wire names.
const (
	KindDeviceAvailable                  Kind = "DeviceAvailableEvent"
	KindDeviceUnavailable                Kind = "DeviceUnavailableEvent"
	KindDeviceDisabled                   Kind = "DeviceDisabledEvent"
	KindDeviceCreated                    Kind = "DeviceCreatedEvent"
	KindDeviceUpdated                    Kind = "DeviceUpdatedEvent"
	KindDeviceRemoved                    Kind = "DeviceRemovedEvent"
	KindDeviceStateChanged               Kind = "DeviceStateChangedEvent"
	KindExecutionRegistered              Kind = "ExecutionRegisteredEvent"
	KindExecutionStateChanged            Kind = "ExecutionStateChangedEvent"
	KindRefreshAllDevicesStatesCompleted Kind = "RefreshAllDevicesStatesCompletedEvent"
)

// ExecutionState is the lifecycle state of a command execution.
type ExecutionState string

// Execution states.
const (
	ExecutionInitialized    ExecutionState = "INITIALIZED"
	ExecutionNotTransmitted ExecutionState = "NOT_TRANSMITTED"
	ExecutionTransmitted    ExecutionState = "TRANSMITTED"
	ExecutionInProgress     ExecutionState = "IN_PROGRESS"
	ExecutionCompleted      ExecutionState = "COMPLETED"
	ExecutionFailed         ExecutionState = "FAILED"
)

// Terminal reports whether the execution has finished.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// EventState is one state entry carried by a DeviceStateChangedEvent.
// Value is the raw wire value; it has not been cast.
type EventState struct {
	Name  string          `json:"name"`
	Type  device.DataType `json:"type"`
	Value any             `json:"value"`
}

// Event is a single notification from the gateway's event feed.
// Events are consumed once, in the order the gateway returned them.
type Event struct {
	Kind         Kind           `json:"name"`
	DeviceURL    string         `json:"deviceURL,omitempty"`
	ExecID       string         `json:"execId,omitempty"`
	OldState     ExecutionState `json:"oldState,omitempty"`
	NewState     ExecutionState `json:"newState,omitempty"`
	DeviceStates []EventState   `json:"deviceStates,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
