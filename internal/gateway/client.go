package gateway

import (
	"context"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
)

// Client is the contract the coordinator consumes to talk to the gateway.
//
// Implementations own the session and transport. Errors should wrap one of
// the sentinel errors in this package so Classify can route them.
type Client interface {
	// FetchEvents returns the events queued since the last call.
	// Fails with ErrBadCredentials, ErrTooManyRequests, ErrDisconnected,
	// ErrNotAuthenticated or any other error.
	FetchEvents(ctx context.Context) ([]Event, error)

	// GetDevices returns the full device list. With refresh set the
	// gateway is asked to bypass its own cache.
	GetDevices(ctx context.Context, refresh bool) ([]*device.Device, error)

	// Login (re)establishes the session.
	// Fails with ErrBadCredentials or ErrTooManyRequests.
	Login(ctx context.Context) error

	// RefreshStates asks the gateway to refresh every device's state.
	// Completion is reported later by a RefreshAllDevicesStatesCompleted event.
	RefreshStates(ctx context.Context) error

	// ExecuteCommand sends one command to a device and returns the
	// execution ID. Progress is reported later by execution events.
	// label names the caller in the gateway's execution history.
	ExecuteCommand(ctx context.Context, deviceURL string, cmd Command, label string) (string, error)
}

// DeviceRegistry is notified when the gateway reports a removed device.
type DeviceRegistry interface {
	RemoveDevice(ctx context.Context, id string) error
}
