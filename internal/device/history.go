package device

import (
	"context"
	"time"
)

// State history source values.
const (
	// HistorySourceEvent marks a snapshot recorded after an event batch.
	HistorySourceEvent = "event"

	// HistorySourceResync marks a snapshot recorded after a full device refetch.
	HistorySourceResync = "resync"
)

// HistoryEntry is a single recorded state snapshot of a device.
//
// Each entry stores the full name -> value map of the device at the time the
// change was committed. This provides a local audit trail even when the
// time-series database is unavailable.
type HistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the gateway device URL.
	DeviceID string `json:"device_id"`

	// States is the typed state snapshot.
	States map[string]any `json:"states"`

	// Source identifies what produced the snapshot (event, resync).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the snapshot (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves device state snapshots.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordSnapshot records the state values of a device.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Gateway device URL
	//   - states: Typed state values to persist
	//   - source: Origin of the snapshot (event, resync)
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordSnapshot(ctx context.Context, deviceID string, states map[string]any, source string) error

	// GetHistory returns recent snapshots for the device.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Gateway device URL
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []HistoryEntry: Ordered newest-first history entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error)
}
