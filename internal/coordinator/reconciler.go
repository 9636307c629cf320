package coordinator

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
)

// WorkingState is the private copy of coordinator state a cycle folds into.
type WorkingState struct {
	Devices    *device.Cache
	Executions *Tracker
	Refreshing bool
}

// Directive is the scheduler instruction produced by a folded batch.
type Directive int

// Scheduler directives.
const (
	// DirectiveKeep leaves the interval as it is.
	DirectiveKeep Directive = iota

	// DirectiveFast switches to fast cadence.
	DirectiveFast

	// DirectiveRestore returns to the default interval.
	DirectiveRestore
)

// String returns the directive name.
func (d Directive) String() string {
	switch d {
	case DirectiveFast:
		return "fast"
	case DirectiveRestore:
		return "restore"
	default:
		return "keep"
	}
}

// DroppedEvent is an event that referenced a device missing from the cache.
type DroppedEvent struct {
	Index     int
	Kind      gateway.Kind
	DeviceURL string
}

// Outcome describes what folding (part of) a batch did.
type Outcome struct {
	// Consumed is the number of events processed, including the one that
	// requested a refetch.
	Consumed int

	// NeedsRefetch is set when a device-created or device-updated event
	// stopped the fold. The caller replaces the working cache with a full
	// device list and folds events[Consumed:].
	NeedsRefetch bool

	// Changed holds IDs of devices whose record changed.
	Changed map[string]struct{}

	// Removed holds IDs from device-removed events, in order. Each must be
	// passed to the device registry after commit.
	Removed []string

	// Registered is set if any execution-registered event was folded.
	Registered bool

	// Dropped lists events for devices missing from the cache.
	Dropped []DroppedEvent

	// Ignored counts events of kinds that have no effect.
	Ignored int
}

// Fold applies events, in order, to ws.
//
// Fold performs no I/O. It stops early, with NeedsRefetch set, at the first
// device-created or device-updated event. A state value that cannot be cast
// is an error; the caller must discard ws in that case.
func Fold(ws *WorkingState, events []gateway.Event) (Outcome, error) {
	out := Outcome{Changed: make(map[string]struct{})}

	for i, ev := range events {
		out.Consumed = i + 1

		switch ev.Kind {
		case gateway.KindDeviceAvailable:
			out.setAvailable(ws, i, ev, true)

		case gateway.KindDeviceUnavailable, gateway.KindDeviceDisabled:
			out.setAvailable(ws, i, ev, false)

		case gateway.KindDeviceCreated, gateway.KindDeviceUpdated:
			out.NeedsRefetch = true
			return out, nil

		case gateway.KindDeviceRemoved:
			ws.Devices.Remove(ev.DeviceURL)
			delete(out.Changed, ev.DeviceURL)
			out.Removed = append(out.Removed, ev.DeviceURL)

		case gateway.KindDeviceStateChanged:
			if err := out.applyStates(ws, i, ev); err != nil {
				return out, err
			}

		case gateway.KindExecutionRegistered:
			ws.Executions.Add(ev.ExecID)
			out.Registered = true

		case gateway.KindExecutionStateChanged:
			if ev.NewState.Terminal() {
				ws.Executions.Remove(ev.ExecID)
			}

		case gateway.KindRefreshAllDevicesStatesCompleted:
			ws.Refreshing = false

		default:
			out.Ignored++
		}
	}

	return out, nil
}

// Settle returns the scheduler directive for a fully folded batch.
//
// The default interval is restored only when no execution is in flight and
// no refresh is outstanding. Otherwise a batch that registered an execution
// switches to fast cadence.
func Settle(ws *WorkingState, registered bool) Directive {
	if ws.Executions.Empty() && !ws.Refreshing {
		return DirectiveRestore
	}
	if registered {
		return DirectiveFast
	}
	return DirectiveKeep
}

// merge folds a later partial outcome into o. offset is the batch index of
// next's first event.
func (o *Outcome) merge(next Outcome, offset int) {
	for id := range next.Changed {
		o.Changed[id] = struct{}{}
	}
	for _, id := range next.Removed {
		delete(o.Changed, id)
	}
	o.Removed = append(o.Removed, next.Removed...)
	o.Registered = o.Registered || next.Registered
	for _, d := range next.Dropped {
		d.Index += offset
		o.Dropped = append(o.Dropped, d)
	}
	o.Ignored += next.Ignored
}

func (o *Outcome) setAvailable(ws *WorkingState, i int, ev gateway.Event, available bool) {
	if err := ws.Devices.SetAvailable(ev.DeviceURL, available); err != nil {
		o.drop(i, ev)
		return
	}
	o.Changed[ev.DeviceURL] = struct{}{}
}

func (o *Outcome) applyStates(ws *WorkingState, i int, ev gateway.Event) error {
	if !ws.Devices.Has(ev.DeviceURL) {
		o.drop(i, ev)
		return nil
	}

	for _, s := range ev.DeviceStates {
		value, err := device.CastValue(s.Type, s.Value)
		if err != nil {
			return fmt.Errorf("event %d (%s) state %q: %w", i, ev.DeviceURL, s.Name, err)
		}
		if err := ws.Devices.ApplyStateUpdate(ev.DeviceURL, s.Name, s.Type, value, s.Value); err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				o.drop(i, ev)
				return nil
			}
			return err
		}
	}
	o.Changed[ev.DeviceURL] = struct{}{}
	return nil
}

func (o *Outcome) drop(i int, ev gateway.Event) {
	o.Dropped = append(o.Dropped, DroppedEvent{Index: i, Kind: ev.Kind, DeviceURL: ev.DeviceURL})
}
