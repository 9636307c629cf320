package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
)

// fakeResult is one scripted FetchEvents response.
type fakeResult struct {
	events []gateway.Event
	err    error
}

// fakeClient is a scripted gateway.Client.
type fakeClient struct {
	mu sync.Mutex

	devices    []*device.Device
	results    []fakeResult
	loginErr   error
	devicesErr error
	refreshErr error
	commandErr error

	// onFetch, when set, runs at the start of FetchEvents outside the lock.
	onFetch func(ctx context.Context)

	logins         int
	fetches        int
	refreshes      int
	getDevices     int
	lastRefreshArg bool
	commands       []string
}

func (f *fakeClient) FetchEvents(ctx context.Context) ([]gateway.Event, error) {
	f.mu.Lock()
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.events, r.err
}

func (f *fakeClient) GetDevices(_ context.Context, refresh bool) ([]*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDevices++
	f.lastRefreshArg = refresh
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	out := make([]*device.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.DeepCopy())
	}
	return out, nil
}

func (f *fakeClient) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return f.loginErr
}

func (f *fakeClient) RefreshStates(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeClient) ExecuteCommand(_ context.Context, deviceURL string, cmd gateway.Command, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, deviceURL+" "+cmd.Name)
	if f.commandErr != nil {
		return "", f.commandErr
	}
	return fmt.Sprintf("exec-%d", len(f.commands)), nil
}

func (f *fakeClient) script(results ...fakeResult) {
	f.mu.Lock()
	f.results = append(f.results, results...)
	f.mu.Unlock()
}

func (f *fakeClient) setDevices(devices ...*device.Device) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeRegistry records removed devices.
type fakeRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRegistry) RemoveDevice(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

// changeRecorder is a Listener that keeps every Change.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) OnCycle(_ context.Context, c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) last() (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return Change{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func testDevice(id string, available bool) *device.Device {
	return &device.Device{
		ID:        id,
		Label:     id,
		Widget:    "PositionableRollerShutter",
		UIClass:   "RollerShutter",
		Available: available,
		States: map[string]device.State{
			"core:ClosureState": {Name: "core:ClosureState", Type: device.DataTypeInteger, Value: int64(0), Raw: "0"},
		},
	}
}

func newWorkingState(devices ...*device.Device) *WorkingState {
	return &WorkingState{
		Devices:    device.NewCache(devices...),
		Executions: NewTracker(),
	}
}

func ev(kind gateway.Kind, deviceURL string) gateway.Event {
	return gateway.Event{Kind: kind, DeviceURL: deviceURL}
}

func execEv(kind gateway.Kind, execID string, newState gateway.ExecutionState) gateway.Event {
	return gateway.Event{Kind: kind, ExecID: execID, NewState: newState}
}

func stateEv(deviceURL, name string, t device.DataType, raw any) gateway.Event {
	return gateway.Event{
		Kind:         gateway.KindDeviceStateChanged,
		DeviceURL:    deviceURL,
		DeviceStates: []gateway.EventState{{Name: name, Type: t, Value: raw}},
	}
}
