package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
)

// Fixture error names accepted in scenario files.
const (
	FixtureErrBadCredentials   = "bad_credentials"
	FixtureErrTooManyRequests  = "too_many_requests"
	FixtureErrNotAuthenticated = "not_authenticated"
	FixtureErrDisconnected     = "disconnected"
	FixtureErrOther            = "other"
)

// Fixture is a gateway scenario loaded from YAML.
//
// Example:
//
//	devices:
//	  - id: io://1234-5678-9012/1
//	    label: Kitchen blind
//	    widget: PositionableRollerShutter
//	    ui_class: RollerShutter
//	    available: true
//	    states:
//	      - {name: core:ClosureState, type: 1, value: "0"}
//	batches:
//	  - events:
//	      - {kind: ExecutionRegisteredEvent, exec_id: e1}
//	  - error: not_authenticated
type Fixture struct {
	Devices []FixtureDevice `yaml:"devices"`
	Batches []FixtureBatch  `yaml:"batches"`

	// LoginError makes every Login call fail with the named error.
	LoginError string `yaml:"login_error"`

	// Loop replays the batches from the start once they are exhausted.
	Loop bool `yaml:"loop"`
}

// FixtureDevice describes one device returned by GetDevices.
type FixtureDevice struct {
	ID               string         `yaml:"id"`
	Label            string         `yaml:"label"`
	ControllableName string         `yaml:"controllable_name"`
	Widget           string         `yaml:"widget"`
	UIClass          string         `yaml:"ui_class"`
	Available        bool           `yaml:"available"`
	States           []FixtureState `yaml:"states"`
}

// FixtureState is a raw state entry.
type FixtureState struct {
	Name  string `yaml:"name"`
	Type  int    `yaml:"type"`
	Value any    `yaml:"value"`
}

// FixtureBatch is the result of one FetchEvents call.
type FixtureBatch struct {
	Events []FixtureEvent `yaml:"events"`

	// Error, when set, makes FetchEvents fail instead of returning events.
	Error string `yaml:"error"`

	// Devices, when set, replaces the device list served by GetDevices
	// from the moment this batch is fetched.
	Devices []FixtureDevice `yaml:"devices"`
}

// FixtureEvent is a single scripted event.
type FixtureEvent struct {
	Kind      string         `yaml:"kind"`
	DeviceURL string         `yaml:"device_url"`
	ExecID    string         `yaml:"exec_id"`
	OldState  string         `yaml:"old_state"`
	NewState  string         `yaml:"new_state"`
	States    []FixtureState `yaml:"states"`
}

// FixtureClient is a Client that replays a Fixture.
//
// It is used for offline runs and tests; it does not talk to a network.
// Thread Safety: All methods are safe for concurrent use.
type FixtureClient struct {
	fixture Fixture

	mu             sync.Mutex
	devices        []FixtureDevice
	next           int
	pendingRefresh bool
	loggedIn       bool

	// Executions started by ExecuteCommand. Queued ones are registered on
	// the next fetch, running ones complete on the fetch after that.
	queued  []fixtureExecution
	running []fixtureExecution

	// Call counters.
	logins    int
	fetches   int
	refreshes int
	commands  int
}

type fixtureExecution struct {
	id        string
	deviceURL string
}

// LoadFixture reads a scenario file and returns a client replaying it.
func LoadFixture(path string) (*FixtureClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture parses a YAML scenario and returns a client replaying it.
func ParseFixture(data []byte) (*FixtureClient, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return NewFixtureClient(f)
}

// NewFixtureClient validates a fixture and returns a client replaying it.
func NewFixtureClient(f Fixture) (*FixtureClient, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &FixtureClient{fixture: f, devices: f.Devices}, nil
}

// Validate checks device IDs, event kinds and error names.
func (f Fixture) Validate() error {
	var errs []error

	errs = append(errs, validateFixtureDevices("devices", f.Devices)...)
	if f.LoginError != "" {
		if _, ok := fixtureErrors[f.LoginError]; !ok {
			errs = append(errs, fmt.Errorf("login_error: unknown error %q", f.LoginError))
		}
	}

	for i, b := range f.Batches {
		if b.Error != "" {
			if _, ok := fixtureErrors[b.Error]; !ok {
				errs = append(errs, fmt.Errorf("batches[%d].error: unknown error %q", i, b.Error))
			}
		}
		errs = append(errs, validateFixtureDevices(fmt.Sprintf("batches[%d].devices", i), b.Devices)...)
		for j, e := range b.Events {
			if e.Kind == "" {
				errs = append(errs, fmt.Errorf("batches[%d].events[%d]: kind is required", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid fixture: %w", errors.Join(errs...))
	}
	return nil
}

func validateFixtureDevices(path string, devices []FixtureDevice) []error {
	var errs []error
	seen := make(map[string]bool, len(devices))
	for i, d := range devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: id is required", path, i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("%s[%d]: duplicate id %q", path, i, d.ID))
		}
		seen[d.ID] = true
	}
	return errs
}

var fixtureErrors = map[string]error{
	FixtureErrBadCredentials:   ErrBadCredentials,
	FixtureErrTooManyRequests:  ErrTooManyRequests,
	FixtureErrNotAuthenticated: ErrNotAuthenticated,
	FixtureErrDisconnected:     ErrDisconnected,
	FixtureErrOther:            errors.New("gateway: fixture transport error"),
}

// FetchEvents returns the next scripted batch. Once the script is exhausted
// (and Loop is off) it returns empty batches. A pending RefreshStates call
// appends a RefreshAllDevicesStatesCompleted event to the returned batch.
// Commands sent through ExecuteCommand are registered on the next call and
// completed on the one after.
func (c *FixtureClient) FetchEvents(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches++

	var events []Event
	if c.next >= len(c.fixture.Batches) && c.fixture.Loop && len(c.fixture.Batches) > 0 {
		c.next = 0
	}
	if c.next < len(c.fixture.Batches) {
		batch := c.fixture.Batches[c.next]
		c.next++

		if batch.Error != "" {
			return nil, fmt.Errorf("fetching events: %w", fixtureErrors[batch.Error])
		}
		if batch.Devices != nil {
			c.devices = batch.Devices
		}

		now := time.Now().UTC()
		events = make([]Event, 0, len(batch.Events)+1)
		for _, fe := range batch.Events {
			events = append(events, fe.toEvent(now))
		}
	}

	now := time.Now().UTC()
	for _, e := range c.running {
		events = append(events, Event{
			Kind:      KindExecutionStateChanged,
			DeviceURL: e.deviceURL,
			ExecID:    e.id,
			OldState:  ExecutionInProgress,
			NewState:  ExecutionCompleted,
			Timestamp: now,
		})
	}
	c.running = nil
	for _, e := range c.queued {
		events = append(events, Event{
			Kind:      KindExecutionRegistered,
			DeviceURL: e.deviceURL,
			ExecID:    e.id,
			Timestamp: now,
		})
	}
	c.running, c.queued = c.queued, nil

	if c.pendingRefresh {
		c.pendingRefresh = false
		events = append(events, Event{
			Kind:      KindRefreshAllDevicesStatesCompleted,
			Timestamp: time.Now().UTC(),
		})
	}

	return events, nil
}

// GetDevices returns the current device list with states cast per type.
func (c *FixtureClient) GetDevices(ctx context.Context, _ bool) ([]*device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	fds := c.devices
	c.mu.Unlock()

	devices := make([]*device.Device, 0, len(fds))
	for _, fd := range fds {
		d, err := fd.toDevice()
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Login succeeds unless the fixture sets login_error.
func (c *FixtureClient) Login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logins++
	if c.fixture.LoginError != "" {
		return fmt.Errorf("login: %w", fixtureErrors[c.fixture.LoginError])
	}
	c.loggedIn = true
	return nil
}

// RefreshStates schedules a completion event for the next FetchEvents call.
func (c *FixtureClient) RefreshStates(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes++
	c.pendingRefresh = true
	return nil
}

// ExecuteCommand queues an execution for a known device.
func (c *FixtureClient) ExecuteCommand(ctx context.Context, deviceURL string, cmd Command, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands++
	if !c.loggedIn {
		return "", fmt.Errorf("executing command: %w", ErrNotAuthenticated)
	}
	known := false
	for _, d := range c.devices {
		if d.ID == deviceURL {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceURL)
	}

	id := uuid.NewString()
	c.queued = append(c.queued, fixtureExecution{id: id, deviceURL: deviceURL})
	return id, nil
}

// FixtureStats reports how often each call was made.
type FixtureStats struct {
	Logins    int
	Fetches   int
	Refreshes int
	Commands  int
	LoggedIn  bool
}

// Stats returns the call counters.
func (c *FixtureClient) Stats() FixtureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FixtureStats{
		Logins:    c.logins,
		Fetches:   c.fetches,
		Refreshes: c.refreshes,
		Commands:  c.commands,
		LoggedIn:  c.loggedIn,
	}
}

func (fd FixtureDevice) toDevice() (*device.Device, error) {
	d := &device.Device{
		ID:               fd.ID,
		Label:            fd.Label,
		ControllableName: fd.ControllableName,
		Widget:           fd.Widget,
		UIClass:          fd.UIClass,
		Available:        fd.Available,
		States:           make(map[string]device.State, len(fd.States)),
	}
	for _, fs := range fd.States {
		s, err := device.NewState(fs.Name, device.DataType(fs.Type), fs.Value)
		if err != nil {
			return nil, fmt.Errorf("fixture device %s: %w", fd.ID, err)
		}
		d.States[fs.Name] = s
	}
	return d, nil
}

func (fe FixtureEvent) toEvent(ts time.Time) Event {
	e := Event{
		Kind:      Kind(fe.Kind),
		DeviceURL: fe.DeviceURL,
		ExecID:    fe.ExecID,
		OldState:  ExecutionState(fe.OldState),
		NewState:  ExecutionState(fe.NewState),
		Timestamp: ts,
	}
	for _, fs := range fe.States {
		e.DeviceStates = append(e.DeviceStates, EventState{
			Name:  fs.Name,
			Type:  device.DataType(fs.Type),
			Value: fs.Value,
		})
	}
	return e
}
