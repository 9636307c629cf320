package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
)

// Cycle triggers, used in logs.
const (
	triggerPoll   = "poll"
	triggerManual = "manual"
)

// Logger is the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Change describes one committed cycle. Listeners receive it after commit.
type Change struct {
	CycleID string
	At      time.Time

	// Resync is set when the cycle replaced the whole device list.
	Resync bool

	// Changed holds deep copies of every device whose record changed,
	// sorted by ID.
	Changed []*device.Device

	// Removed holds IDs that left the cache.
	Removed []string

	// Events is the size of the folded batch. Zero for setup and recovery.
	Events int

	Executions int
	Refreshing bool
	Interval   time.Duration
}

// Listener is notified after each committed cycle.
type Listener interface {
	OnCycle(ctx context.Context, change Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, change Change)

// OnCycle calls f.
func (f ListenerFunc) OnCycle(ctx context.Context, change Change) {
	f(ctx, change)
}

// Status reports the outcome of the most recent cycle.
type Status struct {
	LastCycleAt   time.Time `json:"last_cycle_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastError     string    `json:"last_error,omitempty"`
	LastReason    string    `json:"last_reason,omitempty"`
	Cycles        uint64    `json:"cycles"`
	Failures      uint64    `json:"failures"`
	Recoveries    uint64    `json:"recoveries"`
}

// Healthy reports whether the last cycle succeeded.
func (s Status) Healthy() bool {
	return s.LastError == ""
}

// Options configures a Coordinator.
type Options struct {
	// Client is the gateway. Required.
	Client gateway.Client

	// Registry is notified of removed devices. Optional.
	Registry gateway.DeviceRegistry

	// DefaultInterval is the normal poll interval.
	// Default: 30 seconds.
	DefaultInterval time.Duration

	// Logger is optional.
	Logger Logger

	// Metrics is optional.
	Metrics *Metrics
}

// Coordinator owns the device cache, the execution tracker and the
// refresh-in-progress flag, and runs reconciliation cycles against them.
//
// At most one cycle runs at a time. A cycle folds into a private working
// copy and commits it in a single swap, so readers never see a half-applied
// batch. Failed cycles commit nothing.
//
// Thread Safety: All methods are safe for concurrent use.
type Coordinator struct {
	client    gateway.Client
	registry  gateway.DeviceRegistry
	scheduler *Scheduler
	metrics   *Metrics

	// cycleMu serialises cycles, manual refreshes and setup.
	cycleMu sync.Mutex

	// stateMu guards the committed state.
	stateMu    sync.RWMutex
	devices    *device.Cache
	executions *Tracker
	refreshing bool
	setUp      bool
	status     Status

	listeners   []Listener
	listenersMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a coordinator. Call Setup before running cycles.
func New(opts Options) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("gateway client is required")
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	c := &Coordinator{
		client:     opts.Client,
		registry:   opts.Registry,
		scheduler:  NewScheduler(opts.DefaultInterval),
		metrics:    opts.Metrics,
		devices:    device.NewCache(),
		executions: NewTracker(),
		logger:     logger,
	}
	c.metrics.observeInterval(c.scheduler.Interval())
	return c, nil
}

// SetLogger replaces the logger.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetRegistry sets the registry notified of removed devices.
// It breaks the construction cycle with a registry that also needs the
// coordinator; call it before Setup.
func (c *Coordinator) SetRegistry(r gateway.DeviceRegistry) {
	c.cycleMu.Lock()
	c.registry = r
	c.cycleMu.Unlock()
}

// AddListener registers a listener for committed cycles.
func (c *Coordinator) AddListener(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Scheduler returns the poll interval holder.
func (c *Coordinator) Scheduler() *Scheduler {
	return c.scheduler
}

// Setup logs in and loads the initial device list.
//
// Returns:
//   - error: *UpdateFailedError with ReasonInvalidAuth, ReasonTooManyRequests
//     or ReasonUpdateFailed; nil on success
func (c *Coordinator) Setup(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	if err := c.client.Login(ctx); err != nil {
		return c.fail(reasonFor(err), fmt.Errorf("login: %w", err), start)
	}

	devices, err := c.client.GetDevices(ctx, false)
	if err != nil {
		return c.fail(reasonFor(err), fmt.Errorf("fetching devices: %w", err), start)
	}

	ws := &WorkingState{
		Devices:    device.NewCache(devices...),
		Executions: NewTracker(),
	}
	removed := c.commitResync(ws)

	c.stateMu.Lock()
	c.setUp = true
	c.stateMu.Unlock()

	c.getLogger().Info("coordinator set up", "devices", ws.Devices.Len())
	c.finish(ctx, ws, nil, removed, true, 0, start, resultOK)
	return nil
}

// RunCycle fetches one event batch and folds it into the device cache.
//
// A lost session (not authenticated, disconnected) is recovered by logging
// in again and reloading every device; that counts as success.
//
// Returns:
//   - error: ErrNotSetUp, *UpdateFailedError, or nil
func (c *Coordinator) RunCycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	return c.runCycle(ctx, triggerPoll)
}

// RequestManualRefresh asks the gateway for a full state refresh and then
// runs one cycle. It waits for any outstanding cycle to finish first.
//
// The refresh-in-progress flag stays set until the gateway reports the
// refresh as completed; the scheduler stays fast until then.
func (c *Coordinator) RequestManualRefresh(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if !c.isSetUp() {
		return ErrNotSetUp
	}

	c.stateMu.Lock()
	wasRefreshing := c.refreshing
	c.refreshing = true
	c.stateMu.Unlock()
	c.scheduler.EnterFast()

	if err := c.client.RefreshStates(ctx); err != nil {
		// An earlier refresh may still be outstanding.
		c.stateMu.Lock()
		c.refreshing = wasRefreshing
		idle := c.executions.Empty() && !wasRefreshing
		c.stateMu.Unlock()
		if idle {
			c.scheduler.RestoreDefault()
		}
		c.metrics.observeInterval(c.scheduler.Interval())
		return c.fail(reasonFor(err), fmt.Errorf("refreshing states: %w", err), time.Now())
	}

	c.getLogger().Info("state refresh requested")
	return c.runCycle(ctx, triggerManual)
}

// CommandLabel names this service in the gateway's execution history.
const CommandLabel = "Gray Logic TaHoma"

// ExecuteCommand sends a command to a cached device and switches to fast
// polling so the execution is tracked from its registration event.
// It returns the gateway's execution ID.
func (c *Coordinator) ExecuteCommand(ctx context.Context, deviceURL string, cmd gateway.Command) (string, error) {
	if !c.isSetUp() {
		return "", ErrNotSetUp
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if _, err := c.Device(deviceURL); err != nil {
		return "", err
	}

	execID, err := c.client.ExecuteCommand(ctx, deviceURL, cmd, CommandLabel)
	if err != nil {
		return "", fmt.Errorf("executing %s on %s: %w", cmd.Name, deviceURL, err)
	}

	c.scheduler.EnterFast()
	c.metrics.observeInterval(c.scheduler.Interval())
	c.getLogger().Info("command sent",
		"device_url", deviceURL,
		"command", cmd.Name,
		"exec_id", execID)
	return execID, nil
}

// runCycle runs one cycle. cycleMu must be held.
func (c *Coordinator) runCycle(ctx context.Context, trigger string) error {
	if !c.isSetUp() {
		return ErrNotSetUp
	}

	start := time.Now()
	events, err := c.client.FetchEvents(ctx)
	if err != nil {
		if gateway.Classify(err) == gateway.ClassRecoverable {
			return c.recover(ctx, err, start)
		}
		return c.fail(reasonFor(err), fmt.Errorf("fetching events: %w", err), start)
	}

	ws := c.workingCopy()
	total := Outcome{Changed: make(map[string]struct{})}
	var vanished []string
	resync := false

	rest, offset := events, 0
	for {
		out, err := Fold(ws, rest)
		total.merge(out, offset)
		if err != nil {
			return c.fail(ReasonUpdateFailed, err, start)
		}
		if !out.NeedsRefetch {
			break
		}

		devices, err := c.client.GetDevices(ctx, true)
		if err != nil {
			return c.fail(reasonFor(err), fmt.Errorf("refetching devices: %w", err), start)
		}
		before := ws.Devices.IDs()
		ws.Devices.ReplaceAll(devices)
		vanished = append(vanished, missingFrom(ws.Devices, before)...)
		total.Changed = idSet(ws.Devices.IDs())
		resync = true

		offset += out.Consumed
		rest = rest[out.Consumed:]
	}

	directive := Settle(ws, total.Registered)
	c.commit(ws)
	c.applyDirective(directive)

	logger := c.getLogger()
	for _, d := range total.Dropped {
		logger.Warn("dropped event for unknown device",
			"index", d.Index, "kind", d.Kind, "device_url", d.DeviceURL)
	}
	c.metrics.observeEvents(countKinds(events), len(total.Dropped))

	c.removeFromRegistry(ctx, total.Removed)

	changed := make([]string, 0, len(total.Changed))
	for id := range total.Changed {
		changed = append(changed, id)
	}
	// A device removed and then recreated within the batch is live again.
	removed := withoutPresent(ws.Devices, dedupe(append(vanished, total.Removed...)))

	logger.Debug("cycle committed",
		"trigger", trigger,
		"events", len(events),
		"changed", len(changed),
		"removed", len(removed),
		"directive", directive.String(),
		"interval", c.scheduler.Interval())

	c.finish(ctx, ws, changed, removed, resync, len(events), start, resultOK)
	return nil
}

// recover re-authenticates and reloads every device after a lost session.
func (c *Coordinator) recover(ctx context.Context, cause error, start time.Time) error {
	c.getLogger().Warn("gateway session lost, re-authenticating", "error", cause)

	if err := c.client.Login(ctx); err != nil {
		return c.fail(reasonFor(err), fmt.Errorf("re-login: %w", err), start)
	}
	devices, err := c.client.GetDevices(ctx, true)
	if err != nil {
		return c.fail(reasonFor(err), fmt.Errorf("reloading devices: %w", err), start)
	}

	ws := &WorkingState{
		Devices:    device.NewCache(devices...),
		Executions: NewTracker(),
		Refreshing: false,
	}
	removed := c.commitResync(ws)
	c.scheduler.RestoreDefault()

	c.stateMu.Lock()
	c.status.Recoveries++
	c.stateMu.Unlock()

	c.getLogger().Info("gateway session recovered", "devices", ws.Devices.Len())
	c.finish(ctx, ws, nil, removed, true, 0, start, resultRecovered)
	return nil
}

// workingCopy clones the committed state.
func (c *Coordinator) workingCopy() *WorkingState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return &WorkingState{
		Devices:    c.devices.Clone(),
		Executions: c.executions.Clone(),
		Refreshing: c.refreshing,
	}
}

// commit swaps ws in as the committed state.
func (c *Coordinator) commit(ws *WorkingState) {
	c.stateMu.Lock()
	c.devices = ws.Devices
	c.executions = ws.Executions
	c.refreshing = ws.Refreshing
	c.stateMu.Unlock()
}

// commitResync commits a full reload and returns IDs that disappeared.
func (c *Coordinator) commitResync(ws *WorkingState) []string {
	c.stateMu.Lock()
	before := c.devices.IDs()
	c.devices = ws.Devices
	c.executions = ws.Executions
	c.refreshing = ws.Refreshing
	c.stateMu.Unlock()
	return missingFrom(ws.Devices, before)
}

func (c *Coordinator) applyDirective(d Directive) {
	switch d {
	case DirectiveFast:
		c.scheduler.EnterFast()
	case DirectiveRestore:
		c.scheduler.RestoreDefault()
	case DirectiveKeep:
	}
}

func (c *Coordinator) removeFromRegistry(ctx context.Context, ids []string) {
	if c.registry == nil {
		return
	}
	for _, id := range ids {
		if err := c.registry.RemoveDevice(ctx, id); err != nil {
			c.getLogger().Error("removing device from registry failed", "device_url", id, "error", err)
		}
	}
}

// finish records a successful cycle and notifies listeners.
// changed == nil with resync set means every device changed.
func (c *Coordinator) finish(ctx context.Context, ws *WorkingState, changed, removed []string, resync bool, events int, start time.Time, result string) {
	now := time.Now().UTC()

	c.stateMu.Lock()
	c.status.Cycles++
	c.status.LastCycleAt = now
	c.status.LastSuccessAt = now
	c.status.LastError = ""
	c.status.LastReason = ""
	c.stateMu.Unlock()

	interval := c.scheduler.Interval()
	c.metrics.observeCycle(result, "", time.Since(start))
	c.metrics.observeState(ws.Devices.Len(), ws.Executions.Len(), ws.Refreshing)
	c.metrics.observeInterval(interval)

	if changed == nil && resync {
		changed = ws.Devices.IDs()
	}
	sort.Strings(changed)
	devices := make([]*device.Device, 0, len(changed))
	for _, id := range changed {
		if d, err := ws.Devices.Get(id); err == nil {
			devices = append(devices, d.DeepCopy())
		}
	}

	change := Change{
		CycleID:    uuid.NewString(),
		At:         now,
		Resync:     resync,
		Changed:    devices,
		Removed:    removed,
		Events:     events,
		Executions: ws.Executions.Len(),
		Refreshing: ws.Refreshing,
		Interval:   interval,
	}

	c.listenersMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnCycle(ctx, change)
	}
}

// fail records a failed cycle and returns it as an UpdateFailedError.
func (c *Coordinator) fail(reason string, err error, start time.Time) error {
	c.stateMu.Lock()
	c.status.Cycles++
	c.status.Failures++
	c.status.LastCycleAt = time.Now().UTC()
	c.status.LastError = err.Error()
	c.status.LastReason = reason
	c.stateMu.Unlock()

	c.metrics.observeCycle(resultFailed, reason, time.Since(start))
	c.getLogger().Error("cycle failed", "reason", reason, "error", err)
	return &UpdateFailedError{Reason: reason, Err: err}
}

// Snapshot returns deep copies of every committed device keyed by ID.
func (c *Coordinator) Snapshot() map[string]*device.Device {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.devices.Snapshot()
}

// Devices returns deep copies of every committed device sorted by ID.
func (c *Coordinator) Devices() []*device.Device {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.devices.List()
}

// DeviceCount returns the number of committed devices.
func (c *Coordinator) DeviceCount() int {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.devices.Len()
}

// Device returns a deep copy of one committed device.
func (c *Coordinator) Device(id string) (*device.Device, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	d, err := c.devices.Get(id)
	if err != nil {
		return nil, err
	}
	return d.DeepCopy(), nil
}

// Executions returns the IDs of executions in flight.
func (c *Coordinator) Executions() []string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.executions.IDs()
}

// RefreshInProgress reports whether a full state refresh is outstanding.
func (c *Coordinator) RefreshInProgress() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.refreshing
}

// Status returns the outcome of the most recent cycle.
func (c *Coordinator) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// SetPollInterval overrides the current poll interval.
func (c *Coordinator) SetPollInterval(d time.Duration) error {
	if err := checkInterval(d); err != nil {
		return err
	}
	c.scheduler.SetInterval(d)
	c.metrics.observeInterval(c.scheduler.Interval())
	return nil
}

// RestorePollInterval returns to the default poll interval.
func (c *Coordinator) RestorePollInterval() {
	c.scheduler.RestoreDefault()
	c.metrics.observeInterval(c.scheduler.Interval())
}

// PollInterval returns the current poll interval.
func (c *Coordinator) PollInterval() time.Duration {
	return c.scheduler.Interval()
}

// SetDefaultPollInterval changes the default interval and applies it now.
func (c *Coordinator) SetDefaultPollInterval(d time.Duration) error {
	if err := checkInterval(d); err != nil {
		return err
	}
	c.scheduler.SetDefault(d)
	c.metrics.observeInterval(c.scheduler.Interval())
	return nil
}

func (c *Coordinator) isSetUp() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.setUp
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// missingFrom returns the IDs in before that cache no longer holds.
func missingFrom(cache *device.Cache, before []string) []string {
	var missing []string
	for _, id := range before {
		if !cache.Has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// withoutPresent drops the IDs that are still in the cache.
func withoutPresent(cache *device.Cache, ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if !cache.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func countKinds(events []gateway.Event) map[string]int {
	kinds := make(map[string]int)
	for _, ev := range events {
		kinds[string(ev.Kind)]++
	}
	return kinds
}
