package tahoma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/mqtt"
)

// requestTimeout bounds a request-triggered refresh.
const requestTimeout = 30 * time.Second

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Bridge mirrors committed coordinator state onto the Gray Logic bus.
// It handles:
//   - Publishing retained state messages for changed devices
//   - Clearing retained state for removed devices
//   - Writing state telemetry to InfluxDB and snapshots to SQLite
//   - Serving refresh, poll-interval, command and settings requests from
//     MQTT and auditing them
//   - Health reporting
//
// Bridge implements coordinator.Listener and gateway.DeviceRegistry.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt       MQTTClient
	controller Controller
	metrics    MetricsWriter
	history    device.HistoryRepository
	audit      audit.Repository
	settings   SettingsController
	health     *HealthReporter

	// published holds the last state payload per device (timestamp
	// excluded) so unchanged devices are not republished.
	published   map[string][]byte
	publishedMu sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Controller is the coordinator surface driven by MQTT requests and read by
// the health reporter. *coordinator.Coordinator satisfies it.
type Controller interface {
	StatusSource
	RequestManualRefresh(ctx context.Context) error
	SetPollInterval(d time.Duration) error
	RestorePollInterval()
	ExecuteCommand(ctx context.Context, deviceURL string, cmd gateway.Command) (string, error)
}

// SettingsController reads and changes the polling settings.
// *coordinator.Poller satisfies it.
type SettingsController interface {
	Settings() coordinator.Settings
	ApplySettings(ctx context.Context, s coordinator.Settings) error
}

// MetricsWriter receives cycle telemetry. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteCycle(stats influxdb.CycleStats, samples []influxdb.DeviceSample)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies the bridge in health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// MQTTClient publishes state and receives requests. Required.
	MQTTClient MQTTClient

	// Controller is the coordinator. Required.
	Controller Controller

	// Metrics is optional; nil disables telemetry writes.
	Metrics MetricsWriter

	// History is optional; nil disables snapshot recording.
	History device.HistoryRepository

	// Audit is optional; nil disables recording of MQTT-initiated actions.
	Audit audit.Repository

	// Settings is optional; nil makes settings requests fail.
	Settings SettingsController

	// Logger is optional.
	Logger Logger
}

// NewBridge creates a new bridge. Register it with the coordinator
// (AddListener, SetRegistry) and call Start.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:       opts.MQTTClient,
		controller: opts.Controller,
		metrics:    opts.Metrics,
		history:    opts.History,
		audit:      opts.Audit,
		settings:   opts.Settings,
		published:  make(map[string][]byte),
		ctx:        ctx,
		ctxCancel:  cancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    opts.Controller,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to requests and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := mqtt.Topics{}.AllRequests()
	if err := b.mqtt.Subscribe(topic, 1, b.handleRequest); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", topic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	b.logInfo("bridge started")
	return nil
}

// Stop cancels in-flight requests, waits for them, and publishes "stopping".
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.wg.Wait()
		b.health.Stop()
		b.logInfo("bridge stopped")
	})
}

// PublishHealth publishes the current health immediately.
// Wire it to the MQTT client's OnConnect callback.
func (b *Bridge) PublishHealth() {
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// OnCycle mirrors one committed cycle. It implements coordinator.Listener.
func (b *Bridge) OnCycle(ctx context.Context, change coordinator.Change) {
	source := device.HistorySourceEvent
	if change.Resync {
		source = device.HistorySourceResync
	}

	published := 0
	live := make(map[string]bool, len(change.Changed))
	for _, d := range change.Changed {
		live[d.ID] = true
		if b.publishState(d) {
			published++
		}
		if b.history != nil {
			if err := b.history.RecordSnapshot(ctx, d.ID, d.StateValues(), source); err != nil {
				b.logError("failed to record state history", fmt.Errorf("device=%s: %w", d.ID, err))
			}
		}
	}

	// Devices removed through RemoveDevice are already cleared; this
	// catches those that vanished on a device list refetch.
	for _, id := range change.Removed {
		if live[id] {
			continue
		}
		b.publishedMu.Lock()
		_, stale := b.published[id]
		b.publishedMu.Unlock()
		if !stale {
			continue
		}
		if err := b.RemoveDevice(ctx, id); err != nil {
			b.logError("failed to clear vanished device", err)
		}
	}

	b.writeMetrics(change)

	b.logDebug("cycle mirrored",
		"cycle_id", change.CycleID,
		"changed", len(change.Changed),
		"published", published,
		"removed", len(change.Removed))
}

// RemoveDevice clears the retained state of a removed device.
// It implements gateway.DeviceRegistry.
func (b *Bridge) RemoveDevice(_ context.Context, id string) error {
	b.publishedMu.Lock()
	delete(b.published, id)
	b.publishedMu.Unlock()

	if err := b.mqtt.Publish(mqtt.Topics{}.State(id), nil, 1, true); err != nil {
		return fmt.Errorf("clearing retained state for %s: %w", id, err)
	}
	b.logInfo("device removed", "device_url", id)
	return nil
}

// publishState publishes d's state if it differs from the last publish.
// Returns true if a message was sent.
func (b *Bridge) publishState(d *device.Device) bool {
	msg := NewStateMessage(d)

	// Dedupe on content; the timestamp moves on every event.
	key, err := json.Marshal(struct {
		State     map[string]any `json:"state"`
		Available bool           `json:"available"`
		Label     string         `json:"label"`
	}{msg.State, msg.Available, msg.Label})
	if err != nil {
		b.logError("failed to marshal state key", err)
		return false
	}

	b.publishedMu.Lock()
	unchanged := bytes.Equal(b.published[d.ID], key)
	b.publishedMu.Unlock()
	if unchanged {
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return false
	}

	if err := b.mqtt.Publish(mqtt.Topics{}.State(d.ID), payload, 1, true); err != nil {
		b.logError("failed to publish state", fmt.Errorf("device=%s: %w", d.ID, err))
		return false
	}

	b.publishedMu.Lock()
	b.published[d.ID] = key
	b.publishedMu.Unlock()
	return true
}

// writeMetrics writes the numeric and boolean states and availability of
// every changed device, plus the cycle statistics.
func (b *Bridge) writeMetrics(change coordinator.Change) {
	if b.metrics == nil {
		return
	}

	samples := make([]influxdb.DeviceSample, 0, len(change.Changed))
	for _, d := range change.Changed {
		sample := influxdb.DeviceSample{
			DeviceID:  d.ID,
			Available: d.Available,
			Values:    make(map[string]float64, len(d.States)),
		}
		for name, s := range d.States {
			if v, ok := metricValue(s.Value); ok {
				sample.Values[name] = v
			}
		}
		samples = append(samples, sample)
	}

	b.metrics.WriteCycle(influxdb.CycleStats{
		CycleID:    change.CycleID,
		At:         change.At,
		Events:     change.Events,
		Changed:    len(change.Changed),
		Removed:    len(change.Removed),
		Executions: change.Executions,
		Resync:     change.Resync,
		Refreshing: change.Refreshing,
		Interval:   change.Interval,
	}, samples)
}

// metricValue converts a typed state value to a float for telemetry.
// Strings, dates and JSON values are not recorded.
func metricValue(v any) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// handleRequest processes a request from graylogic/request/tahoma/+.
func (b *Bridge) handleRequest(topic string, payload []byte) error {
	req, err := parseRequest(topic, payload)
	if err != nil {
		b.publishResponse(newErrorResponse(req.RequestID, ErrCodeInvalidRequest, err.Error()))
		return err
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	switch req.Action {
	case ActionRefresh:
		// Refresh waits behind any running cycle.
		b.respondAsync(req, b.handleRefresh)
		return nil
	case ActionPollInterval:
		b.publishResponse(b.handlePollInterval(req))
		return nil
	case ActionCommand:
		b.respondAsync(req, b.handleCommand)
		return nil
	case ActionSettings:
		b.respondAsync(req, b.handleSettings)
		return nil
	default:
		b.publishResponse(newErrorResponse(req.RequestID, ErrCodeUnknownAction,
			fmt.Sprintf("unknown action: %s", req.Action)))
		return fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
}

// respondAsync answers req from a tracked goroutine so gateway calls never
// block the MQTT callback.
func (b *Bridge) respondAsync(req RequestMessage, handle func(RequestMessage) ResponseMessage) {
	if b.ctx.Err() != nil {
		b.publishResponse(newErrorResponse(req.RequestID, ErrCodeGatewayError, "bridge stopping"))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publishResponse(handle(req))
	}()
}

// parseRequest decodes a request. The last topic level is the default for
// both the request ID and the action.
func parseRequest(topic string, payload []byte) (RequestMessage, error) {
	last := topic
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		last = topic[i+1:]
	}

	var req RequestMessage
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			req.RequestID = last
			return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if req.RequestID == "" {
		req.RequestID = last
	}
	if req.Action == "" {
		req.Action = last
	}
	return req, nil
}

func (b *Bridge) handleRefresh(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	if err := b.controller.RequestManualRefresh(ctx); err != nil {
		code := ErrCodeGatewayError
		var failed *coordinator.UpdateFailedError
		if errors.As(err, &failed) {
			code = strings.ToUpper(failed.Reason)
		}
		return newErrorResponse(req.RequestID, code, err.Error())
	}
	b.recordAudit(audit.ActionRefresh, "", map[string]any{"request_id": req.RequestID})
	return newSuccessResponse(req.RequestID, map[string]any{
		"poll_interval_seconds": b.controller.PollInterval().Seconds(),
	})
}

func (b *Bridge) handlePollInterval(req RequestMessage) ResponseMessage {
	restore, _ := req.Parameters["restore"].(bool)
	raw, hasSeconds := req.Parameters["seconds"]

	if restore || !hasSeconds {
		b.controller.RestorePollInterval()
		b.recordAudit(audit.ActionPollIntervalRestore, "", map[string]any{"request_id": req.RequestID})
	} else {
		seconds, ok := raw.(float64)
		if !ok {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters,
				fmt.Sprintf("%v: seconds must be a number", ErrInvalidParameters))
		}
		d, err := coordinator.IntervalFromSeconds(seconds)
		if err != nil {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
		}
		if err := b.controller.SetPollInterval(d); err != nil {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
		}
		b.recordAudit(audit.ActionPollIntervalSet, "", map[string]any{"request_id": req.RequestID, "seconds": seconds})
	}

	return newSuccessResponse(req.RequestID, map[string]any{
		"poll_interval_seconds": b.controller.PollInterval().Seconds(),
	})
}

func (b *Bridge) handleCommand(req RequestMessage) ResponseMessage {
	deviceURL, _ := req.Parameters["device_url"].(string)
	name, _ := req.Parameters["name"].(string)
	if deviceURL == "" || name == "" {
		return newErrorResponse(req.RequestID, ErrCodeInvalidParameters,
			fmt.Sprintf("%v: device_url and name are required", ErrInvalidParameters))
	}
	cmd := gateway.Command{Name: name}
	if raw, ok := req.Parameters["args"]; ok {
		args, ok := raw.([]any)
		if !ok {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters,
				fmt.Sprintf("%v: args must be a list", ErrInvalidParameters))
		}
		cmd.Args = args
	}

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	execID, err := b.controller.ExecuteCommand(ctx, deviceURL, cmd)
	if err != nil {
		code := ErrCodeGatewayError
		switch {
		case errors.Is(err, gateway.ErrInvalidCommand):
			code = ErrCodeInvalidParameters
		case errors.Is(err, device.ErrDeviceNotFound):
			code = ErrCodeDeviceNotFound
		case errors.Is(err, coordinator.ErrNotSetUp):
			code = ErrCodeUnavailable
		}
		return newErrorResponse(req.RequestID, code, err.Error())
	}

	b.recordAudit(audit.ActionCommand, deviceURL, map[string]any{
		"request_id": req.RequestID,
		"command":    name,
		"exec_id":    execID,
	})
	return newSuccessResponse(req.RequestID, map[string]any{
		"device_url": deviceURL,
		"exec_id":    execID,
	})
}

func (b *Bridge) handleSettings(req RequestMessage) ResponseMessage {
	if b.settings == nil {
		return newErrorResponse(req.RequestID, ErrCodeUnavailable, "polling settings unavailable")
	}

	var next coordinator.Settings
	for key, target := range map[string]*time.Duration{
		"update_interval_seconds":        &next.UpdateInterval,
		"refresh_state_interval_seconds": &next.RefreshInterval,
	} {
		raw, ok := req.Parameters[key]
		if !ok {
			continue
		}
		seconds, ok := raw.(float64)
		if !ok {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters,
				fmt.Sprintf("%v: %s must be a number", ErrInvalidParameters, key))
		}
		d, err := coordinator.IntervalFromSeconds(seconds)
		if err != nil {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
		}
		*target = d
	}

	if next != (coordinator.Settings{}) {
		ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
		defer cancel()
		if err := b.settings.ApplySettings(ctx, next); err != nil {
			return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
		}
		b.recordAudit(audit.ActionSettingsUpdate, "", map[string]any{
			"request_id":                     req.RequestID,
			"update_interval_seconds":        next.UpdateInterval.Seconds(),
			"refresh_state_interval_seconds": next.RefreshInterval.Seconds(),
		})
	}

	current := b.settings.Settings()
	refresh := current.RefreshInterval
	if refresh < 0 {
		refresh = 0
	}
	return newSuccessResponse(req.RequestID, map[string]any{
		"update_interval_seconds":        current.UpdateInterval.Seconds(),
		"refresh_state_interval_seconds": refresh.Seconds(),
		"poll_interval_seconds":          b.controller.PollInterval().Seconds(),
	})
}

// recordAudit stores an MQTT-initiated action. Failures are logged only.
func (b *Bridge) recordAudit(action, deviceID string, details map[string]any) {
	if b.audit == nil {
		return
	}
	entry := &audit.AuditLog{Action: action, DeviceID: deviceID, Source: audit.SourceMQTT, Details: details}
	if err := b.audit.Create(context.Background(), entry); err != nil {
		b.logError("failed to record audit log", err)
	}
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Response(resp.RequestID), payload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
