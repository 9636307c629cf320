package tahoma

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/mqtt"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu         sync.Mutex
	published  []mockPublish
	handlers   map[string]mqtt.MessageHandler
	connected  bool
	publishErr error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// GetPublished returns publishes, optionally filtered by topic prefix.
func (m *MockMQTTClient) GetPublished(prefix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if len(p.Topic) >= len(prefix) && p.Topic[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers a message to the handler subscribed on pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return handler(topic, payload)
}

// mockController implements Controller for testing.
type mockController struct {
	mu          sync.Mutex
	status      coordinator.Status
	devices     int
	interval    time.Duration
	def         time.Duration
	refreshErr  error
	refreshes   int
	refreshDone chan struct{}
	commandErr  error
	commands    []gateway.Command
}

func newMockController() *mockController {
	return &mockController{
		interval:    30 * time.Second,
		def:         30 * time.Second,
		refreshDone: make(chan struct{}, 10),
	}
}

func (c *mockController) Status() coordinator.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *mockController) DeviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices
}

func (c *mockController) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *mockController) RequestManualRefresh(context.Context) error {
	c.mu.Lock()
	c.refreshes++
	err := c.refreshErr
	c.mu.Unlock()
	c.refreshDone <- struct{}{}
	return err
}

func (c *mockController) SetPollInterval(d time.Duration) error {
	if d < coordinator.FastInterval {
		return coordinator.ErrInvalidInterval
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	return nil
}

func (c *mockController) RestorePollInterval() {
	c.mu.Lock()
	c.interval = c.def
	c.mu.Unlock()
}

func (c *mockController) ExecuteCommand(_ context.Context, _ string, cmd gateway.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandErr != nil {
		return "", c.commandErr
	}
	c.commands = append(c.commands, cmd)
	return "exec-1", nil
}

// mockSettings implements SettingsController for testing.
type mockSettings struct {
	mu      sync.Mutex
	current coordinator.Settings
	applied int
}

func (m *mockSettings) Settings() coordinator.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockSettings) ApplySettings(_ context.Context, s coordinator.Settings) error {
	if s.RefreshInterval != 0 && s.RefreshInterval < coordinator.MinRefreshInterval {
		return coordinator.ErrInvalidInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied++
	if s.UpdateInterval != 0 {
		m.current.UpdateInterval = s.UpdateInterval
	}
	if s.RefreshInterval != 0 {
		m.current.RefreshInterval = s.RefreshInterval
	}
	return nil
}

// mockMetrics implements MetricsWriter for testing.
type mockMetrics struct {
	mu           sync.Mutex
	values       map[string]float64
	availability map[string]bool
	cycles       []influxdb.CycleStats
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		values:       make(map[string]float64),
		availability: make(map[string]bool),
	}
}

func (m *mockMetrics) WriteCycle(stats influxdb.CycleStats, samples []influxdb.DeviceSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		for name, v := range s.Values {
			m.values[s.DeviceID+"|"+name] = v
		}
		m.availability[s.DeviceID] = s.Available
	}
	m.cycles = append(m.cycles, stats)
}

// mockHistory implements device.HistoryRepository for testing.
type mockHistory struct {
	mu      sync.Mutex
	entries []device.HistoryEntry
}

func (h *mockHistory) RecordSnapshot(_ context.Context, deviceID string, states map[string]any, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, device.HistoryEntry{DeviceID: deviceID, States: states, Source: source})
	return nil
}

func (h *mockHistory) GetHistory(_ context.Context, deviceID string, _ int) ([]device.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []device.HistoryEntry
	for _, e := range h.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// mockAudit implements audit.Repository for testing.
type mockAudit struct {
	mu   sync.Mutex
	logs []audit.AuditLog
}

func (a *mockAudit) Create(_ context.Context, log *audit.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, *log)
	return nil
}

func (a *mockAudit) List(_ context.Context, _ audit.Filter) (*audit.ListResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	logs := append([]audit.AuditLog(nil), a.logs...)
	return &audit.ListResult{Logs: logs, Total: len(logs)}, nil
}

func (a *mockAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

func testDevice(id string, closure int64, open bool) *device.Device {
	return &device.Device{
		ID:        id,
		Label:     "Living room blind",
		Widget:    "PositionableRollerShutter",
		UIClass:   "RollerShutter",
		Available: true,
		States: map[string]device.State{
			"core:ClosureState":    {Name: "core:ClosureState", Type: device.DataTypeInteger, Value: closure, Raw: closure},
			"core:OpenClosedState": {Name: "core:OpenClosedState", Type: device.DataTypeString, Value: "open", Raw: "open"},
			"core:StatusState":     {Name: "core:StatusState", Type: device.DataTypeBoolean, Value: open, Raw: open},
		},
	}
}
