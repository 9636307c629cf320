package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/logging"
	_ "github.com/nerrad567/gray-logic-tahoma/migrations" // registers embedded migrations
)

// Compile-time interface checks.
var (
	_ Coordinator          = (*coordinator.Coordinator)(nil)
	_ PollSettings         = (*coordinator.Poller)(nil)
	_ coordinator.Listener = (*Server)(nil)
)

const blindURL = "io://1234-5678-9012/12345678"

// fakeCoordinator implements Coordinator for testing.
type fakeCoordinator struct {
	mu         sync.Mutex
	devices    []*device.Device
	executions []string
	refreshing bool
	status     coordinator.Status
	interval   time.Duration
	def        time.Duration
	refreshErr error
	refreshes  int
	commandErr error
	commands   []gateway.Command
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		devices: []*device.Device{
			{
				ID:        blindURL,
				Label:     "Living room blind",
				Widget:    "PositionableRollerShutter",
				UIClass:   "RollerShutter",
				Available: true,
				States: map[string]device.State{
					"core:ClosureState": {Name: "core:ClosureState", Type: device.DataTypeInteger, Value: int64(40), Raw: int64(40)},
				},
			},
			{
				ID:        "io://1234-5678-9012/5550001",
				Label:     "Hall light",
				Widget:    "DimmerLight",
				UIClass:   "Light",
				Available: false,
				States:    map[string]device.State{},
			},
		},
		status:   coordinator.Status{Cycles: 1},
		interval: 30 * time.Second,
		def:      30 * time.Second,
	}
}

func (f *fakeCoordinator) Devices() []*device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*device.Device, len(f.devices))
	for i, d := range f.devices {
		out[i] = d.DeepCopy()
	}
	return out
}

func (f *fakeCoordinator) Device(id string) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == id {
			return d.DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
}

func (f *fakeCoordinator) DeviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *fakeCoordinator) Executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.executions...)
}

func (f *fakeCoordinator) RefreshInProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshing
}

func (f *fakeCoordinator) Status() coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCoordinator) PollInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *fakeCoordinator) SetPollInterval(d time.Duration) error {
	if d < coordinator.FastInterval {
		return fmt.Errorf("%w: %s", coordinator.ErrInvalidInterval, d)
	}
	f.mu.Lock()
	f.interval = d
	f.mu.Unlock()
	return nil
}

func (f *fakeCoordinator) RestorePollInterval() {
	f.mu.Lock()
	f.interval = f.def
	f.mu.Unlock()
}

func (f *fakeCoordinator) RequestManualRefresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.refreshing = true
	f.interval = coordinator.FastInterval
	return nil
}

func (f *fakeCoordinator) ExecuteCommand(_ context.Context, deviceURL string, cmd gateway.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if _, err := f.Device(deviceURL); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commandErr != nil {
		return "", f.commandErr
	}
	f.commands = append(f.commands, cmd)
	return fmt.Sprintf("exec-%d", len(f.commands)), nil
}

type fakeMQTT struct{ connected bool }

func (m fakeMQTT) IsConnected() bool { return m.connected }

// testServer creates a Server backed by a fake coordinator and a migrated
// SQLite history store.
func testServer(t *testing.T) (*Server, *fakeCoordinator, *device.SQLiteHistoryRepository) {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "tahoma.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	history := device.NewSQLiteHistoryRepository(db.DB)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tahoma_test_total",
		Help: "Test counter.",
	}))

	coord := newFakeCoordinator()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:      log,
		Coordinator: coord,
		History:     history,
		Audit:       audit.NewSQLiteRepository(db.DB),
		MQTT:        fakeMQTT{connected: true},
		Gatherer:    registry,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	go srv.drainAuditLog(ctx)

	return srv, coord, history
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Discard()
	if _, err := New(Deps{Coordinator: newFakeCoordinator()}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("expected error without coordinator")
	}
}

func TestHealth(t *testing.T) {
	srv, coord, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" || resp["mqtt_connected"] != true {
		t.Errorf("resp = %v", resp)
	}
	if resp["devices"] != float64(2) {
		t.Errorf("devices = %v, want 2", resp["devices"])
	}

	coord.status = coordinator.Status{Cycles: 2, LastError: "boom", LastReason: coordinator.ReasonUpdateFailed}
	resp = decode(t, do(t, router, http.MethodGet, "/api/v1/health", ""))
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID", w.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRecovery(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv, _, _ := testServer(t)

	body := `{"seconds": 5, "pad": "` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/poll-interval", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tahoma_test_total") {
		t.Errorf("metrics body missing collector:\n%s", w.Body.String())
	}
}

func TestSystem(t *testing.T) {
	srv, _, _ := testServer(t)

	var m SystemMetrics
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/system", "")
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Coordinator.Devices != 2 || m.Coordinator.Unavailable != 1 {
		t.Errorf("coordinator = %+v", m.Coordinator)
	}
	if m.Coordinator.ByUIClass["RollerShutter"] != 1 || m.Coordinator.ByUIClass["Light"] != 1 {
		t.Errorf("by_ui_class = %v", m.Coordinator.ByUIClass)
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount float64
	}{
		{"all", "", http.StatusOK, 2},
		{"by ui class", "?ui_class=RollerShutter", http.StatusOK, 1},
		{"by widget", "?widget=DimmerLight", http.StatusOK, 1},
		{"available only", "?available=true", http.StatusOK, 1},
		{"no match", "?ui_class=HeatingSystem", http.StatusOK, 0},
		{"invalid available", "?available=maybe", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, "/api/v1/devices"+tt.query, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if got := decode(t, w)["count"]; got != tt.wantCount {
				t.Errorf("count = %v, want %v", got, tt.wantCount)
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/devices/io:%2F%2F1234-5678-9012%2F12345678", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var d device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ID != blindURL || d.States["core:ClosureState"].Value != float64(40) {
		t.Errorf("device = %+v", d)
	}

	w = do(t, router, http.MethodGet, "/api/v1/devices/io:%2F%2Fmissing%2F1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", w.Code)
	}
}

func TestGetDeviceHistory(t *testing.T) {
	srv, _, history := testServer(t)
	router := srv.buildRouter()
	ctx := context.Background()

	for i := range 3 {
		states := map[string]any{"core:ClosureState": int64(i * 10)}
		if err := history.RecordSnapshot(ctx, blindURL, states, device.HistorySourceEvent); err != nil {
			t.Fatalf("RecordSnapshot() error = %v", err)
		}
	}

	path := "/api/v1/devices/io:%2F%2F1234-5678-9012%2F12345678/history"
	w := do(t, router, http.MethodGet, path+"?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["count"] != float64(2) || resp["device_id"] != blindURL {
		t.Errorf("resp = %v", resp)
	}

	if w := do(t, router, http.MethodGet, path+"?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodGet, path+"?limit=1000", ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit=1000 status = %d, want 400", w.Code)
	}

	srv.history = nil
	if w := do(t, router, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no history status = %d, want 503", w.Code)
	}
}

func TestListExecutions(t *testing.T) {
	srv, coord, _ := testServer(t)
	coord.executions = []string{"exec-1", "exec-2"}
	coord.refreshing = true

	resp := decode(t, do(t, srv.buildRouter(), http.MethodGet, "/api/v1/executions", ""))
	if resp["count"] != float64(2) || resp["refreshing"] != true {
		t.Errorf("resp = %v", resp)
	}
}

// ─── Control Tests ─────────────────────────────────────────────────

func TestRefresh(t *testing.T) {
	srv, coord, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodPost, "/api/v1/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["refreshing"] != true || resp["poll_interval_seconds"] != float64(1) {
		t.Errorf("resp = %v", resp)
	}
	if coord.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", coord.refreshes)
	}
}

func TestRefresh_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not set up", coordinator.ErrNotSetUp, http.StatusServiceUnavailable},
		{
			"gateway failure",
			&coordinator.UpdateFailedError{Reason: coordinator.ReasonTooManyRequests, Err: gateway.ErrTooManyRequests},
			http.StatusBadGateway,
		},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, coord, _ := testServer(t)
			coord.refreshErr = tt.err

			w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/refresh", "")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestPollInterval(t *testing.T) {
	srv, coord, _ := testServer(t)
	router := srv.buildRouter()

	resp := decode(t, do(t, router, http.MethodGet, "/api/v1/poll-interval", ""))
	if resp["poll_interval_seconds"] != float64(30) {
		t.Errorf("initial = %v, want 30", resp["poll_interval_seconds"])
	}

	w := do(t, router, http.MethodPut, "/api/v1/poll-interval", `{"seconds": 5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", w.Code, w.Body.String())
	}
	if coord.PollInterval() != 5*time.Second {
		t.Errorf("interval = %v, want 5s", coord.PollInterval())
	}

	w = do(t, router, http.MethodPut, "/api/v1/poll-interval", `{"seconds": 0.2}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("below minimum status = %d, want 400", w.Code)
	}
	if resp := decode(t, w); resp["code"] != ErrCodeValidation {
		t.Errorf("code = %v, want %s", resp["code"], ErrCodeValidation)
	}

	for _, body := range []string{`{"seconds": 86401}`, `{"seconds": 1e300}`} {
		w = do(t, router, http.MethodPut, "/api/v1/poll-interval", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", body, w.Code)
		}
		if coord.PollInterval() != 5*time.Second {
			t.Errorf("%s changed interval to %v", body, coord.PollInterval())
		}
	}

	if w := do(t, router, http.MethodPut, "/api/v1/poll-interval", `{bad`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/api/v1/poll-interval", "")
	if w.Code != http.StatusOK || coord.PollInterval() != 30*time.Second {
		t.Errorf("restore status = %d, interval = %v", w.Code, coord.PollInterval())
	}
}

func TestExecuteCommand(t *testing.T) {
	const blindCommands = "/api/v1/devices/io:%2F%2F1234-5678-9012%2F12345678/commands"

	tests := []struct {
		name       string
		path       string
		body       string
		commandErr error
		wantCode   int
	}{
		{"accepted", blindCommands, `{"name":"setClosure","args":[50]}`, nil, http.StatusAccepted},
		{"invalid JSON", blindCommands, `{bad`, nil, http.StatusBadRequest},
		{"missing name", blindCommands, `{"args":[50]}`, nil, http.StatusBadRequest},
		{"bool argument", blindCommands, `{"name":"setOnOff","args":[true]}`, nil, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/io:%2F%2Fmissing%2F1/commands", `{"name":"open"}`, nil, http.StatusNotFound},
		{"not set up", blindCommands, `{"name":"open"}`, coordinator.ErrNotSetUp, http.StatusServiceUnavailable},
		{"gateway failure", blindCommands, `{"name":"open"}`, gateway.ErrTooManyRequests, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, coord, _ := testServer(t)
			coord.commandErr = tt.commandErr

			w := do(t, srv.buildRouter(), http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode != http.StatusAccepted {
				return
			}

			resp := decode(t, w)
			if resp["exec_id"] != "exec-1" || resp["device_id"] != blindURL || resp["command"] != "setClosure" {
				t.Errorf("response = %v", resp)
			}
			if len(coord.commands) != 1 || coord.commands[0].Args[0] != float64(50) {
				t.Errorf("commands = %+v", coord.commands)
			}
		})
	}
}

func TestSettings(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	client, err := gateway.NewFixtureClient(gateway.Fixture{})
	if err != nil {
		t.Fatalf("NewFixtureClient() error = %v", err)
	}
	coord, err := coordinator.New(coordinator.Options{Client: client, DefaultInterval: 30 * time.Second})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	if err := coord.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	poller, err := coordinator.NewPoller(coordinator.PollerOptions{Coordinator: coord, RefreshInterval: 720 * time.Second})
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}
	srv.settings = poller

	resp := decode(t, do(t, router, http.MethodGet, "/api/v1/settings", ""))
	if resp["update_interval_seconds"] != float64(30) || resp["refresh_state_interval_seconds"] != float64(720) {
		t.Errorf("initial settings = %v", resp)
	}

	w := do(t, router, http.MethodPut, "/api/v1/settings", `{"update_interval_seconds": 60, "refresh_state_interval_seconds": 300}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := poller.Settings(); got.UpdateInterval != time.Minute || got.RefreshInterval != 5*time.Minute {
		t.Errorf("Settings() = %+v", got)
	}
	if coord.PollInterval() != time.Minute {
		t.Errorf("coordinator interval = %v, want 1m", coord.PollInterval())
	}
	if client.Stats().Fetches != 1 {
		t.Errorf("fetches = %d, want one cycle after the update interval change", client.Stats().Fetches)
	}

	for _, body := range []string{
		`{}`,
		`{"update_interval_seconds": 0.5}`,
		`{"update_interval_seconds": 1e300}`,
		`{"refresh_state_interval_seconds": 10}`,
		`{"refresh_state_interval_seconds": 90000}`,
	} {
		w := do(t, router, http.MethodPut, "/api/v1/settings", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", body, w.Code)
		}
	}
	if got := poller.Settings(); got.UpdateInterval != time.Minute || got.RefreshInterval != 5*time.Minute {
		t.Errorf("rejected updates changed settings: %+v", got)
	}

	if w := do(t, router, http.MethodPut, "/api/v1/settings", `{bad`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", w.Code)
	}
}

func TestSettings_NotConfigured(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/settings", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET status = %d, want 503", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/api/v1/settings", `{"update_interval_seconds": 60}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("PUT status = %d, want 503", w.Code)
	}
}

func TestAuditLogs(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodPost, "/api/v1/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", w.Code)
	}
	if w := do(t, router, http.MethodPut, "/api/v1/poll-interval", `{"seconds": 5}`); w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/api/v1/poll-interval", ""); w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	srv.OnCycle(context.Background(), coordinator.Change{CycleID: "c7", Removed: []string{blindURL}})

	var result audit.ListResult
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := do(t, router, http.MethodGet, "/api/v1/audit-logs", "")
		if w.Code != http.StatusOK {
			t.Fatalf("list status = %d, body = %s", w.Code, w.Body.String())
		}
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if result.Total == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit total = %d, want 4", result.Total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	actions := make(map[string]audit.AuditLog)
	for _, l := range result.Logs {
		actions[l.Action] = l
	}
	for _, a := range []string{audit.ActionRefresh, audit.ActionPollIntervalSet, audit.ActionPollIntervalRestore, audit.ActionDeviceRemoved} {
		if _, ok := actions[a]; !ok {
			t.Errorf("missing audit action %q", a)
		}
	}
	if removed := actions[audit.ActionDeviceRemoved]; removed.DeviceID != blindURL || removed.Source != audit.SourceGateway {
		t.Errorf("device_removed entry = %+v", removed)
	}
	if set := actions[audit.ActionPollIntervalSet]; set.Source != audit.SourceAPI || set.Details["seconds"] != float64(5) {
		t.Errorf("poll_interval_set entry = %+v", set)
	}

	escaped := "/api/v1/audit-logs?action=device_removed&device_id=" + strings.ReplaceAll(blindURL, "/", "%2F")
	if resp := decode(t, do(t, router, http.MethodGet, escaped, "")); resp["total"] != float64(1) {
		t.Errorf("filtered total = %v, want 1", resp["total"])
	}
}

func TestAuditLogs_NotConfigured(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.auditRepo = nil

	if w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/audit-logs", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func newTestStreamClient(watch ...string) *streamClient {
	c := &streamClient{send: make(chan []byte, streamBufferSize)}
	if len(watch) > 0 {
		c.devices = make(map[string]struct{}, len(watch))
		for _, id := range watch {
			c.devices[id] = struct{}{}
		}
	}
	return c
}

func readFrame(t *testing.T, c *streamClient) StreamFrame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var f StreamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return StreamFrame{}
}

func streamDevices() []*device.Device {
	return []*device.Device{{ID: "io://a"}, {ID: "io://b"}, {ID: "io://c"}}
}

func TestHub_AttachSendsFilteredSnapshot(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())

	all := newTestStreamClient()
	one := newTestStreamClient("io://b")
	for _, c := range []*streamClient{all, one} {
		if !hub.attach(c, streamDevices) {
			t.Fatal("attach() = false")
		}
	}

	if f := readFrame(t, all); f.Type != FrameSnapshot || len(f.Devices) != 3 {
		t.Errorf("unfiltered snapshot = %+v", f)
	}
	f := readFrame(t, one)
	if f.Type != FrameSnapshot || len(f.Devices) != 1 || f.Devices[0].ID != "io://b" {
		t.Errorf("filtered snapshot = %+v", f)
	}
	if f.Cycle != nil {
		t.Error("snapshot should carry no cycle")
	}
	if hub.ClientCount() != 2 {
		t.Errorf("ClientCount() = %d, want 2", hub.ClientCount())
	}
}

func TestHub_PublishFiltersByDevice(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())

	all := newTestStreamClient()
	watchA := newTestStreamClient("io://a")
	watchGone := newTestStreamClient("io://gone")
	watchC := newTestStreamClient("io://c")
	for _, c := range []*streamClient{all, watchA, watchGone, watchC} {
		hub.attach(c, streamDevices)
		readFrame(t, c)
	}

	hub.Publish(coordinator.Change{
		CycleID: "c1",
		Changed: []*device.Device{{ID: "io://a"}, {ID: "io://b"}},
		Removed: []string{"io://gone"},
	})

	f := readFrame(t, all)
	if f.Type != FrameCycle || f.Cycle == nil || f.Cycle.CycleID != "c1" {
		t.Fatalf("unfiltered frame = %+v", f)
	}
	if len(f.Devices) != 2 || len(f.Cycle.Changed) != 2 || len(f.Cycle.Removed) != 1 {
		t.Errorf("unfiltered frame devices=%d changed=%v removed=%v", len(f.Devices), f.Cycle.Changed, f.Cycle.Removed)
	}

	f = readFrame(t, watchA)
	if len(f.Devices) != 1 || f.Devices[0].ID != "io://a" {
		t.Errorf("watchA devices = %+v", f.Devices)
	}
	if len(f.Cycle.Changed) != 1 || len(f.Cycle.Removed) != 0 {
		t.Errorf("watchA cycle = %+v", f.Cycle)
	}

	f = readFrame(t, watchGone)
	if len(f.Devices) != 0 || len(f.Cycle.Removed) != 1 || f.Cycle.Removed[0] != "io://gone" {
		t.Errorf("watchGone frame = %+v", f)
	}

	select {
	case <-watchC.send:
		t.Error("client watching an untouched device should receive nothing")
	default:
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())

	slow := &streamClient{send: make(chan []byte, 1)}
	hub.attach(slow, streamDevices) // snapshot fills the buffer

	hub.Publish(coordinator.Change{CycleID: "c1", Changed: []*device.Device{{ID: "io://a"}}})

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if hub.Evicted() != 1 {
		t.Errorf("Evicted() = %d, want 1", hub.Evicted())
	}
	if f := readFrame(t, slow); f.Type != FrameSnapshot {
		t.Errorf("queued frame = %q, want snapshot", f.Type)
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel should be closed after eviction")
	}

	hub.detach(slow) // already gone; must not close twice
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	c := newTestStreamClient()
	hub.attach(c, streamDevices)
	readFrame(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after Run returns")
	}
	if hub.attach(newTestStreamClient(), streamDevices) {
		t.Error("attach() after shutdown = true, want false")
	}
}

func TestNewCycleEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := newCycleEvent(coordinator.Change{
		CycleID:    "c1",
		At:         at,
		Changed:    []*device.Device{{ID: "io://b"}, {ID: "io://a"}},
		Events:     4,
		Executions: 1,
		Interval:   time.Second,
	})

	if ev.CycleID != "c1" || !ev.At.Equal(at) || ev.Events != 4 || ev.Executions != 1 {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Changed) != 2 || ev.Changed[0] != "io://b" {
		t.Errorf("changed = %v, want commit order", ev.Changed)
	}
	if ev.Removed == nil {
		t.Error("removed should encode as [] not null")
	}
	if ev.PollIntervalSeconds != 1 {
		t.Errorf("poll interval = %v", ev.PollIntervalSeconds)
	}
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestWebSocket_StreamsCommittedCycles(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialStream(t, ts, "")

	var snap StreamFrame
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != FrameSnapshot || len(snap.Devices) != 2 {
		t.Fatalf("snapshot type=%q devices=%d, want snapshot/2", snap.Type, len(snap.Devices))
	}

	srv.OnCycle(context.Background(), coordinator.Change{
		CycleID: "c42",
		Changed: []*device.Device{{ID: blindURL}},
	})

	var ev StreamFrame
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read cycle: %v", err)
	}
	if ev.Type != FrameCycle || ev.Cycle == nil || ev.Cycle.CycleID != "c42" {
		t.Fatalf("cycle frame = %+v", ev)
	}
	if len(ev.Devices) != 1 || ev.Devices[0].ID != blindURL {
		t.Errorf("devices = %+v", ev.Devices)
	}
}

func TestWebSocket_DeviceFilter(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialStream(t, ts, "?device="+strings.ReplaceAll(blindURL, "/", "%2F"))

	var snap StreamFrame
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].ID != blindURL {
		t.Fatalf("snapshot devices = %+v", snap.Devices)
	}

	// The light cycle is filtered out; the next frame is the blind's.
	srv.OnCycle(context.Background(), coordinator.Change{
		CycleID: "light",
		Changed: []*device.Device{{ID: "io://1234-5678-9012/5550001"}},
	})
	srv.OnCycle(context.Background(), coordinator.Change{
		CycleID: "blind",
		Changed: []*device.Device{{ID: blindURL}},
	})

	var ev StreamFrame
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read cycle: %v", err)
	}
	if ev.Cycle == nil || ev.Cycle.CycleID != "blind" {
		t.Errorf("cycle frame = %+v, want cycle blind", ev)
	}
}

func TestWebSocket_RejectsBadFilter(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	tooMany := make([]string, 0, maxStreamDevices+1)
	for i := 0; i <= maxStreamDevices; i++ {
		tooMany = append(tooMany, fmt.Sprintf("device=io%%3A%%2F%%2F1%%2F%d", i))
	}

	tests := []struct {
		name  string
		query string
	}{
		{"empty device", "?device="},
		{"too long", "?device=" + strings.Repeat("x", maxDeviceIDLen+1)},
		{"too many", "?" + strings.Join(tooMany, "&")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, "/api/v1/ws"+tt.query, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}
