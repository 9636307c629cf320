package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Coordinator is the host interface the API exposes.
// *coordinator.Coordinator satisfies it.
type Coordinator interface {
	Devices() []*device.Device
	Device(id string) (*device.Device, error)
	DeviceCount() int
	Executions() []string
	RefreshInProgress() bool
	Status() coordinator.Status
	PollInterval() time.Duration
	SetPollInterval(d time.Duration) error
	RestorePollInterval()
	RequestManualRefresh(ctx context.Context) error
	ExecuteCommand(ctx context.Context, deviceURL string, cmd gateway.Command) (string, error)
}

// PollSettings reads and changes the polling settings.
// *coordinator.Poller satisfies it.
type PollSettings interface {
	Settings() coordinator.Settings
	ApplySettings(ctx context.Context, s coordinator.Settings) error
}

// ConnectionChecker reports whether a dependency is connected.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Coordinator Coordinator
	Settings    PollSettings             // optional; /settings returns 503 without it
	History     device.HistoryRepository // optional; history endpoint returns 503 without it
	Audit       audit.Repository         // optional; actions are not recorded without it
	MQTT        ConnectionChecker        // optional; reported by /health
	Gatherer    prometheus.Gatherer      // optional; /metrics is not mounted without it
	Version     string
}

// Server is the HTTP API server for the TaHoma bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// It also implements coordinator.Listener so committed cycles reach
// WebSocket clients.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	coordinator Coordinator
	settings    PollSettings
	history     device.HistoryRepository
	auditRepo   audit.Repository
	auditCh     chan *audit.AuditLog
	auditDone   chan struct{}
	mqtt        ConnectionChecker
	gatherer    prometheus.Gatherer
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // stops the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. The WebSocket hub
// exists from construction so cycles committed before Start are dropped
// rather than racing the listener.
//
// Parameters:
//   - deps: Required dependencies (logger, coordinator)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
		settings:    deps.Settings,
		history:     deps.History,
		auditRepo:   deps.Audit,
		mqtt:        deps.MQTT,
		gatherer:    deps.Gatherer,
		version:     deps.Version,
		startTime:   time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	if s.auditCh != nil {
		s.auditDone = make(chan struct{})
		go func() {
			defer close(s.auditDone)
			s.drainAuditLog(srvCtx)
		}()
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.auditDone != nil {
		<-s.auditDone
	}

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// OnCycle streams a committed cycle to WebSocket clients and audits
// removed devices. It implements coordinator.Listener.
func (s *Server) OnCycle(_ context.Context, change coordinator.Change) {
	s.hub.Publish(change)

	for _, id := range change.Removed {
		s.auditLog(audit.ActionDeviceRemoved, id, audit.SourceGateway, map[string]any{"cycle_id": change.CycleID})
	}
}
