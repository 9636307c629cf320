// Gray Logic TaHoma - cloud gateway reconciliation bridge
//
// This is the main entry point for the TaHoma bridge. It keeps a local mirror
// of the gateway's devices and in-flight executions, reconciles it from the
// gateway's event feed, and publishes committed state to the Gray Logic MQTT
// bus, the HTTP API, InfluxDB and a local SQLite history.
//
// Configuration is read from GRAYLOGIC_CONFIG (default configs/config.yaml).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/gray-logic-tahoma/migrations"

	"github.com/nerrad567/gray-logic-tahoma/internal/api"
	"github.com/nerrad567/gray-logic-tahoma/internal/audit"
	"github.com/nerrad567/gray-logic-tahoma/internal/bridges/tahoma"
	"github.com/nerrad567/gray-logic-tahoma/internal/coordinator"
	"github.com/nerrad567/gray-logic-tahoma/internal/device"
	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-tahoma/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyPruneInterval is how often expired state history is deleted.
const historyPruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup sequence: linear wiring of every component
	log := logging.Default()
	log.Info("starting Gray Logic TaHoma bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	history := device.NewSQLiteHistoryRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	if cfg.Database.HistoryRetentionDays > 0 {
		retention := time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour
		go pruneHistoryLoop(ctx, history, retention, log)
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Gateway client
	client, err := newGatewayClient(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("creating gateway client: %w", err)
	}
	log.Info("gateway client ready", "mode", cfg.Gateway.Mode)

	// Coordinator and its Prometheus collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := coordinator.NewMetrics()
	registry.MustRegister(metrics.Collectors()...)

	coord, err := coordinator.New(coordinator.Options{
		Client:          client,
		DefaultInterval: cfg.GetUpdateInterval(),
		Logger:          log.Component("coordinator"),
		Metrics:         metrics,
	})
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	// The poller exists before the bridge and API so both can change its
	// settings; it starts only after Setup.
	poller, err := coordinator.NewPoller(coordinator.PollerOptions{
		Coordinator:     coord,
		RefreshInterval: cfg.GetRefreshStateInterval(),
		CycleTimeout:    cfg.GetCycleTimeout(),
		Logger:          log.Component("poller"),
	})
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}

	// Connect to MQTT and start the bus bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := startBridge(ctx, cfg, coord, poller, mqttClient, influxClient, history, auditRepo, log)
		if bridgeErr != nil {
			return fmt.Errorf("starting TaHoma bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping TaHoma bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled, bus bridge not started")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, apiErr := startAPIServer(ctx, cfg, coord, poller, history, auditRepo, mqttClient, registry, log)
		if apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// Initial login and device load. The poller starts only after this
	// succeeds; bad credentials or rate limiting abort startup.
	if setupErr := coord.Setup(ctx); setupErr != nil {
		return fmt.Errorf("coordinator setup: %w", setupErr)
	}
	log.Info("coordinator set up", "devices", coord.DeviceCount())

	poller.Start(ctx)
	defer poller.Stop()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// poller, API server, bridge, MQTT, InfluxDB, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newGatewayClient builds the gateway client for the configured mode.
func newGatewayClient(cfg config.GatewayConfig) (gateway.Client, error) {
	switch cfg.Mode {
	case config.GatewayModeFixture:
		client, err := gateway.LoadFixture(cfg.FixtureFile)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}

// startBridge creates the MQTT bridge, wires it to the coordinator as
// registry and listener, and starts it.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: Application configuration
//   - coord: Coordinator driven by bridge requests
//   - poller: Polling settings changed by bridge requests
//   - mqttClient: Connected MQTT client
//   - influxClient: Telemetry sink (may be nil if disabled)
//   - history: State history repository
//   - auditRepo: Audit log for MQTT-initiated actions
//   - log: Logger instance
//
// Returns:
//   - *tahoma.Bridge: Running bridge
//   - error: If the bridge fails to start
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	coord *coordinator.Coordinator,
	poller *coordinator.Poller,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	history device.HistoryRepository,
	auditRepo audit.Repository,
	log *logging.Logger,
) (*tahoma.Bridge, error) {
	opts := tahoma.BridgeOptions{
		BridgeID:       cfg.MQTT.Broker.ClientID,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		MQTTClient:     mqttClient,
		Controller:     coord,
		Settings:       poller,
		History:        history,
		Audit:          auditRepo,
		Logger:         log.Component("tahoma"),
	}
	// A nil *influxdb.Client in the interface would not compare equal to nil.
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	bridge, err := tahoma.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	coord.SetRegistry(bridge)
	coord.AddListener(bridge)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.PublishHealth()
	})

	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("TaHoma bridge started")

	return bridge, nil
}

// startAPIServer creates the HTTP API, registers it as a cycle listener and
// starts listening.
func startAPIServer(
	ctx context.Context,
	cfg *config.Config,
	coord *coordinator.Coordinator,
	poller *coordinator.Poller,
	history device.HistoryRepository,
	auditRepo audit.Repository,
	mqttClient *mqtt.Client,
	gatherer prometheus.Gatherer,
	log *logging.Logger,
) (*api.Server, error) {
	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.Component("api"),
		Coordinator: coord,
		Settings:    poller,
		History:     history,
		Audit:       auditRepo,
		Gatherer:    gatherer,
		Version:     version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}

	server, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	coord.AddListener(server)

	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return server, nil
}

// pruneHistoryLoop deletes state history older than retention, once at
// startup and then every historyPruneInterval until ctx is cancelled.
func pruneHistoryLoop(ctx context.Context, repo *device.SQLiteHistoryRepository, retention time.Duration, log *logging.Logger) {
	prune := func() {
		deleted, err := repo.PruneHistory(ctx, retention)
		if err != nil {
			log.Error("state history prune failed", "error", err)
			return
		}
		if deleted > 0 {
			log.Info("state history pruned", "deleted", deleted, "retention", retention)
		}
	}

	prune()

	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
