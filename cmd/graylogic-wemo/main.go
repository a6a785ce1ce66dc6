// Gray Logic Wemo bridge.
//
// Finds Belkin Wemo devices on the local network, keeps an event
// subscription (or a polling loop) open to each one and relays their state
// to Gray Logic Core over MQTT. Commands from Core arrive on
// graylogic/command/wemo/{deviceID} and are acknowledged on
// graylogic/ack/wemo/{deviceID}.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-wemo/migrations"

	"github.com/nerrad567/gray-logic-wemo/internal/bridges/wemo"
	"github.com/nerrad567/gray-logic-wemo/internal/device"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds engine teardown (unsubscribes included).
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Wemo bridge",
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
	defer log.Close() //nolint:errcheck // nothing left to log to
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
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

	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log.Component("device"))
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Warn("MQTT disabled, device events will only be logged")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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

	opts := wemo.OptionsFromConfig(cfg.Wemo)
	opts.Store = deviceRegistry
	opts.Logger = log.Component("engine")
	engine := wemo.New(opts)

	if mqttClient != nil {
		bridge, bridgeErr := startBridge(ctx, engine, mqttClient, influxClient, deviceRegistry, cfg, log)
		if bridgeErr != nil {
			return bridgeErr
		}
		defer func() {
			log.Info("stopping wemo bridge")
			bridge.Stop()
		}()
	}

	if startErr := engine.Start(ctx); startErr != nil {
		return fmt.Errorf("starting wemo engine: %w", startErr)
	}
	defer func() {
		log.Info("stopping wemo engine")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := engine.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping wemo engine", "error", stopErr)
		}
	}()
	log.Info("wemo engine started", "callback_addr", engine.Listener().Addr())

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: engine, bridge, InfluxDB, MQTT, database.
	return nil
}

func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnConnectionLost(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// startBridge creates the MQTT bridge. It must run before the engine starts
// so no controller event or first-contact announcement is missed.
func startBridge(
	ctx context.Context,
	engine *wemo.Engine,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	store *device.Registry,
	cfg *config.Config,
	log *logging.Logger,
) (*wemo.Bridge, error) {
	opts := wemo.BridgeOptions{
		Engine:  engine,
		MQTT:    mqttClient,
		Store:   store,
		Version: version,
		QoS:     byte(cfg.MQTT.QoS),
		Logger:  log.Component("bridge"),
	}
	// A nil *influxdb.Client must not end up in a non-nil interface.
	if influxClient != nil {
		opts.Energy = influxClient
	}

	bridge, err := wemo.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating wemo bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting wemo bridge: %w", err)
	}
	log.Info("wemo bridge started", "site", cfg.Site.ID)
	return bridge, nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
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
