// IoT device-fleet simulator.
//
// The simulator hosts simulation sessions: each session owns a set of
// virtual devices that connect to the IoT messaging platform with their
// own credentials, publish telemetry on their declared schedules, react
// to commands and device-management actions, and run user behavior
// scripts. Observers attach to a session over WebSocket to watch and
// steer the fleet in real time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/iotelec/simulator-core/migrations"

	"github.com/iotelec/simulator-core/internal/api"
	"github.com/iotelec/simulator-core/internal/behavior"
	"github.com/iotelec/simulator-core/internal/gateway"
	"github.com/iotelec/simulator-core/internal/infrastructure/config"
	"github.com/iotelec/simulator-core/internal/infrastructure/database"
	"github.com/iotelec/simulator-core/internal/infrastructure/logging"
	"github.com/iotelec/simulator-core/internal/runstore"
	"github.com/iotelec/simulator-core/internal/simulation"
	"github.com/iotelec/simulator-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting device-fleet simulator", "version", version, "commit", commit)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := runstore.NewSQLiteRepository(db.DB)

	// Telemetry recording (optional)
	var recorder simulation.TelemetryRecorder
	influx, err := telemetry.Connect(cfg.InfluxDB, log)
	switch {
	case err == nil:
		defer influx.Close()
		recorder = influx
		log.Info("telemetry recording enabled", "url", cfg.InfluxDB.URL)
	case errors.Is(err, telemetry.ErrDisabled):
		log.Info("telemetry recording disabled")
	default:
		// Simulation runs fine without telemetry; don't fail startup.
		log.Warn("telemetry unavailable, continuing without it", "error", err)
	}

	engine := behavior.NewEngine(log)
	hubs := api.NewSessionHubs(cfg.WebSocket, log)

	registry := simulation.NewRegistry(
		simulation.RegistryConfig{
			TTL:                 cfg.GetSessionTTL(),
			ReaperInterval:      cfg.GetReaperInterval(),
			RetryResetThreshold: cfg.Session.RetryResetThreshold,
			CloseGrace:          cfg.GetCloseGrace(),
		},
		simulation.RegistryDeps{
			Gateway:        gateway.NewPahoFactory(cfg.Gateway, log),
			Engine:         engine,
			NewBroadcaster: hubs.Create,
			Store:          store,
			Telemetry:      recorder,
			Logger:         log,
		},
	)
	defer registry.Close()
	log.Info("session registry started",
		"ttl", cfg.GetSessionTTL(),
		"reaper_interval", cfg.GetReaperInterval(),
	)

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Registry: registry,
		Hubs:     hubs,
		Store:    store,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("simulator ready", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns the config file path from args or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if env := os.Getenv("SIMULATOR_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
