// torquehook-server receives Torque app uploads on per-account webhooks and
// keeps one sensor per telemetry channel, persisted in SQLite and forwarded
// to the configured outputs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/torquehook/internal/account"
	"github.com/torquehook/internal/config"
	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/ingestion"
	"github.com/torquehook/internal/query"
	"github.com/torquehook/internal/storage"
	"github.com/torquehook/internal/webhook"
	"github.com/torquehook/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		dbPath     string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("torquehook-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $"+config.EnvPath+")")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address, overrides server.listen")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path, overrides database.path")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides log.level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv(config.EnvPath)
	}
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := applyOverrides(cfg, listen, dbPath, logLevel); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	if len(cfg.Accounts) == 0 {
		logger.Warn("no accounts configured, every upload will be ignored")
	}

	store, err := storage.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(logger, 1024)
	registrar := webhook.NewRegistrar(logger)
	router := ingestion.New(store, coord, logger)
	manager := account.NewManager(store, registrar, router, cfg.Server, logger)

	for _, a := range cfg.Accounts {
		if err := manager.Setup(ctx, a); err != nil {
			return fmt.Errorf("setting up account %s: %w", a.ID(), err)
		}
	}
	for _, info := range manager.Accounts() {
		logger.Info("account ready",
			"account", info.ID,
			"path", info.WebhookPath,
			"url", info.WebhookURL,
			"registered", info.Registered,
			"sensors", info.Sensors,
		)
	}

	hub := websocket.NewHub(logger)
	coord.Subscribe("websocket", hub.Listener)

	sinks, err := startSinks(cfg, manager, coord, logger)
	if err != nil {
		return err
	}

	stopCoord := startCoordinator(coord)
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	registrar.Mount(r)
	manager.Mount(r)
	query.New(manager, store, hub, coord, logger).Mount(r)

	serveErr := serve(ctx, cfg.Server, r, logger)

	if err := manager.Close(context.Background()); err != nil {
		logger.Error("account teardown failed", "error", err)
	}
	stopCoord()
	sinks.Close()

	logger.Info("shutdown complete")
	return serveErr
}

// applyOverrides puts non-empty command line values over cfg and validates
// the result.
func applyOverrides(cfg *config.Config, listen, dbPath, logLevel string) error {
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// startCoordinator runs coord until the returned stop is called. Stop waits
// for the queue to drain, so uploads accepted while the HTTP server shuts
// down still reach the listeners.
func startCoordinator(coord *coordinator.Coordinator) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}
