// Sessiond is the durable conversation-session daemon.
//
// It owns the conversation state machine, the encrypted session store,
// checkpoint/restore, and error recovery, and exposes them over an HTTP
// API for the chat transport.
//
// Configuration is loaded from a YAML file with environment overrides.
// See internal/config for details.
//
// Usage:
//
//	# Start with the default config path
//	sessiond
//
//	# Explicit config file
//	sessiond -config /etc/sessiond/config.yaml
//
//	# Configure via environment
//	SESSIOND_SERVER_HTTP_PORT=9000 SESSIOND_STORAGE_BACKEND=sqlite sessiond
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/checkpoint"
	"github.com/cortexbot/sessiond/internal/config"
	"github.com/cortexbot/sessiond/internal/conversation"
	"github.com/cortexbot/sessiond/internal/events"
	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/fsm"
	httpapi "github.com/cortexbot/sessiond/internal/http"
	"github.com/cortexbot/sessiond/internal/recovery"
	"github.com/cortexbot/sessiond/internal/session"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/sessiond/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  sessiond           Start the sessiond daemon\n")
			fmt.Fprintf(os.Stderr, "  sessiond version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("sessiond\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the sessiond server and blocks until context cancellation.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger
//  3. Opens the storage backend and field-encryption codec
//  4. Wires the state machine, checkpoint manager, turn service, and
//     recovery middleware
//  5. Starts the HTTP server
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting sessiond",
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("durable_storage", deps.db != nil),
		zap.Bool("events_enabled", cfg.Events.Enabled))

	services, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	srv, err := httpapi.NewServer(services.recoveryMw, services.turnSvc, services.checkpointMgr, logger, &httpapi.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server (blocks until context cancellation)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	db        *sql.DB
	codec     *fieldcrypt.Codec
	store     session.Store
	archive   checkpoint.Archive
	publisher events.Publisher
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

// services holds all business services.
type services struct {
	turnSvc       *conversation.Service
	checkpointMgr *checkpoint.Manager
	recoveryMw    *recovery.Middleware
}

// initLogger initializes the structured logger.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	// Use production logger for non-development environments
	if cfg.Observability.EnableTelemetry {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// initDependencies opens the storage backend, builds the encryption
// codec, and connects the event publisher.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	codec, err := fieldcrypt.NewCodec(fieldcrypt.StaticKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create field codec: %w", err)
	}

	deps := &dependencies{codec: codec, logger: logger}

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite3", cfg.Storage.Path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", cfg.Storage.Path, err)
		}
		deps.db = db

		store, err := session.NewSQLiteStore(db, codec, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		deps.store = store

		archive, err := checkpoint.NewSQLiteArchive(db, codec)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create checkpoint archive: %w", err)
		}
		deps.archive = archive

		logger.Info("Opened SQLite storage", zap.String("path", cfg.Storage.Path))
	default:
		store, err := session.NewMemoryStore(codec, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		deps.store = store
		deps.archive = checkpoint.NewMemoryArchive()

		logger.Warn("Using in-memory storage, sessions will not survive restarts")
	}

	if cfg.Events.Enabled {
		publisher, err := events.NewNATSPublisher(cfg.Events.NATSURL, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		deps.publisher = publisher
		logger.Info("Connected to NATS", zap.String("url", cfg.Events.NATSURL))
	} else {
		deps.publisher = events.NopPublisher{}
	}

	return deps, nil
}

// initServices wires the state machine, checkpoint manager, turn
// service, and recovery middleware.
func initServices(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	machineCfg := fsm.Config{
		IdleTimeout: cfg.Session.IdleTimeout.Duration(),
	}
	if len(cfg.Session.StateTimeouts) > 0 {
		machineCfg.StateTimeouts = make(map[fsm.State]time.Duration, len(cfg.Session.StateTimeouts))
		for name, d := range cfg.Session.StateTimeouts {
			state, err := fsm.ParseState(name)
			if err != nil {
				return nil, fmt.Errorf("invalid state timeout key: %w", err)
			}
			machineCfg.StateTimeouts[state] = d.Duration()
		}
	}
	machine := fsm.NewMachine(machineCfg)

	checkpointMgr, err := checkpoint.NewManager(checkpoint.Config{
		MaxAge: cfg.Checkpoint.MaxAge.Duration(),
	}, deps.store, deps.archive, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint manager: %w", err)
	}

	turnSvc, err := conversation.NewService(conversation.Config{
		ConflictRetries: cfg.Session.ConflictRetries,
		CheckpointEvery: cfg.Session.CheckpointEvery,
	}, machine, deps.store, checkpointMgr, deps.publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn service: %w", err)
	}

	recoveryMw, err := recovery.NewMiddleware(recovery.Config{
		MaxErrors: cfg.Session.MaxErrors,
	}, turnSvc, machine, deps.store, checkpointMgr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery middleware: %w", err)
	}

	return &services{
		turnSvc:       turnSvc,
		checkpointMgr: checkpointMgr,
		recoveryMw:    recoveryMw,
	}, nil
}
