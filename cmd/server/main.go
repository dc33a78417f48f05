// Relay - single-user agentic session relay server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/pi-relay/relay/internal/broker"
	"github.com/pi-relay/relay/internal/config"
	"github.com/pi-relay/relay/internal/engine"
	"github.com/pi-relay/relay/internal/githubapi"
	"github.com/pi-relay/relay/internal/idlewatcher"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/manager"
	"github.com/pi-relay/relay/internal/middleware"
	"github.com/pi-relay/relay/internal/models"
	"github.com/pi-relay/relay/internal/registry"
	"github.com/pi-relay/relay/internal/restapi"
	"github.com/pi-relay/relay/internal/sandbox/docker"
	"github.com/pi-relay/relay/internal/sandbox/microvm"
	"github.com/pi-relay/relay/internal/sandbox/remoteworker"
	"github.com/pi-relay/relay/internal/secrets"
	"github.com/pi-relay/relay/internal/store"
	"github.com/pi-relay/relay/internal/wsapi"
)

const gitAuthorName = "relay-agent"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	repo, err := store.NewSQLite(filepath.Join(cfg.DataDir, "relay.db"))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	jrn := journal.New(repo.DB())
	reg := registry.New(
		time.Duration(cfg.Replay.WindowSeconds)*time.Second,
		cfg.Replay.MaxEvents,
	)
	brk := broker.New(reg)

	codec, err := secrets.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize secrets codec", "error", err)
		os.Exit(1)
	}
	secretsResolver := secrets.NewResolver(repo, codec, cfg.EncryptionKeyVersion)
	githubClient := githubapi.New(repo, secretsResolver, gitAuthorName)
	modelCatalog := models.Default()

	dockerProvider, err := docker.NewProvider(docker.Config{
		NetworkName:         cfg.DockerNetworkName,
		NetworkCIDR:         cfg.DockerNetworkCIDR,
		CreateRetryAttempts: cfg.Retry.ContainerCreateAttempts,
		CreateRetryDelay:    cfg.Retry.ContainerCreateDelay,
		DataDir:             cfg.DataDir,
		SecretsBaseDir:      cfg.SecretsBaseDir,
	})
	if err != nil {
		slog.Error("Failed to initialize docker sandbox provider", "error", err)
		os.Exit(1)
	}
	if networkID, err := dockerProvider.EnsureNetwork(context.Background()); err != nil {
		slog.Warn("Failed to ensure sandbox network; docker sandboxes may fail to start", "error", err)
	} else {
		slog.Info("Sandbox network ready", "network_id", networkID)
	}

	remoteWorkerProvider := remoteworker.NewProvider(remoteworker.Config{})
	microvmProvider := microvm.NewProvider()

	mgr := manager.New(repo, dockerProvider, remoteWorkerProvider, microvmProvider)
	eng := engine.New(repo, jrn, reg, mgr, brk, secretsResolver, githubClient, cfg.Timeouts.ActivationDeadline)

	watcher := idlewatcher.New(repo, eng, cfg.IdleWatcher.TickInterval, cfg.IdleWatcher.DefaultIdleTimeout)

	wsHandler := wsapi.NewServer(eng, reg, brk, repo, jrn, modelCatalog, githubClient, cfg.AllowedOrigins)
	restHandler := restapi.NewHandler(repo, eng, jrn, secretsResolver, githubClient, modelCatalog, "/ws", "relay-dev")

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	restHandler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.Timeouts.HTTPReadTimeout,
		WriteTimeout: 0, // long-lived WS/SSE connections must not be cut off
		IdleTimeout:  cfg.Timeouts.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	go watcher.Run(watcherCtx)
	slog.Info("Idle watcher started", "tick_interval", cfg.IdleWatcher.TickInterval)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	stopWatcher()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
