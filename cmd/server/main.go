package main

import (
	"context"   // library for request-scoped deadlines
	"log/slog"  // library for structured logging
	"os"        // library for os related operations
	"os/signal" // library for signal handling such as Ctrl+C and kill signals
	"syscall"   // library for system call constants
	"time"      // library for time formatting

	"github.com/dhruvsoni1802/portal-gateway/internal/api"
	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/config"
	"github.com/dhruvsoni1802/portal-gateway/internal/pool"
	"github.com/dhruvsoni1802/portal-gateway/internal/router"
	"github.com/dhruvsoni1802/portal-gateway/internal/session"
	"github.com/dhruvsoni1802/portal-gateway/internal/snapshot"
	"github.com/dhruvsoni1802/portal-gateway/internal/storage"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets/portal"
	"github.com/dhruvsoni1802/portal-gateway/internal/telemetry"
	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

//Function to initialize the logger
func setupLogger() *slog.Logger {
	var handler slog.Handler

	if os.Getenv("ENV") == "production" {

		// Initialize JSON handler for production environment
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {

		// Initialize Text handler for development environment with better formatting
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: false,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Format timestamp to be more readable
				if a.Key == slog.TimeKey {
					t := a.Value.Time()
					return slog.String("time", t.Format(time.DateTime))
				}
				return a
			},
		})
	}

	// Create a new logger with the initialized handler
	return slog.New(handler)
}

// Main entry point of the program
func main() {

	// Setup the logger
	logger := setupLogger()
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("Portal Gateway starting",
		"server_port", cfg.ServerPort,
		"max_clients", cfg.MaxClients,
		"targets", len(cfg.Targets),
		"redis_enabled", cfg.RedisEnabled)

	// Optional span export to stdout
	var tracer *telemetry.TracerProvider
	if cfg.TraceStdout {
		tracer, err = telemetry.NewStdoutProvider("portal-gateway", os.Getenv("ENV"), os.Stdout)
		if err != nil {
			slog.Error("failed to start tracing", "error", err)
			os.Exit(1)
		}
	}

	// Redis backs tokens, tenant credentials and the session registry.
	// Without it tokens stay in memory and credentials come from the config file.
	var (
		redisClient *storage.RedisClient
		tokenStore  tokens.Store = tokens.NewMemoryStore()
		credentials targets.CredentialStore
		registry    session.Registry
	)
	if cfg.RedisEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = storage.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			slog.Error("failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		tokenStore = storage.NewTokenRepository(redisClient)
		credentials = storage.NewCredentialRepository(redisClient)
		registry = storage.NewSessionRepository(redisClient, cfg.SessionTTL)
	} else {
		credentials = staticCredentials(cfg.Tenants)
	}

	// Snapshot store for replay-backed targets
	snapshots, err := snapshot.NewStore(cfg.SnapshotDir, logger)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}

	// Target handlers from the config file
	registryOfTargets, targetTimeouts, err := buildTargets(cfg, snapshots, logger)
	if err != nil {
		slog.Error("failed to build targets", "error", err)
		os.Exit(1)
	}

	// Shared browser engine, launched on first use
	resourcePool := pool.New(func(ctx context.Context) (browser.Engine, error) {
		engine, err := browser.Launch(browser.EngineOptions{
			Bin:       cfg.ChromiumPath,
			RemoteURL: cfg.BrowserRemoteURL,
			Headless:  cfg.BrowserHeadless,
			Stealth:   cfg.BrowserStealth,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}, logger)

	commandRouter := router.New(registryOfTargets, tokens.NewCache(tokenStore, cfg.TokenAcquireTimeout), router.Config{
		Timeout:        cfg.TargetTimeout,
		TargetTimeouts: targetTimeouts,
		MaxRetries:     cfg.TargetMaxRetries,
		RetryBackoff:   cfg.TargetRetryBackoff,
	})

	manager := session.NewManager(session.Config{
		MaxSessions:       cfg.MaxClients,
		IdleTimeout:       cfg.ClientIdle,
		MaxQueuedCommands: cfg.MaxQueuedCommands,
	}, resourcePool, commandRouter, credentials, registry)
	manager.StartCleanupWorker(time.Minute)

	gateway := api.NewGateway(manager, []byte(cfg.JWTSecret), cfg.PingInterval)
	var redisHealth api.Pinger
	if redisClient != nil {
		redisHealth = redisClient
	}
	server := api.NewServer(cfg.ServerPort, manager, gateway, resourcePool, redisHealth)

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Create a channel to receive shutdown signals
	quit := make(chan os.Signal, 1)

	// Notify the channel for SIGINT and SIGTERM signals
	// Ctrl+C is SIGINT, kill signal is SIGTERM
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Log the service is ready and awaiting shutdown signal
	slog.Info("Service ready", "status", "awaiting shutdown signal")

	// Wait for a shutdown signal
	sig := <-quit

	// Log the shutdown initiated with the signal
	slog.Info("shutdown initiated", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	if err := resourcePool.Dispose(); err != nil {
		slog.Warn("browser engine shutdown", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Warn("redis close", "error", err)
		}
	}
	if tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}

	// Log the shutdown complete
	slog.Info("shutdown complete")
}

// buildTargets registers one portal handler per configured target
func buildTargets(cfg *config.Config, snapshots *snapshot.Store, logger *slog.Logger) (*targets.Registry, map[string]time.Duration, error) {
	reg, err := targets.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	timeouts := make(map[string]time.Duration)

	for _, t := range cfg.Targets {
		h, err := portal.New(portal.Config{
			ID:              t.ID,
			EntryURL:        t.EntryURL,
			TokenStorageKey: t.TokenStorageKey,
			Origins:         t.Origins,
			Scripts:         t.Scripts,
			TokenURL:        t.TokenURL,
			ClientID:        t.ClientID,
			Snapshot:        t.Snapshot,
			NavTimeout:      cfg.NavTimeout,
		}, snapshots, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Register(h); err != nil {
			return nil, nil, err
		}
		if t.Timeout > 0 {
			timeouts[t.ID] = t.Timeout
		}
		slog.Info("target registered", "target", t.ID, "replay", t.Snapshot != "", "login", t.TokenURL != "")
	}
	return reg, timeouts, nil
}

func staticCredentials(tenants map[string]map[string]config.CredentialConfig) targets.StaticCredentials {
	out := make(targets.StaticCredentials, len(tenants))
	for tenant, byTarget := range tenants {
		out[tenant] = make(map[string]targets.Credentials, len(byTarget))
		for id, c := range byTarget {
			out[tenant][id] = targets.Credentials{Username: c.Username, Password: c.Password}
		}
	}
	return out
}
