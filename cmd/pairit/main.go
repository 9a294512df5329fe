// Pairit server — compiles experiment configs, runs participant sessions,
// matches groups, and hosts the chat and agent runtime behind one HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/pairit-lab/pairit/pkg/agents"
	"github.com/pairit-lab/pairit/pkg/api"
	"github.com/pairit-lab/pairit/pkg/chat"
	"github.com/pairit-lab/pairit/pkg/cleanup"
	"github.com/pairit-lab/pairit/pkg/config"
	"github.com/pairit-lab/pairit/pkg/database"
	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/match"
	"github.com/pairit-lab/pairit/pkg/objstore"
	"github.com/pairit-lab/pairit/pkg/push"
	"github.com/pairit-lab/pairit/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		TimeFormat: time.Kitchen,
	})
	return slog.New(handler)
}

func main() {
	configPath := flag.String("config",
		getEnv("PAIRIT_CONFIG", "./pairit.yaml"),
		"Path to the server configuration file")
	flag.Parse()

	// Load .env before anything reads the environment (DB credentials,
	// LLM provider API keys).
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("Starting Pairit",
		"http_port", cfg.HTTP.Port, "store", cfg.Store)

	ctx := context.Background()

	// 1. Persistence.
	var (
		st       store.Store
		db       *sql.DB
		dbClient *database.Client
	)
	switch cfg.Store {
	case "postgres":
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			logger.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				logger.Error("Error closing database client", "error", err)
			}
		}()
		db = dbClient.DB()
		st = store.NewPostgresStore(db)
		logger.Info("Connected to PostgreSQL database")
	case "memory":
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store; all data is lost on restart")
	}

	// 2. Push hub, engine, matchmaker. The engine and matchmaker reference
	// each other, so the matchmaker is wired in after construction.
	hub := push.NewHub(st, logger)
	eng := engine.New(st, hub, logger)
	mm := match.New(st, eng, logger)
	eng.SetMatchmaker(mm)

	// 3. Chat coordinator and agent runtime. Agents listen for group
	// formation (to spawn workers) and room activity (to take turns).
	coord := chat.New(st, hub, eng, logger)
	agentManager := agents.NewManager(eng, coord, nil, logger)
	agentManager.SetGroupStore(st)
	coord.SetListener(agentManager)
	mm.SetGroupListener(agentManager)

	// 4. Rebuild matchmaking queues from persisted pool entries.
	if err := mm.Rebuild(ctx); err != nil {
		logger.Error("Failed to rebuild matchmaking pools", "error", err)
		os.Exit(1)
	}

	// 5. Idle-session sweeper.
	sweeper := cleanup.NewService(st, eng, cfg.Cleanup.IdleAfter, cfg.Cleanup.Interval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 6. Media storage.
	media, err := objstore.NewFSStore(cfg.Media.Dir, cfg.Media.BaseURL)
	if err != nil {
		logger.Error("Failed to initialize media storage", "error", err)
		os.Exit(1)
	}

	// 7. HTTP server.
	server := api.NewServer(api.Options{
		Engine:         eng,
		Hub:            hub,
		Chat:           coord,
		Store:          st,
		Media:          media,
		Identity:       api.HeaderIdentity{},
		DB:             db,
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: close the push hub first so SSE handlers unblock,
	// then drain HTTP, then stop the background runtimes.
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	agentManager.Shutdown()
	mm.Shutdown()

	logger.Info("Shutdown complete")
}
