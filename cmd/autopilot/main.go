package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/voidwalker/autopilot/internal/api"
	"github.com/voidwalker/autopilot/internal/config"
	"github.com/voidwalker/autopilot/internal/control"
	"github.com/voidwalker/autopilot/internal/execlog"
	"github.com/voidwalker/autopilot/internal/instance"
	"github.com/voidwalker/autopilot/internal/notify"
	"github.com/voidwalker/autopilot/internal/orchestrator"
	"github.com/voidwalker/autopilot/internal/runtime"
	"github.com/voidwalker/autopilot/internal/session"
	"github.com/voidwalker/autopilot/internal/status"
	"github.com/voidwalker/autopilot/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting autopilot...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/autopilot.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// PostgreSQL is mandatory: plans, sessions, and the execution log all
	// live there.
	pgStore, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Redis is optional; without it live pause/stop flags degrade to the
	// persisted plan status.
	flags, err := control.New(cfg.Database.Redis.URL, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}

	// Instance provider
	var provider instance.Provider
	switch cfg.Instance.Mode {
	case "remote":
		provider = instance.NewRemoteProvider(cfg.Instance.Remote.Endpoint, cfg.Instance.Remote.APIKey, logger)
	default:
		provider = instance.NewBrowserProvider(cfg.Instance.Headless, logger)
	}

	// Agent runtime
	opts := []openai.Option{
		openai.WithToken(cfg.Runtime.APIKey),
		openai.WithModel(cfg.Runtime.Model),
	}
	if cfg.Runtime.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Runtime.Endpoint))
	}
	model, err := openai.New(opts...)
	if err != nil {
		logger.Fatal("llm init failed", zap.Error(err))
	}
	rt := runtime.NewLLMRuntime(model, cfg.Runtime.MaxToolRounds, logger)

	var notifier *notify.Notifier
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.Token != "" {
		notifier = notify.NewSlack(cfg.Notify.Slack.Token, cfg.Notify.Slack.Channel, logger)
		logger.Info("Slack notifications enabled", zap.String("channel", cfg.Notify.Slack.Channel))
	}

	loop := orchestrator.New(
		pgStore,
		provider,
		instance.NewGuard(provider, pgStore, cfg.Instance.AutoResumeOnPause, logger),
		session.NewManager(pgStore, logger),
		status.NewDetector(logger),
		flags,
		rt,
		execlog.New(pgStore, logger),
		notifier,
		cfg.Server.TurnTimeout(),
		logger,
	)

	handler := api.NewHandler(loop, pgStore, flags, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("autopilot listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down autopilot...")
	srv.Shutdown(context.Background())
}
