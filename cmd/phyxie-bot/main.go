package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phyxie-dev/phyxie-bot/internal/bot"
	"github.com/phyxie-dev/phyxie-bot/internal/config"
	"github.com/phyxie-dev/phyxie-bot/internal/conversation"
	"github.com/phyxie-dev/phyxie-bot/internal/observability"
	"github.com/phyxie-dev/phyxie-bot/internal/phyxie"
	"github.com/phyxie-dev/phyxie-bot/internal/session"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile  = flag.String("config", getEnv("CONFIG_FILE", "config/bot.yaml"), "Bot configuration file")
	metricsPort = flag.Int("metrics-port", 0, "Observability HTTP port (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting phyxie bot",
		"version", Version,
		"api_base_url", cfg.APIBaseURL,
		"metrics_port", cfg.MetricsPort)

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("bot crashed", "error", err)
		os.Exit(1)
	}

	logger.Info("bot stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	observability.InitMetrics()
	checker := observability.NewHealthChecker()

	// Session store: Redis when configured, in-memory otherwise.
	var store session.Store
	if cfg.Session.RedisAddr != "" {
		redisStore, err := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
			TTL:      cfg.Session.IdleWindow,
		})
		if err != nil {
			return fmt.Errorf("connect session store: %w", err)
		}
		checker.RegisterCheck(observability.SessionStoreCheck(redisStore.Ping))
		store = redisStore
		logger.Info("using redis session store", "addr", cfg.Session.RedisAddr)
	} else {
		store = session.NewMemoryStore()
		logger.Info("using in-memory session store")
	}
	defer func() { _ = store.Close() }()

	validator := phyxie.NewFileValidator(
		cfg.MaxFileSizeBytes(),
		cfg.AllowedExtensions,
		cfg.ImageExtensions,
		cfg.DocumentExtensions,
	)

	client, err := phyxie.NewClient(phyxie.Config{
		BaseURL:       cfg.APIBaseURL,
		APIKey:        cfg.APIKey,
		ChatTimeout:   cfg.ChatTimeout,
		UploadTimeout: cfg.UploadTimeout,
		Retry:         phyxie.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		Validator:     validator,
		Logger:        logger.With("component", "phyxie"),
	})
	if err != nil {
		return fmt.Errorf("build API client: %w", err)
	}

	manager := conversation.NewManager(store, client, logger.With("component", "conversation"))

	tg, err := bot.New(bot.Config{
		Token:              cfg.TelegramToken,
		Manager:            manager,
		Validator:          validator,
		MaxFileSizeMB:      cfg.MaxFileSizeMB,
		AllowedExtensions:  cfg.AllowedExtensions,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Logger:             logger.With("component", "bot"),
	})
	if err != nil {
		return fmt.Errorf("build telegram bot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Idle-session expiry sweep. Redis handles expiry with key TTLs; the
	// sweep is then a cheap no-op.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
		removed, err := store.ExpireIdle(ctx, cfg.Session.IdleWindow)
		if err != nil {
			logger.Warn("expiry sweep failed", "error", err)
			return
		}
		if removed > 0 {
			observability.RecordExpiredSessions(removed)
			logger.Info("expired idle sessions", "removed", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	obsServer := observability.NewServer(cfg.MetricsPort, checker)
	errChan := make(chan error, 2)

	go func() {
		logger.Info("starting observability server", "port", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("observability server: %w", err)
		}
	}()

	go func() {
		if err := tg.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("telegram bot: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error("component failed", "error", runErr)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability server shutdown error", "error", err)
	}

	return runErr
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
