package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/api"
	"alarm-dispatcher/internal/breaker"
	"alarm-dispatcher/internal/config"
	"alarm-dispatcher/internal/db"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/gate"
	"alarm-dispatcher/internal/modempool"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/queue"
	"alarm-dispatcher/internal/rate"
	"alarm-dispatcher/internal/registry"
	"alarm-dispatcher/internal/state"
	"alarm-dispatcher/internal/templates"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting alarm dispatcher admin API")

	metrics := observability.NewMetrics()

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redis, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	q, err := queue.New(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer q.Close()
	if err := q.EnsureStream(); err != nil {
		logger.Warn("failed to ensure event stream", zap.Error(err))
	}

	// Stores. The API reads the same tables the workers write; the
	// gating stack is instantiated read-mostly for the bounce list.
	store := alarms.NewStore(postgres, logger)
	dlqStore := dlq.NewStore(postgres, logger)
	modemStore := modempool.NewStore(postgres, logger)
	breakerStore := breaker.NewStore(postgres, logger)
	renderer := templates.NewRenderer(postgres, logger)

	stateMgr := state.NewManager(postgres, logger)
	if err := stateMgr.Load(ctx); err != nil {
		logger.Fatal("failed to load system state", zap.Error(err))
	}
	stateMgr.Run(ctx, cfg.StateReloadInterval)

	limiter := rate.NewLimiter(redis, logger, cfg.RateLimitPerMinute, cfg.DeviceRateWindow, cfg.RateLimitingEnabled)
	g := gate.New(redis, limiter, logger, cfg.CriticalCategories)

	reg := registry.New(postgres, logger, cfg.HeartbeatInterval)

	handlers := api.NewHandlers(store, dlqStore, modemStore, renderer, stateMgr,
		g, reg, breakerStore, q, postgres, redis, logger)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, cfg.AdminAPIKeyHash, cfg.WebhooksEnabled)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("admin API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down admin API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}
	stateMgr.Stop()

	logger.Info("admin API stopped")
}
