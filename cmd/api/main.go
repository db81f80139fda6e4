package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/api/handlers"
	"github.com/power-budget/backend/internal/app"
	"github.com/power-budget/backend/internal/cache/redis"
	"github.com/power-budget/backend/internal/metrics"
	"github.com/power-budget/backend/internal/middleware/ratelimit"
	"github.com/power-budget/backend/internal/middleware/security"
	"github.com/power-budget/backend/internal/middleware/validation"
	"github.com/power-budget/backend/internal/session"
	"github.com/power-budget/backend/internal/storage/sqlite"
	"github.com/power-budget/backend/pkg/config"
	appLogger "github.com/power-budget/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Power Budget API Server")

	metrics.Init()
	opts := app.Options{Metrics: true, Logger: appLogger.L()}
	deps := map[string]handlers.Pinger{}

	var recorder session.RunRecorder
	var runs handlers.RunStore
	if cfg.SQLite.Enabled {
		sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
		}
		defer sqliteClient.Close()

		if err := sqliteClient.InitSchema(); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
		recorder = sqliteClient
		runs = sqliteClient
		deps["sqlite"] = sqliteClient
	}

	var usage handlers.UsageReader
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		opts.Usage = redisClient
		usage = redisClient
		deps["redis"] = redisClient
	}

	llmClient := app.NewLLMClient(cfg.LLM, opts)
	analyzer := app.NewAnalyzer(cfg, llmClient, opts)
	parser := app.NewParser(cfg, opts)

	manager := session.NewManager(
		analyzer,
		parser,
		time.Duration(cfg.Session.IdleTTLMinutes)*time.Minute,
		app.SessionConfig(cfg, llmClient.DefaultModel(), recorder, opts),
	)
	manager.OnCount = metrics.SetActiveSessions

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Run(sweepCtx, time.Duration(cfg.Session.SweepIntervalSec)*time.Second)

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
		ErrorHandler: handlers.ErrorHandler,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.L(),
	})
	defer limiter.Stop()

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	fiberApp.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	opsHandler := handlers.NewOpsHandler(deps, usage, runs, manager.Count)
	sessionHandler := handlers.NewSessionHandler(manager, handlers.SessionHandlerConfig{
		MaxUploadBytes: cfg.Session.MaxUploadBytes,
		ServerKey:      cfg.LLM.APIKey != "",
		Runs:           runs,
	})
	wsHandler := handlers.NewWebSocketHandler(manager)

	fiberApp.Get("/metrics", metrics.MetricsHandler())

	api := fiberApp.Group("/api/v1")
	api.Get("/health", opsHandler.Health)
	api.Get("/ready", opsHandler.Ready)
	api.Get("/usage", opsHandler.Usage)
	api.Get("/runs", opsHandler.Runs)

	sessions := api.Group("", limiter.Middleware(), validation.Middleware(validation.Config{Logger: appLogger.L()}))
	sessionHandler.Register(sessions)

	fiberApp.Get("/ws/sessions/:id", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	manager.Shutdown()
	if err := fiberApp.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
