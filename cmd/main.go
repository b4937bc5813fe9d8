package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/adapters/content"
	"github.com/satriahrh/storyteller/server/adapters/llm"
	"github.com/satriahrh/storyteller/server/adapters/memory"
	"github.com/satriahrh/storyteller/server/adapters/mongo"
	"github.com/satriahrh/storyteller/server/adapters/postgres"
	"github.com/satriahrh/storyteller/server/adapters/redis"
	"github.com/satriahrh/storyteller/server/domain/repositories"
	"github.com/satriahrh/storyteller/server/internal/api"
	"github.com/satriahrh/storyteller/server/internal/audio"
	"github.com/satriahrh/storyteller/server/internal/auth"
	"github.com/satriahrh/storyteller/server/internal/config"
	"github.com/satriahrh/storyteller/server/internal/observability"
	"github.com/satriahrh/storyteller/server/internal/realtime"
	"github.com/satriahrh/storyteller/server/internal/websocket"
	"github.com/satriahrh/storyteller/server/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	startedAt := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	// Initialize adapters
	var closers []func()
	sessions, sweeper := buildSessionStore(ctx, cfg, logger, &closers)
	progress := buildProgressStore(ctx, cfg, logger, &closers)
	catalog := buildCatalog(ctx, cfg, logger)

	realtimeManager := realtime.NewManager(realtime.Config{
		URL:    cfg.OpenAIRealtimeURL,
		Model:  cfg.OpenAIRealtimeModel,
		APIKey: cfg.OpenAIAPIKey,
	}, logger)

	pipeline := audio.DefaultPipeline()
	if cfg.AudioNormalize {
		pipeline.NormalizeTarget = audio.DefaultNormalizeTarget
	}

	// Initialize usecase services
	conversationService := usecase.NewConversationService(
		realtimeManager, sessions, progress, catalog,
		usecase.ConversationConfig{SessionTTL: cfg.SessionTTL, Pipeline: pipeline},
		metrics, logger,
	)

	// Initialize WebSocket hub with conversation service
	hub := websocket.NewHub(func(deviceID string, out usecase.DeviceSender) websocket.Conversation {
		return conversationService.NewConversation(deviceID, out)
	}, websocket.Config{
		ReadIdleTimeout: cfg.DeviceReadIdleTimeout,
		MaxPingFailures: cfg.DeviceMaxPingFailures,
		PreemptWait:     cfg.DevicePreemptWait,
	}, metrics, logger)
	go hub.Run(ctx)

	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:                hub,
		Bridge:             conversationService,
		Devices:            memory.NewSeededDeviceRepository(),
		Tokens:             auth.NewIssuer(cfg.JWTSecret),
		RealtimeConfigured: realtimeManager.Configured(),
		RequireDeviceAuth:  cfg.RequireDeviceAuth,
		StartedAt:          startedAt,
		Logger:             logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("sessionBackend", cfg.SessionBackend),
		zap.String("progressBackend", cfg.ProgressBackend))

	<-ctx.Done()
	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	realtimeManager.CloseAll()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	logger.Info("Server exited")
}

func newLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if level == "debug" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func buildSessionStore(ctx context.Context, cfg config.Config, logger *zap.Logger, closers *[]func()) (repositories.SessionStore, *memory.SessionCleanupService) {
	if cfg.SessionBackend == config.BackendRedis {
		store, err := redis.NewSessionStore(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		*closers = append(*closers, func() { _ = store.Close() })
		return store, nil
	}

	store := memory.NewSessionStore(logger)
	return store, memory.NewSessionCleanupService(store, cfg.SessionSweepInterval, logger)
}

func buildProgressStore(ctx context.Context, cfg config.Config, logger *zap.Logger, closers *[]func()) repositories.ProgressStore {
	switch cfg.ProgressBackend {
	case config.BackendMongo:
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		*closers = append(*closers, func() { _ = client.Close(context.Background()) })

		store := mongo.NewProgressStore(client.Database, logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure MongoDB indexes", zap.Error(err))
		}
		return store

	case config.BackendPostgres:
		store, err := postgres.NewProgressStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		*closers = append(*closers, func() { _ = store.Close() })
		return store
	}
	return memory.NewProgressStore(logger)
}

func buildCatalog(ctx context.Context, cfg config.Config, logger *zap.Logger) repositories.ContentProvider {
	catalog := content.NewMockCatalog(logger)
	if cfg.GeminiAPIKey == "" {
		return catalog
	}

	writer, err := llm.NewGeminiStoryWriter(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		logger.Warn("Gemini story writer unavailable, using authored story context", zap.Error(err))
		return catalog
	}
	return catalog.WithStoryWriter(writer)
}
