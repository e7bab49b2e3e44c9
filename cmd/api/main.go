package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creativepool/sora-relay/internal/api"
	"github.com/creativepool/sora-relay/internal/config"
	"github.com/creativepool/sora-relay/internal/services/admission"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/database"
	"github.com/creativepool/sora-relay/internal/services/executor"
	"github.com/creativepool/sora-relay/internal/services/health"
	"github.com/creativepool/sora-relay/internal/services/orchestrator"
	"github.com/creativepool/sora-relay/internal/services/pool"
	"github.com/creativepool/sora-relay/internal/services/requestlog"
	"github.com/creativepool/sora-relay/internal/services/resultcache"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/stats"
	"github.com/creativepool/sora-relay/internal/services/task"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

func main() {
	config.LoadEnvFiles([]string{".env.local", ".env"})

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		fiberlog.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		fiberlog.Fatalf("Server failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := db.SeedConfigRows(cfg.Defaults); err != nil {
		return fmt.Errorf("failed to seed config rows: %w", err)
	}
	fiberlog.Infof("Database ready (%s)", db.DriverName())

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			fiberlog.Warnf("Redis unreachable at startup: %v", err)
		}
		pingCancel()
	}

	settingsService := settings.NewService(db.DB)
	if err := settingsService.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policy snapshot: %w", err)
	}

	credService := credential.NewService(db.DB)
	statsService := stats.NewService(db.DB)
	taskService := task.NewService(db.DB)
	logService := requestlog.NewService(db.DB)

	credPool := pool.New(credService)
	if err := credPool.Resync(ctx); err != nil {
		return fmt.Errorf("failed to load credential pool: %w", err)
	}

	var cacheStore resultcache.Store
	if redisClient != nil {
		cacheStore = resultcache.NewRedisStore(redisClient)
		fiberlog.Info("Result cache backed by Redis")
	} else {
		cacheStore = resultcache.NewMemoryStore()
	}
	cacheService := resultcache.NewService(cacheStore, settingsService)

	healthMonitor := health.NewMonitor(credService, statsService, credPool, settingsService, cfg.Health)
	scheduler := admission.NewScheduler(credPool, credService)
	upstream := executor.NewClient(cfg.Upstream)
	orch := orchestrator.New(scheduler, upstream, taskService, logService, cacheService, healthMonitor, settingsService)

	rollover := stats.NewRolloverScheduler(statsService, 10*time.Minute)
	go rollover.Start(ctx)
	defer rollover.Stop()

	app := fiber.New(fiber.Config{
		AppName:      "sora-relay",
		ErrorHandler: api.ErrorHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    64 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New())

	api.SetupRoutes(app, api.Handlers{
		Generation: api.NewGenerationHandler(orch),
		Tasks:      api.NewTaskHandler(orch),
		Admin: api.NewAdminHandler(
			credService, credPool, healthMonitor, statsService,
			taskService, logService, settingsService, cacheService,
		),
		Health:   api.NewHealthHandler(db, redisClient),
		Settings: settingsService,
	})

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errChan := make(chan error, 1)
	go func() {
		fiberlog.Infof("sora-relay listening on %s", listenAddr)
		errChan <- app.Listen(listenAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		fiberlog.Infof("Received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
