package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldtrace/syncpipe/internal/config"
	"github.com/fieldtrace/syncpipe/internal/erp"
	"github.com/fieldtrace/syncpipe/internal/events"
	"github.com/fieldtrace/syncpipe/internal/handler"
	"github.com/fieldtrace/syncpipe/internal/infra/postgresql"
	"github.com/fieldtrace/syncpipe/internal/infra/postgresql/migrations"
	infraredis "github.com/fieldtrace/syncpipe/internal/infra/redis"
	"github.com/fieldtrace/syncpipe/internal/observability"
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
	"github.com/fieldtrace/syncpipe/internal/retry"
	"github.com/fieldtrace/syncpipe/internal/service"
	"github.com/fieldtrace/syncpipe/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *redis.Client
	var breaker retry.Breaker
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		breaker, err = infraredis.NewRedisBreaker(
			rdb,
			cfg.BreakerThreshold,
			time.Duration(cfg.BreakerWindowSecs)*time.Second,
			time.Duration(cfg.BreakerCooldownSecs)*time.Second,
		)
		if err != nil {
			logger.Fatal("redis breaker initialization failed", zap.Error(err))
		}
	} else {
		logger.Info("REDIS_URL not set, using in-process circuit breaker")
		breaker = retry.NewWindowBreaker(
			cfg.BreakerThreshold,
			time.Duration(cfg.BreakerWindowSecs)*time.Second,
			time.Duration(cfg.BreakerCooldownSecs)*time.Second,
		)
	}

	var emitter events.Emitter = events.NewZapEmitter(logger)
	if cfg.RabbitMQURL != "" {
		rabbitEmitter, err := events.NewRabbitMQEmitter(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		defer rabbitEmitter.Close() //nolint:errcheck
		emitter = events.MultiEmitter{events.NewZapEmitter(logger), rabbitEmitter}
	} else {
		logger.Info("RABBITMQ_URL not set, sync events go to the log only")
	}

	erpClient, err := erp.NewDolibarrClient(cfg.ErpBaseURL, cfg.ErpAPIKey)
	if err != nil {
		logger.Fatal("erp client initialization failed", zap.Error(err))
	}

	adapter, err := erp.NewAdapter(erpClient, time.Duration(cfg.ErpTimeoutSecs)*time.Second, logger)
	if err != nil {
		logger.Fatal("erp adapter initialization failed", zap.Error(err))
	}

	records := repository.NewGormConfirmationRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	jobs := queue.NewGormQueue(db)

	policy := retry.NewPolicy(
		time.Duration(cfg.RetryBaseDelaySecs)*time.Second,
		time.Duration(cfg.RetryMaxDelaySecs)*time.Second,
		cfg.RetryMaxAttempts,
		cfg.AuthMaxAttempts,
	)

	orchestrator, err := service.NewOrchestrator(
		records,
		attempts,
		jobs,
		adapter,
		policy,
		breaker,
		emitter,
		time.Duration(cfg.SyncIntervalSecs)*time.Second,
		cfg.SyncBatchSize,
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}

	orchestrator.SetClaimTimeout(time.Duration(cfg.ClaimTimeoutSecs) * time.Second)

	metrics := observability.NewMetrics()
	orchestrator.SetMetrics(metrics)

	confirmations, err := service.NewConfirmationService(records, attempts, jobs, orchestrator.Wake, logger)
	if err != nil {
		logger.Fatal("confirmation service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterConfirmationRoutes(app, confirmations, jobs); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("sync orchestrator started",
			zap.Int("intervalSecs", cfg.SyncIntervalSecs),
			zap.Int("batchSize", cfg.SyncBatchSize),
			zap.Int("concurrency", cfg.WorkerConcurrency),
		)
		return orchestrator.Start(groupCtx)
	})

	g.Go(func() error {
		logger.Info("admin api started", zap.Int("port", cfg.AdminPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.AdminPort))
	})

	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("syncpipe exited with error", zap.Error(err))
	}

	logger.Info("syncpipe stopped")
}
