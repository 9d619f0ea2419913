package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/broadcast"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/config"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/handler"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/hospital-bulk-engine/internal/infra/redis"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/observability"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/provider"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/queue"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/repository"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/service"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/store"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	passDrainTimeout    = 30 * time.Second
	httpShutdownTimeout = 10 * time.Second
	relayBuffer         = 1024
)

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hospital-bulk-engine stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	client, err := provider.NewHospitalDirectoryClient(cfg.HospitalAPIBase, cfg.HTTPTimeout())
	if err != nil {
		return fmt.Errorf("hospital client initialization failed: %w", err)
	}

	batches := store.NewMemoryStore()
	broadcaster := broadcast.NewBroadcaster(cfg.SubscriberBuffer, logger)
	broadcaster.SetMetrics(metrics)

	svc, err := service.NewBatchService(batches, client, broadcaster, cfg.MaxHospitals, logger)
	if err != nil {
		return fmt.Errorf("batch service initialization failed: %w", err)
	}
	svc.SetMetrics(metrics)

	var checks []handler.ReadinessCheck
	var history service.AttemptHistory

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		checks = append(checks, handler.RedisCheck(rdb))

		if cfg.RateLimitRequests > 0 {
			limiter, err := infraredis.NewSlidingWindowLimiter(rdb, infraredis.LimiterOptions{
				Limit:  cfg.RateLimitRequests,
				Window: cfg.RateLimitWindow,
			})
			if err != nil {
				return fmt.Errorf("rate limiter initialization failed: %w", err)
			}
			svc.SetRateLimiter(limiter)
			logger.Info("hospital create rate limit enabled",
				zap.Int("limit", cfg.RateLimitRequests),
				zap.Duration("window", cfg.RateLimitWindow),
			)
		}
	}

	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()
		checks = append(checks, handler.PostgresCheck(sqlDB))

		recorder, err := service.NewRepositoryRecorder(
			repository.NewGormAttemptRepo(db),
			repository.NewGormPassSummaryRepo(db),
		)
		if err != nil {
			return fmt.Errorf("attempt recorder initialization failed: %w", err)
		}
		svc.SetAttemptRecorder(recorder)
		history = recorder
	}

	var relay *queue.EventRelay
	if cfg.RabbitMQURL != "" {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := queue.NewRabbitMQPublisher(mq)
		defer publisher.Close()

		relay = queue.NewEventRelay(publisher, relayBuffer, logger)
		relay.SetMetrics(metrics)
		svc.SetEventSink(relay)
		checks = append(checks, handler.ReadinessCheck{
			Name: "rabbitmq",
			Ping: func(context.Context) error {
				if !mq.Connected() {
					return errors.New("rabbitmq connection closed")
				}
				return nil
			},
		})
	}

	janitor, err := service.NewJanitor(batches, broadcaster, cfg.BatchRetention, cfg.JanitorInterval, logger)
	if err != nil {
		return fmt.Errorf("janitor initialization failed: %w", err)
	}
	janitor.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "hospital-bulk-engine",
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, checks...)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterHospitalRoutes(app, svc, history, logger); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}

	// Background loops outlive the HTTP server so late events still reach
	// the broker while passes drain.
	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("hospital-bulk-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return janitor.Start(gctx)
	})

	relayDone := make(chan struct{})
	if relay != nil {
		go func() {
			defer close(relayDone)
			if err := relay.Run(background); err != nil {
				logger.Error("event relay stopped", zap.Error(err))
			}
		}()
	} else {
		close(relayDone)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Passes drain while the server still answers status polls and
		// streams; new uploads and resumes get 503.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), passDrainTimeout)
		if err := svc.Shutdown(drainCtx); err != nil {
			logger.Warn("batch passes did not drain before shutdown deadline", zap.Error(err))
		}
		cancelDrain()

		// Open event streams never end on their own, so close them before
		// the server waits for in-flight requests.
		broadcaster.Close()

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := app.ShutdownWithContext(httpCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		cancelHTTP()

		stopBackground()
		<-relayDone
		return nil
	})

	return g.Wait()
}
