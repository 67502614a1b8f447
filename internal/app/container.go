// Package app wires the application dependency graph.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fanpledge/fanpledge/internal/billing/application"
	"github.com/fanpledge/fanpledge/internal/billing/batch"
	"github.com/fanpledge/fanpledge/internal/billing/domain"
	"github.com/fanpledge/fanpledge/internal/billing/infrastructure/gateway"
	billingPersistence "github.com/fanpledge/fanpledge/internal/billing/infrastructure/persistence"
	"github.com/fanpledge/fanpledge/internal/billing/scheduler"
	sharedApplication "github.com/fanpledge/fanpledge/internal/shared/application"
	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/eventbus"
	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/migrations"
	"github.com/fanpledge/fanpledge/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/fanpledge/fanpledge/internal/shared/infrastructure/persistence"
	"github.com/fanpledge/fanpledge/pkg/config"
	"github.com/fanpledge/fanpledge/pkg/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	DB          *pgxpool.Pool
	RedisClient *redis.Client

	SubscriptionRepo domain.SubscriptionRepository
	AttemptRepo      domain.PaymentAttemptRepository
	SnapshotRepo     domain.SnapshotRepository
	OutboxRepo       outbox.Repository

	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor
	UnitOfWork      sharedApplication.UnitOfWork

	Gateway *gateway.Client
	Metrics *observability.MetricsCollector

	BillingService *application.Service
	Pipeline       *batch.Pipeline
	Scheduler      *scheduler.Scheduler
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	c.DB = pool
	logger.Info("connected to database")

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis backs the cross-replica run lock. A single dev instance can run
	// without it; production cannot.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			if !cfg.IsDevelopment() {
				pool.Close()
				return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
			}
			logger.Warn("invalid Redis URL, run lock disabled", "error", err)
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				if !cfg.IsDevelopment() {
					pool.Close()
					return nil, fmt.Errorf("failed to connect to Redis: %w", err)
				}
				logger.Warn("Redis not available, run lock disabled", "error", err)
			} else {
				c.RedisClient = client
				logger.Info("connected to Redis")
			}
		}
	}

	// RabbitMQ carries published billing facts; without it the outbox
	// processor drains into a noop publisher in development.
	if cfg.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				pool.Close()
				return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			c.EventPublisher = eventbus.NewNoopPublisher(logger)
		} else {
			c.EventPublisher = publisher
			logger.Info("connected to RabbitMQ")
		}
	} else {
		c.EventPublisher = eventbus.NewNoopPublisher(logger)
	}

	c.SubscriptionRepo = billingPersistence.NewPostgresSubscriptionRepository(pool)
	c.AttemptRepo = billingPersistence.NewPostgresPaymentAttemptRepository(pool)
	c.SnapshotRepo = billingPersistence.NewPostgresSnapshotRepository(pool)
	c.OutboxRepo = outbox.NewPostgresRepository(pool)
	c.UnitOfWork = sharedPersistence.NewPostgresUnitOfWork(pool)

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval:     cfg.OutboxPollInterval,
		BatchSize:        cfg.OutboxBatchSize,
		MaxRetries:       cfg.OutboxMaxRetries,
		RetryBackoffBase: outbox.DefaultProcessorConfig().RetryBackoffBase,
		RetryBackoffMax:  outbox.DefaultProcessorConfig().RetryBackoffMax,
	}, logger)

	c.Metrics = observability.NewMetricsCollector()
	c.Gateway = gateway.NewClient(gateway.Config{
		BaseURL:                 cfg.GatewayBaseURL,
		SecretKey:               cfg.GatewaySecretKey,
		Timeout:                 cfg.GatewayTimeout,
		RateLimit:               cfg.GatewayRateLimit,
		RateBurst:               cfg.GatewayRateBurst,
		BreakerFailureThreshold: gateway.DefaultConfig().BreakerFailureThreshold,
		BreakerOpenTimeout:      gateway.DefaultConfig().BreakerOpenTimeout,
	}, c.Metrics, logger)

	c.BillingService = application.NewService(
		c.SubscriptionRepo,
		c.AttemptRepo,
		c.SnapshotRepo,
		c.Gateway,
		c.OutboxRepo,
		c.UnitOfWork,
		logger,
	)

	c.Pipeline = batch.NewPipeline(
		batch.NewReader(c.SubscriptionRepo),
		batch.NewProcessor(c.BillingService, cfg.BatchRetryLimit, cfg.BatchRetryBackoff, logger),
		batch.NewWriter(c.BillingService),
		batch.PipelineConfig{
			ChunkSize:  cfg.BatchChunkSize,
			SkipLimit:  cfg.BatchSkipLimit,
			JobTimeout: cfg.BatchJobTimeout,
		},
		logger,
	)

	c.Scheduler = scheduler.NewScheduler(c.Pipeline, c.runLock(), cfg.SchedulerInterval, logger)

	return c, nil
}

// runLock picks the strongest available lock: Redis when configured and
// reachable, the in-process guard otherwise.
func (c *Container) runLock() scheduler.RunLock {
	if !c.Config.SchedulerLockEnabled || c.RedisClient == nil {
		return scheduler.NoopRunLock{}
	}
	// TTL of two intervals: long enough to cover a slow run, short enough
	// that a crashed worker frees the schedule within two ticks.
	return scheduler.NewRedisRunLock(c.RedisClient, c.Config.SchedulerLockKey, 2*c.Config.SchedulerInterval)
}

// Close releases all resources held by the container.
func (c *Container) Close() {
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Error("failed to close event publisher", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Error("failed to close Redis client", "error", err)
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
