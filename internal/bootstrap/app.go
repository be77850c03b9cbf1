package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
	"github.com/suokelife/messagebus/internal/infrastructure/broker"
	"github.com/suokelife/messagebus/internal/infrastructure/config"
	"github.com/suokelife/messagebus/internal/infrastructure/observability"
	infraRedis "github.com/suokelife/messagebus/internal/infrastructure/redis"
	"github.com/suokelife/messagebus/internal/repository/memory"
	"github.com/suokelife/messagebus/internal/repository/postgres"
	pkgbreaker "github.com/suokelife/messagebus/pkg/breaker"
	"github.com/suokelife/messagebus/pkg/retry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// Pool and Redis are nil unless a configured driver needs them.
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Broker      messaging.Broker
	Topics      *messaging.TopicRepository
	Messages    *messaging.MessageRepository
	DeadLetters *reliability.DeadLetterStore
	Scheduler   *reliability.Scheduler
	Manager     *reliability.Manager
	Publisher   *messaging.Publisher

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger = observability.WithInstance(logger, serviceName, cfg.InstanceID)
	logger.Info().Msg("Starting")

	var tp *sdktrace.TracerProvider
	if cfg.Observability.EnableTracing {
		tp, err = observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)
	logger.Info().Msg("Metrics initialized")

	app, err := Assemble(ctx, cfg, logger, metrics)
	if err != nil {
		observability.Shutdown(context.Background(), tp)
		return nil, err
	}
	app.tracer = tp
	return app, nil
}

// Assemble connects the configured backends and wires the delivery stack.
func Assemble(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Metrics: metrics}

	if cfg.UsesPostgres() {
		pool, err := postgres.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.Pool = pool
		logger.Info().Msg("Connected to PostgreSQL")
	}

	if cfg.UsesRedis() {
		client, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Redis = client
		logger.Info().Msg("Connected to Redis")
	}

	var redisClient redis.UniversalClient
	if app.Redis != nil {
		redisClient = app.Redis
	}
	b, err := broker.New(ctx, cfg.Broker, redisClient, observability.ForComponent(logger, "broker"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create broker: %w", err)
	}
	app.Broker = b

	retryCfg, err := RetryConfigFrom(cfg.Retry)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Topics = messaging.NewTopicRepository(
		app.topicStore(),
		b,
		app.topicOptions()...,
	)

	repoOpts := []messaging.RepositoryOption{
		messaging.WithBreaker(pkgbreaker.New(
			pkgbreaker.WithName("message-repository"),
			pkgbreaker.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
			pkgbreaker.WithResetTimeout(cfg.CircuitBreaker.ResetTimeout),
			pkgbreaker.WithStateChange(app.breakerChanged),
		)),
		messaging.WithFetchWindow(cfg.Topics.FetchWindow),
		messaging.WithFetchTimeout(cfg.Topics.FetchTimeout),
		messaging.WithRepositoryLogger(observability.ForComponent(logger, "message-repository")),
		messaging.WithRepositoryMetrics(metrics),
	}
	if cfg.Topics.AutoCreate {
		repoOpts = append(repoOpts, messaging.WithAutoCreate(app.Topics))
	}
	app.Messages = messaging.NewMessageRepository(b, repoOpts...)

	reliabilityLogger := observability.ForComponent(logger, "reliability")
	app.DeadLetters = reliability.NewDeadLetterStore(cfg.DLQ.MaxSize,
		reliability.WithDeadLetterLogger(reliabilityLogger),
		reliability.WithDeadLetterMetrics(metrics),
	)
	metrics.ObserveDeadLetterSize(app.DeadLetters.Len)

	app.Scheduler = reliability.NewScheduler(app.DeadLetters,
		reliability.WithLogger(reliabilityLogger),
		reliability.WithMetrics(metrics),
		reliability.WithPollInterval(cfg.Retry.PollInterval),
		reliability.WithWorkers(cfg.Retry.Workers),
		reliability.WithAttemptTimeout(cfg.Retry.AttemptTimeout),
	)
	app.Manager = reliability.NewManager(app.DeadLetters, app.Scheduler,
		reliability.WithDefaultRetryConfig(retryCfg),
		reliability.WithManagerLogger(reliabilityLogger),
	)
	app.Publisher = messaging.NewPublisher(app.Messages, app.Manager,
		messaging.WithPublisherLogger(observability.ForComponent(logger, "publisher")),
	)

	logger.Info().
		Str("broker", cfg.Broker.Driver).
		Str("topic_store", cfg.Topics.StoreDriver).
		Int("max_attempts", retryCfg.MaxAttempts).
		Str("strategy", string(retryCfg.Strategy)).
		Msg("Delivery stack ready")
	return app, nil
}

func (a *App) topicStore() topic.Store {
	switch a.Config.Topics.StoreDriver {
	case config.DriverRedis:
		return infraRedis.NewTopicStore(a.Redis, a.Config.Topics.KeyPrefix)
	case config.DriverPostgres:
		return postgres.NewTopicStore(a.Pool)
	default:
		return memory.NewTopicStore()
	}
}

func (a *App) topicOptions() []messaging.TopicRepositoryOption {
	cb := a.Config.CircuitBreaker
	opts := []messaging.TopicRepositoryOption{
		messaging.WithTopicDefaults(messaging.TopicDefaults{
			PartitionCount:    a.Config.Topics.PartitionCount,
			ReplicationFactor: a.Config.Topics.ReplicationFactor,
		}),
		messaging.WithCreateRetry(retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		}),
		messaging.WithTopicLogger(observability.ForComponent(a.Logger, "topic-repository")),
		messaging.WithStoreBreakerSettings(gobreaker.Settings{
			Name:        "topic-store",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     cb.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cb.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				a.breakerTransition(name, from.String(), to.String())
			},
		}),
	}
	if a.Redis != nil {
		opts = append(opts, messaging.WithDeclareLocker(
			infraRedis.NewLocker(a.Redis, a.Config.Topics.KeyPrefix, 10*time.Second),
		))
	}
	return opts
}

func (a *App) breakerChanged(name string, from, to pkgbreaker.State) {
	a.breakerTransition(name, from.String(), to.String())
}

func (a *App) breakerTransition(name, from, to string) {
	a.Metrics.BreakerStateChanged(name, from, to)
	a.Logger.Warn().
		Str("breaker", name).
		Str("from", from).
		Str("to", to).
		Msg("Circuit breaker state changed")
}

// RetryConfigFrom converts the configured retry section into a policy.
func RetryConfigFrom(c config.RetryConfig) (reliability.RetryConfig, error) {
	strategy, err := reliability.ParseStrategy(c.Strategy)
	if err != nil {
		return reliability.RetryConfig{}, err
	}

	rc := reliability.RetryConfig{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.InitialDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		Strategy:          strategy,
		Jitter:            c.Jitter,
	}
	if len(c.RetryableErrors) > 0 {
		rc.RetryableErrors = make([]domainErrors.Kind, 0, len(c.RetryableErrors))
		for _, name := range c.RetryableErrors {
			kind, ok := domainErrors.ParseKind(name)
			if !ok {
				return reliability.RetryConfig{}, fmt.Errorf("unknown retryable error kind %q", name)
			}
			rc.RetryableErrors = append(rc.RetryableErrors, kind)
		}
	}
	if err := rc.Validate(); err != nil {
		return reliability.RetryConfig{}, fmt.Errorf("retry config: %w", err)
	}
	return rc, nil
}

// Ping checks every backend the app depends on.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}
