package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/infrastructure/config"
	"github.com/suokelife/messagebus/internal/infrastructure/kafka"
	redisinfra "github.com/suokelife/messagebus/internal/infrastructure/redis"
	"github.com/suokelife/messagebus/pkg/retry"
)

// New returns the broker selected by cfg.Driver. The redis driver needs a
// connected client.
func New(ctx context.Context, cfg config.BrokerConfig, client redis.UniversalClient, logger zerolog.Logger) (messaging.Broker, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info().Msg("using in-memory broker")
		return NewMemoryBroker(), nil

	case config.DriverKafka:
		connect := retry.DefaultConfig()
		if cfg.ConnectRetries > 0 {
			connect.MaxAttempts = uint(cfg.ConnectRetries)
		}
		if cfg.ConnectRetryDelay > 0 {
			connect.InitialDelay = cfg.ConnectRetryDelay
		}
		return kafka.NewBroker(ctx, kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			ClientID:     cfg.Kafka.ClientID,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			ReadTimeout:  cfg.Kafka.ReadTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Connect:      connect,
		}, logger)

	case config.DriverRedis:
		if client == nil {
			return nil, fmt.Errorf("broker driver %q requires a redis client", cfg.Driver)
		}
		logger.Info().Str("prefix", cfg.Streams.KeyPrefix).Msg("using redis streams broker")
		return redisinfra.NewStreamBroker(client, cfg.Streams.KeyPrefix, cfg.Streams.MaxLen), nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
}
