package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

const (
	DriverMemory   = "memory"
	DriverKafka    = "kafka"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Topics         TopicsConfig         `mapstructure:"topics"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	DLQ            DLQConfig            `mapstructure:"dlq"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	InstanceID     string               `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig      `mapstructure:"cors"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// RateLimitConfig bounds publish requests per client IP.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type BrokerConfig struct {
	Driver            string        `mapstructure:"driver"`
	Kafka             KafkaConfig   `mapstructure:"kafka"`
	Streams           StreamsConfig `mapstructure:"streams"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	ClientID     string        `mapstructure:"client_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

// StreamsConfig applies when the broker driver is redis.
type StreamsConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`
	MaxLen    int64  `mapstructure:"max_len"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type TopicsConfig struct {
	StoreDriver       string        `mapstructure:"store_driver"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	AutoCreate        bool          `mapstructure:"auto_create"`
	PartitionCount    int           `mapstructure:"partition_count"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	FetchWindow       int           `mapstructure:"fetch_window"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Strategy          string        `mapstructure:"strategy"`
	Jitter            bool          `mapstructure:"jitter"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Workers           int           `mapstructure:"workers"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	// RetryableErrors lists error kinds worth retrying; empty means every
	// kind except VALIDATION_ERROR.
	RetryableErrors []string `mapstructure:"retryable_errors"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type DLQConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MESSAGEBUS")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/messagebus")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// envKeyReplacer maps nested keys to env names, e.g. MESSAGEBUS_RETRY_MAX_ATTEMPTS.
var envKeyReplacer = strings.NewReplacer(".", "_")

var (
	brokerDrivers = []string{DriverMemory, DriverKafka, DriverRedis}
	storeDrivers  = []string{DriverMemory, DriverRedis, DriverPostgres}
	strategies    = []string{"fixed", "linear", "exponential", "custom"}
)

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}

	if !slices.Contains(brokerDrivers, c.Broker.Driver) {
		errs = append(errs, fmt.Errorf("broker.driver must be one of %v, got %q", brokerDrivers, c.Broker.Driver))
	}
	if c.Broker.Driver == DriverKafka && len(c.Broker.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("broker.kafka.brokers is required for the kafka driver"))
	}
	if !slices.Contains(storeDrivers, c.Topics.StoreDriver) {
		errs = append(errs, fmt.Errorf("topics.store_driver must be one of %v, got %q", storeDrivers, c.Topics.StoreDriver))
	}
	if c.UsesRedis() && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.UsesPostgres() {
		if c.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required"))
		}
		if c.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("database.port must be positive"))
		}
	}

	if c.Topics.PartitionCount < 1 {
		errs = append(errs, fmt.Errorf("topics.partition_count must be at least 1"))
	}
	if c.Topics.ReplicationFactor < 1 {
		errs = append(errs, fmt.Errorf("topics.replication_factor must be at least 1"))
	}
	if c.Topics.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("topics.fetch_timeout must be positive"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.initial_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay must not be below retry.initial_delay"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be at least 1"))
	}
	if !slices.Contains(strategies, c.Retry.Strategy) {
		errs = append(errs, fmt.Errorf("retry.strategy must be one of %v, got %q", strategies, c.Retry.Strategy))
	}
	for _, name := range c.Retry.RetryableErrors {
		if _, ok := domainErrors.ParseKind(name); !ok {
			errs = append(errs, fmt.Errorf("retry.retryable_errors: unknown error kind %q", name))
		}
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_threshold must be at least 1"))
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.reset_timeout must be positive"))
	}
	if c.DLQ.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("dlq.max_size must be at least 1"))
	}

	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.UsesPostgres() && c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any component is backed by Redis.
func (c *Config) UsesRedis() bool {
	return c.Broker.Driver == DriverRedis || c.Topics.StoreDriver == DriverRedis
}

// UsesPostgres reports whether the topic store is backed by PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.Topics.StoreDriver == DriverPostgres
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	// Broker defaults
	v.SetDefault("broker.driver", DriverMemory)
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.kafka.client_id", "messagebus")
	v.SetDefault("broker.kafka.write_timeout", "10s")
	v.SetDefault("broker.kafka.read_timeout", "10s")
	v.SetDefault("broker.kafka.required_acks", -1)
	v.SetDefault("broker.streams.key_prefix", "messagebus:stream:")
	v.SetDefault("broker.streams.max_len", 100000)
	v.SetDefault("broker.connect_retries", 5)
	v.SetDefault("broker.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "messagebus")
	v.SetDefault("database.database", "messagebus")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Topic defaults
	v.SetDefault("topics.store_driver", DriverMemory)
	v.SetDefault("topics.key_prefix", "messagebus:topic:")
	v.SetDefault("topics.auto_create", true)
	v.SetDefault("topics.partition_count", 3)
	v.SetDefault("topics.replication_factor", 1)
	v.SetDefault("topics.fetch_window", 1000)
	v.SetDefault("topics.fetch_timeout", "30s")

	// Retry defaults
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.poll_interval", "100ms")
	v.SetDefault("retry.workers", 16)
	v.SetDefault("retry.attempt_timeout", "30s")

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")

	// Dead-letter defaults
	v.SetDefault("dlq.max_size", 10000)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")

	v.SetDefault("instance_id", "messagebus-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the URL form used by migrations.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
