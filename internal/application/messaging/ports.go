package messaging

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
)

// Broker is the publish/consume client of a concrete message broker.
// Implementations return canonical *errors.Error values.
type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte) (message.Ack, error)
	// Consume opens a stream over the newest records of topic: at most
	// window records per partition. A non-positive window reads everything.
	Consume(ctx context.Context, topic string, window int) (RecordStream, error)
	CreateTopic(ctx context.Context, name string, partitions, replication int) error
	DeleteTopic(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// RecordStream yields records oldest first. Next returns io.EOF once the
// records available at open time are exhausted.
type RecordStream interface {
	Next(ctx context.Context) (message.Record, error)
	Close() error
}

// TopicCreator creates a topic with the configured defaults when absent.
type TopicCreator interface {
	EnsureTopic(ctx context.Context, name string) error
}

// Locker serializes work on a key across instances. The returned func
// releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

// Metrics receives publish and fetch events.
type Metrics interface {
	PublishSucceeded(topic string, latency time.Duration)
	PublishFailed(topic string, kind domainErrors.Kind)
	FetchCompleted(topic string, latency time.Duration, count int)
}

type NopMetrics struct{}

func (NopMetrics) PublishSucceeded(string, time.Duration)    {}
func (NopMetrics) PublishFailed(string, domainErrors.Kind)   {}
func (NopMetrics) FetchCompleted(string, time.Duration, int) {}

type guardedMetrics struct {
	inner  Metrics
	logger zerolog.Logger
}

func guard(m Metrics, logger zerolog.Logger) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return guardedMetrics{inner: m, logger: logger}
}

func (g guardedMetrics) recover(event string) {
	if r := recover(); r != nil {
		g.logger.Warn().Interface("panic", r).Str("event", event).Msg("metrics emission failed")
	}
}

func (g guardedMetrics) PublishSucceeded(topic string, latency time.Duration) {
	defer g.recover("publish_succeeded")
	g.inner.PublishSucceeded(topic, latency)
}

func (g guardedMetrics) PublishFailed(topic string, kind domainErrors.Kind) {
	defer g.recover("publish_failed")
	g.inner.PublishFailed(topic, kind)
}

func (g guardedMetrics) FetchCompleted(topic string, latency time.Duration, count int) {
	defer g.recover("fetch_completed")
	g.inner.FetchCompleted(topic, latency, count)
}
