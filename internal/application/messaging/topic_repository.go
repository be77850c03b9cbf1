package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
	"github.com/suokelife/messagebus/pkg/retry"
	"github.com/suokelife/messagebus/pkg/saga"
)

// TopicDefaults are applied to topics created implicitly.
type TopicDefaults struct {
	PartitionCount    int
	ReplicationFactor int
}

// TopicRepository keeps the broker's topics and the topic store in step.
// Store calls are guarded by a gobreaker so a failing store fails fast.
type TopicRepository struct {
	store    topic.Store
	broker   Broker
	cb       *gobreaker.CircuitBreaker[any]
	defaults TopicDefaults
	retry    retry.Config
	locker   Locker
	logger   zerolog.Logger
}

type TopicRepositoryOption func(*TopicRepository)

func WithTopicDefaults(d TopicDefaults) TopicRepositoryOption {
	return func(r *TopicRepository) {
		if d.PartitionCount > 0 {
			r.defaults.PartitionCount = d.PartitionCount
		}
		if d.ReplicationFactor > 0 {
			r.defaults.ReplicationFactor = d.ReplicationFactor
		}
	}
}

// WithCreateRetry sets the backoff used when creating topics on the broker.
func WithCreateRetry(cfg retry.Config) TopicRepositoryOption {
	return func(r *TopicRepository) {
		r.retry = cfg
	}
}

// WithDeclareLocker serializes declarations of the same topic name.
func WithDeclareLocker(l Locker) TopicRepositoryOption {
	return func(r *TopicRepository) {
		r.locker = l
	}
}

func WithTopicLogger(logger zerolog.Logger) TopicRepositoryOption {
	return func(r *TopicRepository) {
		r.logger = logger
	}
}

// WithStoreBreakerSettings replaces the store breaker settings.
func WithStoreBreakerSettings(settings gobreaker.Settings) TopicRepositoryOption {
	return func(r *TopicRepository) {
		if settings.IsSuccessful == nil {
			settings.IsSuccessful = storeCallSucceeded
		}
		r.cb = gobreaker.NewCircuitBreaker[any](settings)
	}
}

func NewTopicRepository(store topic.Store, b Broker, opts ...TopicRepositoryOption) *TopicRepository {
	r := &TopicRepository{
		store:    store,
		broker:   b,
		defaults: TopicDefaults{PartitionCount: 1, ReplicationFactor: 1},
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cb == nil {
		r.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "topic-store",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: storeCallSucceeded,
		})
	}
	return r
}

// storeCallSucceeded keeps lookups of missing topics from tripping the breaker.
func storeCallSucceeded(err error) bool {
	return err == nil || errors.Is(err, domainErrors.ErrTopicNotFound) || domainErrors.Is(err, domainErrors.KindValidation)
}

func guarded[T any](cb *gobreaker.CircuitBreaker[any], op string, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, domainErrors.Wrap(domainErrors.KindCircuitOpen, op, err)
		}
		return zero, err
	}
	return res.(T), nil
}

// Declare creates t on the broker and in the store unless it already exists.
// A broker topic created here is deleted again if the store save fails.
// It returns the stored topic and whether it was created by this call.
func (r *TopicRepository) Declare(ctx context.Context, t topic.Topic) (topic.Topic, bool, error) {
	if err := t.Validate(); err != nil {
		return topic.Topic{}, false, domainErrors.Wrap(domainErrors.KindValidation, "declare_topic", err)
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "topic:"+t.Name)
		if err != nil {
			return topic.Topic{}, false, domainErrors.Wrap(domainErrors.KindTimeout, "declare_topic", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn().Err(err).Str("topic", t.Name).Msg("failed to release declare lock")
			}
		}()
	}

	existing, err := r.Get(ctx, t.Name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domainErrors.ErrTopicNotFound) {
		return topic.Topic{}, false, err
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var onBroker, created bool
	err = saga.New("declare_topic",
		saga.Step{
			Name: "create_on_broker",
			Do: func(ctx context.Context) error {
				var err error
				onBroker, err = r.createOnBroker(ctx, t)
				return err
			},
			Undo: func(ctx context.Context) error {
				if !onBroker {
					return nil
				}
				return r.broker.DeleteTopic(ctx, t.Name)
			},
		},
		saga.Step{
			Name: "save_to_store",
			Do: func(ctx context.Context) error {
				var err error
				created, err = guarded(r.cb, "declare_topic", func() (bool, error) {
					return r.store.Save(ctx, t)
				})
				return err
			},
		},
	).Run(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", t.Name).Bool("rolled_back", onBroker).Msg("topic declaration failed")
		return topic.Topic{}, false, err
	}

	r.logger.Info().
		Str("topic", t.Name).
		Int("partitions", t.PartitionCount).
		Int("replication", t.ReplicationFactor).
		Msg("topic declared")
	return t.Clone(), created, nil
}

// createOnBroker reports whether this call created the broker topic. A topic
// the broker already has is accepted and left in place on rollback.
func (r *TopicRepository) createOnBroker(ctx context.Context, t topic.Topic) (bool, error) {
	var existed bool
	err := retry.Do(ctx, r.retry, func() error {
		err := r.broker.CreateTopic(ctx, t.Name, t.PartitionCount, t.ReplicationFactor)
		if errors.Is(err, domainErrors.ErrTopicExists) {
			existed = true
			return nil
		}
		if err != nil && domainErrors.Is(err, domainErrors.KindValidation) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return false, domainErrors.Canonicalize("declare_topic", err)
	}
	return !existed, nil
}

// EnsureTopic declares name with the configured defaults.
func (r *TopicRepository) EnsureTopic(ctx context.Context, name string) error {
	_, _, err := r.Declare(ctx, topic.New(name, r.defaults.PartitionCount, r.defaults.ReplicationFactor))
	return err
}

// Get returns errors.ErrTopicNotFound when the topic is unknown.
func (r *TopicRepository) Get(ctx context.Context, name string) (topic.Topic, error) {
	return guarded(r.cb, "get_topic", func() (topic.Topic, error) {
		return r.store.Get(ctx, name)
	})
}

func (r *TopicRepository) Exists(ctx context.Context, name string) (bool, error) {
	return guarded(r.cb, "topic_exists", func() (bool, error) {
		return r.store.Exists(ctx, name)
	})
}

func (r *TopicRepository) List(ctx context.Context, pageSize int, pageToken string) (topic.Page, error) {
	return guarded(r.cb, "list_topics", func() (topic.Page, error) {
		return r.store.List(ctx, pageSize, pageToken)
	})
}

// Delete removes the topic from the broker and the store. A topic already
// gone from the broker is not an error.
func (r *TopicRepository) Delete(ctx context.Context, name string) (bool, error) {
	if err := r.broker.DeleteTopic(ctx, name); err != nil && !domainErrors.Is(err, domainErrors.KindTopicNotFound) {
		return false, domainErrors.Canonicalize("delete_topic", err)
	}

	deleted, err := guarded(r.cb, "delete_topic", func() (bool, error) {
		return r.store.Delete(ctx, name)
	})
	if err != nil {
		return false, fmt.Errorf("delete topic %s: %w", name, err)
	}
	if deleted {
		r.logger.Info().Str("topic", name).Msg("topic deleted")
	}
	return deleted, nil
}

// StoreBreakerState reports the store breaker state for health checks.
func (r *TopicRepository) StoreBreakerState() gobreaker.State {
	return r.cb.State()
}
