package messaging

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
)

// Delivery is the synchronous outcome of a publish. When Retrying is set
// the first attempt failed and the message was handed to the retry
// scheduler; Cause holds that failure.
type Delivery struct {
	Ack      message.Ack
	Retrying bool
	Cause    error
}

// Publisher publishes through a MessageRepository and routes failures to
// the reliability manager.
type Publisher struct {
	repo    *MessageRepository
	manager *reliability.Manager
	config  *reliability.RetryConfig
	logger  zerolog.Logger
}

type PublisherOption func(*Publisher)

// WithRetryConfig overrides the manager default for messages sent by this
// publisher.
func WithRetryConfig(cfg reliability.RetryConfig) PublisherOption {
	return func(p *Publisher) {
		p.config = &cfg
	}
}

func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(repo *MessageRepository, manager *reliability.Manager, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		repo:    repo,
		manager: manager,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish attempts delivery once. A retryable failure is accepted for
// retry and reported through Delivery; any other failure is returned.
func (p *Publisher) Publish(ctx context.Context, msg message.Message) (Delivery, error) {
	ack, err := p.repo.Publish(ctx, msg)
	if err == nil {
		return Delivery{Ack: ack}, nil
	}

	if p.manager.HandleFailure(msg, err, p.Retryable(), p.config) {
		p.logger.Info().
			Str("message_id", msg.ID).
			Str("topic", msg.Topic).
			Str("error_kind", domainErrors.KindOf(err).String()).
			Msg("publish failed, accepted for retry")
		return Delivery{Retrying: true, Cause: err}, nil
	}
	return Delivery{}, err
}

// Retryable re-enters the repository publish path.
func (p *Publisher) Retryable() reliability.Retryable {
	return reliability.RetryFunc(func(ctx context.Context, msg message.Message) error {
		_, err := p.repo.Publish(ctx, msg)
		return err
	})
}

// Reprocess resubmits a dead-lettered message through this publisher.
func (p *Publisher) Reprocess(id string) bool {
	return p.manager.Reprocess(id, p.Retryable())
}
