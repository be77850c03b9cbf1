package messaging

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/pkg/breaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultFetchWindow  = 1000
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxCount     = 100

	tracerName = "github.com/suokelife/messagebus/internal/application/messaging"
)

// ListOptions filters a message listing. Zero time bounds are open and
// both bounds are inclusive.
type ListOptions struct {
	MaxCount   int
	Attributes map[string]string
	Start      time.Time
	End        time.Time
}

// MessageRepository publishes and fetches messages through a broker. Every
// call is guarded by one circuit breaker and every error it returns is a
// canonical *errors.Error, except errors.ErrMessageNotFound.
type MessageRepository struct {
	broker       Broker
	breaker      *breaker.CircuitBreaker
	topics       TopicCreator
	autoCreate   bool
	fetchWindow  int
	fetchTimeout time.Duration

	logger  zerolog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

type RepositoryOption func(*MessageRepository)

func WithBreaker(cb *breaker.CircuitBreaker) RepositoryOption {
	return func(r *MessageRepository) {
		r.breaker = cb
	}
}

// WithAutoCreate enables topic creation when a publish hits a missing topic.
func WithAutoCreate(creator TopicCreator) RepositoryOption {
	return func(r *MessageRepository) {
		r.topics = creator
		r.autoCreate = creator != nil
	}
}

// WithFetchWindow bounds a scan to the newest n records of each partition.
func WithFetchWindow(n int) RepositoryOption {
	return func(r *MessageRepository) {
		if n > 0 {
			r.fetchWindow = n
		}
	}
}

func WithFetchTimeout(d time.Duration) RepositoryOption {
	return func(r *MessageRepository) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

func WithRepositoryLogger(logger zerolog.Logger) RepositoryOption {
	return func(r *MessageRepository) {
		r.logger = logger
	}
}

func WithRepositoryMetrics(m Metrics) RepositoryOption {
	return func(r *MessageRepository) {
		r.metrics = m
	}
}

func NewMessageRepository(b Broker, opts ...RepositoryOption) *MessageRepository {
	r := &MessageRepository{
		broker:       b,
		fetchWindow:  DefaultFetchWindow,
		fetchTimeout: DefaultFetchTimeout,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = breaker.New(breaker.WithName("message-repository"))
	}
	r.metrics = guard(r.metrics, r.logger)
	return r
}

// Breaker exposes the repository breaker for health reporting.
func (r *MessageRepository) Breaker() *breaker.CircuitBreaker {
	return r.breaker
}

func (r *MessageRepository) circuitOpen(op string) error {
	return domainErrors.New(domainErrors.KindCircuitOpen, op, "circuit breaker "+r.breaker.Name()+" is open")
}

// Publish sends msg to its topic. When the topic is missing and auto-create
// is enabled the topic is created and the publish retried exactly once; the
// whole sequence counts as a single breaker outcome.
func (r *MessageRepository) Publish(ctx context.Context, msg message.Message) (message.Ack, error) {
	ctx, span := r.tracer.Start(ctx, "MessageRepository.Publish", trace.WithAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.message_id", msg.ID),
	))
	defer span.End()

	if err := msg.Validate(); err != nil {
		return message.Ack{}, r.fail(span, msg.Topic, domainErrors.Wrap(domainErrors.KindValidation, "publish", err))
	}
	payload, err := msg.Encode()
	if err != nil {
		return message.Ack{}, r.fail(span, msg.Topic, domainErrors.Wrap(domainErrors.KindValidation, "publish", err))
	}

	if r.breaker.IsOpen() {
		return message.Ack{}, r.fail(span, msg.Topic, r.circuitOpen("publish"))
	}

	start := time.Now()
	ack, err := r.publish(ctx, msg, payload)
	if err != nil {
		r.breaker.RecordFailure()
		return message.Ack{}, r.fail(span, msg.Topic, err)
	}
	r.breaker.RecordSuccess()

	r.metrics.PublishSucceeded(msg.Topic, time.Since(start))
	span.SetAttributes(attribute.Int("messaging.partition", ack.Partition), attribute.Int64("messaging.offset", ack.Offset))
	r.logger.Debug().
		Str("message_id", msg.ID).
		Str("topic", msg.Topic).
		Int("partition", ack.Partition).
		Int64("offset", ack.Offset).
		Msg("message published")
	return ack, nil
}

func (r *MessageRepository) publish(ctx context.Context, msg message.Message, payload []byte) (message.Ack, error) {
	ack, err := r.broker.Publish(ctx, msg.Topic, msg.Key(), payload)
	if err == nil {
		ack.MessageID = msg.ID
		return ack, nil
	}

	cerr := domainErrors.Canonicalize("publish", err)
	if cerr.Kind != domainErrors.KindTopicNotFound || !r.autoCreate {
		return message.Ack{}, cerr
	}

	r.logger.Info().Str("topic", msg.Topic).Msg("topic missing, creating before retrying publish")
	if err := r.topics.EnsureTopic(ctx, msg.Topic); err != nil {
		return message.Ack{}, domainErrors.Canonicalize("publish", err)
	}

	ack, err = r.broker.Publish(ctx, msg.Topic, msg.Key(), payload)
	if err != nil {
		return message.Ack{}, domainErrors.Canonicalize("publish", err)
	}
	ack.MessageID = msg.ID
	return ack, nil
}

func (r *MessageRepository) fail(span trace.Span, topic string, err error) error {
	kind := domainErrors.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	r.metrics.PublishFailed(topic, kind)
	r.logger.Warn().Err(err).Str("topic", topic).Str("error_kind", kind.String()).Msg("publish failed")
	return err
}

// GetMessage scans the fetch window of topic for the message with id.
func (r *MessageRepository) GetMessage(ctx context.Context, topic, id string) (message.Message, error) {
	ctx, span := r.tracer.Start(ctx, "MessageRepository.GetMessage", trace.WithAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", id),
	))
	defer span.End()

	var found *message.Message
	_, err := r.guardedScan(ctx, "get_message", topic, func(m message.Message) bool {
		if m.ID == id {
			found = &m
			return false
		}
		return true
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domainErrors.KindOf(err).String())
		return message.Message{}, err
	}
	if found == nil {
		return message.Message{}, domainErrors.ErrMessageNotFound
	}
	return *found, nil
}

// ListMessages returns matching messages in broker order. When the fetch
// timeout elapses the messages collected so far are returned without error.
func (r *MessageRepository) ListMessages(ctx context.Context, topic string, opts ListOptions) ([]message.Message, error) {
	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}

	ctx, span := r.tracer.Start(ctx, "MessageRepository.ListMessages", trace.WithAttributes(
		attribute.String("messaging.destination", topic),
		attribute.Int("messaging.max_count", maxCount),
	))
	defer span.End()

	out := make([]message.Message, 0)
	partial, err := r.guardedScan(ctx, "list_messages", topic, func(m message.Message) bool {
		if !m.MatchesAttributes(opts.Attributes) || !m.InRange(opts.Start, opts.End) {
			return true
		}
		out = append(out, m)
		return len(out) < maxCount
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domainErrors.KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(attribute.Int("messaging.count", len(out)), attribute.Bool("messaging.partial", partial))
	return out, nil
}

// guardedScan runs scan under the breaker. It reports whether the scan was
// cut short by the fetch timeout.
func (r *MessageRepository) guardedScan(ctx context.Context, op, topic string, visit func(message.Message) bool) (bool, error) {
	if topic == "" {
		return false, domainErrors.Wrap(domainErrors.KindValidation, op, domainErrors.NewValidationError("topic", "is required"))
	}
	if r.breaker.IsOpen() {
		return false, r.circuitOpen(op)
	}

	start := time.Now()
	count, partial, err := r.scan(ctx, op, topic, visit)
	if err != nil {
		r.breaker.RecordFailure()
		r.logger.Warn().Err(err).Str("topic", topic).Str("op", op).Msg("fetch failed")
		return false, err
	}
	r.breaker.RecordSuccess()
	r.metrics.FetchCompleted(topic, time.Since(start), count)
	if partial {
		r.logger.Info().Str("topic", topic).Int("scanned", count).Dur("timeout", r.fetchTimeout).Msg("fetch timed out, returning partial results")
	}
	return partial, nil
}

func (r *MessageRepository) scan(ctx context.Context, op, topic string, visit func(message.Message) bool) (int, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	stream, err := r.broker.Consume(fetchCtx, topic, r.fetchWindow)
	if err != nil {
		if timedOut(ctx, fetchCtx) {
			return 0, true, nil
		}
		return 0, false, domainErrors.Canonicalize(op, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.logger.Debug().Err(cerr).Str("topic", topic).Msg("close record stream")
		}
	}()

	scanned := 0
	for {
		rec, err := stream.Next(fetchCtx)
		if errors.Is(err, io.EOF) {
			return scanned, false, nil
		}
		if err != nil {
			if timedOut(ctx, fetchCtx) {
				return scanned, true, nil
			}
			return scanned, false, domainErrors.Canonicalize(op, err)
		}
		scanned++

		m, err := message.Decode(rec.Value)
		if err != nil {
			r.logger.Debug().Err(err).Str("topic", topic).Int64("offset", rec.Offset).Msg("skipping undecodable record")
			continue
		}
		if !visit(m) {
			return scanned, false, nil
		}
	}
}

// timedOut reports whether the fetch deadline, not the caller, ended the scan.
func timedOut(parent, fetch context.Context) bool {
	return parent.Err() == nil && errors.Is(fetch.Err(), context.DeadlineExceeded)
}
