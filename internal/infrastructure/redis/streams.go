package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suokelife/messagebus/internal/application/messaging"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
)

const (
	DefaultStreamPrefix = "messagebus:stream:"

	fieldKey     = "key"
	fieldPayload = "payload"

	// streamPageSize bounds each XRANGE round-trip while consuming.
	streamPageSize = 256
)

// StreamBroker implements messaging.Broker on Redis Streams. Each topic is
// one stream; a marker key records that the topic was created, since
// XADD would otherwise create streams implicitly. Streams have a single
// partition; offsets pack the entry id as ms*1000+seq.
type StreamBroker struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

var _ messaging.Broker = (*StreamBroker)(nil)

// NewStreamBroker returns a broker over client. maxLen caps each stream
// approximately; zero leaves streams unbounded.
func NewStreamBroker(client redis.UniversalClient, prefix string, maxLen int64) *StreamBroker {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &StreamBroker{client: client, prefix: prefix, maxLen: maxLen}
}

func (b *StreamBroker) streamKey(topic string) string {
	return b.prefix + topic
}

func (b *StreamBroker) markerKey(topic string) string {
	return b.prefix + "topics:" + topic
}

func (b *StreamBroker) exists(ctx context.Context, topic string) error {
	n, err := b.client.Exists(ctx, b.markerKey(topic)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", topic, domainErrors.ErrTopicNotFound)
	}
	return nil
}

func (b *StreamBroker) Publish(ctx context.Context, topic, key string, payload []byte) (message.Ack, error) {
	if err := b.exists(ctx, topic); err != nil {
		return message.Ack{}, translate("publish", err)
	}

	args := &redis.XAddArgs{
		Stream: b.streamKey(topic),
		Values: map[string]any{
			fieldKey:     key,
			fieldPayload: payload,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return message.Ack{}, translate("publish", err)
	}

	ms, seq := parseStreamID(id)
	return message.Ack{Topic: topic, Partition: 0, Offset: ms*1000 + seq}, nil
}

// parseStreamID splits "<ms>-<seq>". Malformed ids yield zeros.
func parseStreamID(id string) (int64, int64) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return ms, 0
	}
	return ms, seq
}

// Consume pages through the newest window entries of the stream with
// XRANGE, up to the last entry id present when the stream is opened.
func (b *StreamBroker) Consume(ctx context.Context, topic string, window int) (messaging.RecordStream, error) {
	if err := b.exists(ctx, topic); err != nil {
		return nil, translate("consume", err)
	}

	key := b.streamKey(topic)
	s := &stream{client: b.client, key: key, topic: topic, next: "-"}
	if window <= 0 {
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil {
			return nil, translate("consume", err)
		}
		if len(last) == 0 {
			s.done = true
			return s, nil
		}
		s.end = last[0].ID
		return s, nil
	}

	// Newest first: the tail of the result is where the window starts.
	tail, err := b.client.XRevRangeN(ctx, key, "+", "-", int64(window)).Result()
	if err != nil {
		return nil, translate("consume", err)
	}
	if len(tail) == 0 {
		s.done = true
		return s, nil
	}
	s.end = tail[0].ID
	s.next = tail[len(tail)-1].ID
	return s, nil
}

// CreateTopic records the topic. Streams are not partitioned, so the
// partition count only has to be valid.
func (b *StreamBroker) CreateTopic(ctx context.Context, name string, partitions, _ int) error {
	if partitions < 1 {
		return domainErrors.Wrap(domainErrors.KindValidation, "create_topic",
			domainErrors.NewValidationError("partition_count", "must be at least 1"))
	}

	created, err := b.client.SetNX(ctx, b.markerKey(name), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return translate("create_topic", err)
	}
	if !created {
		return fmt.Errorf("create topic %s: %w", name, domainErrors.ErrTopicExists)
	}
	return nil
}

func (b *StreamBroker) DeleteTopic(ctx context.Context, name string) error {
	n, err := b.client.Del(ctx, b.markerKey(name), b.streamKey(name)).Result()
	if err != nil {
		return translate("delete_topic", err)
	}
	if n == 0 {
		return translate("delete_topic", fmt.Errorf("%s: %w", name, domainErrors.ErrTopicNotFound))
	}
	return nil
}

func (b *StreamBroker) Ping(ctx context.Context) error {
	return translate("ping", b.client.Ping(ctx).Err())
}

// Close is a no-op; the client is owned by the caller.
func (b *StreamBroker) Close() error {
	return nil
}

// translate classifies Redis errors. Connection-level failures are treated
// as an unavailable broker.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domainErrors.ErrTopicNotFound) {
		return domainErrors.Wrap(domainErrors.KindTopicNotFound, op, err)
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domainErrors.Wrap(domainErrors.KindBrokerUnavailable, op, err)
	}
	kind := domainErrors.KindOf(err)
	if kind == domainErrors.KindUnknown && strings.HasPrefix(err.Error(), "LOADING") {
		kind = domainErrors.KindBrokerUnavailable
	}
	return domainErrors.Wrap(kind, op, err)
}

type stream struct {
	client redis.UniversalClient
	key    string
	topic  string
	next   string
	end    string
	buf    []redis.XMessage
	done   bool
}

func (s *stream) Next(ctx context.Context) (message.Record, error) {
	for len(s.buf) == 0 {
		if s.done {
			return message.Record{}, io.EOF
		}
		page, err := s.client.XRangeN(ctx, s.key, s.next, s.end, streamPageSize).Result()
		if err != nil {
			return message.Record{}, translate("consume", err)
		}
		if len(page) < streamPageSize {
			s.done = true
		}
		if len(page) > 0 {
			s.next = "(" + page[len(page)-1].ID
		}
		s.buf = page
	}

	entry := s.buf[0]
	s.buf = s.buf[1:]
	ms, seq := parseStreamID(entry.ID)

	var value []byte
	switch v := entry.Values[fieldPayload].(type) {
	case string:
		value = []byte(v)
	case []byte:
		value = v
	}
	return message.Record{
		Value:     value,
		Topic:     s.topic,
		Partition: 0,
		Offset:    ms*1000 + seq,
		Time:      time.UnixMilli(ms).UTC(),
	}, nil
}

func (s *stream) Close() error {
	s.buf = nil
	s.done = true
	return nil
}
