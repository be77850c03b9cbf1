package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/suokelife/messagebus/internal/application/messaging"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/pkg/retry"
)

// Config holds the connection settings for a Kafka cluster.
type Config struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	RequiredAcks int
	Connect      retry.Config
}

// Broker implements messaging.Broker on a Kafka cluster. Produce goes
// through kafka.Client so the acknowledgement carries the assigned offset.
type Broker struct {
	cfg      Config
	client   *kafka.Client
	dialer   *kafka.Dialer
	balancer kafka.Balancer
	logger   zerolog.Logger

	mu         sync.RWMutex
	partitions map[string]int
}

var _ messaging.Broker = (*Broker)(nil)

// NewBroker connects to the cluster, retrying per cfg.Connect.
func NewBroker(ctx context.Context, cfg Config, logger zerolog.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, domainErrors.NewValidationError("brokers", "at least one broker is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}

	b := &Broker{
		cfg: cfg,
		client: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: cfg.WriteTimeout,
		},
		dialer: &kafka.Dialer{
			ClientID: cfg.ClientID,
			Timeout:  cfg.ReadTimeout,
		},
		balancer:   &kafka.Hash{},
		logger:     logger.With().Str("component", "kafka").Logger(),
		partitions: make(map[string]int),
	}

	connect := cfg.Connect
	if connect.MaxAttempts == 0 {
		connect = retry.DefaultConfig()
	}
	connect.OnRetry = func(n uint, err error) {
		b.logger.Warn().Err(err).Uint("attempt", n+1).Msg("kafka not reachable, retrying")
	}
	if err := retry.Do(ctx, connect, func() error { return b.Ping(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}

	b.logger.Info().Strs("brokers", cfg.Brokers).Msg("connected to kafka")
	return b, nil
}

// dial opens a connection to the first reachable bootstrap broker.
func (b *Broker) dial(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range b.cfg.Brokers {
		conn, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (b *Broker) controller(ctx context.Context) (*kafka.Conn, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctrl, err := conn.Controller()
	if err != nil {
		return nil, err
	}
	return b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
}

func (b *Broker) readPartitions(ctx context.Context, topic string) ([]kafka.Partition, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, kafka.UnknownTopicOrPartition
	}
	return partitions, nil
}

func (b *Broker) partitionCount(ctx context.Context, topic string) (int, error) {
	b.mu.RLock()
	n, ok := b.partitions[topic]
	b.mu.RUnlock()
	if ok {
		return n, nil
	}

	partitions, err := b.readPartitions(ctx, topic)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.partitions[topic] = len(partitions)
	b.mu.Unlock()
	return len(partitions), nil
}

func (b *Broker) forget(topic string) {
	b.mu.Lock()
	delete(b.partitions, topic)
	b.mu.Unlock()
}

func (b *Broker) Publish(ctx context.Context, topic, key string, payload []byte) (message.Ack, error) {
	n, err := b.partitionCount(ctx, topic)
	if err != nil {
		return message.Ack{}, translate("publish", err)
	}
	partition := b.balancer.Balance(kafka.Message{Key: []byte(key)}, indexes(n)...)

	res, err := b.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        topic,
		Partition:    partition,
		RequiredAcks: kafka.RequiredAcks(b.cfg.RequiredAcks),
		Records: kafka.NewRecordReader(kafka.Record{
			Time:  time.Now(),
			Key:   kafka.NewBytes([]byte(key)),
			Value: kafka.NewBytes(payload),
		}),
	})
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err == nil {
		for _, recErr := range res.RecordErrors {
			err = recErr
			break
		}
	}
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			b.forget(topic)
		}
		return message.Ack{}, translate("publish", err)
	}

	return message.Ack{Topic: topic, Partition: partition, Offset: res.BaseOffset}, nil
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Consume reads the last windowSize offsets of every partition, up to the high
// watermark observed when the stream was opened.
func (b *Broker) Consume(ctx context.Context, topic string, windowSize int) (messaging.RecordStream, error) {
	partitions, err := b.readPartitions(ctx, topic)
	if err != nil {
		return nil, translate("consume", err)
	}

	stream := &partitionStream{}
	for _, p := range partitions {
		first, last, err := b.offsets(ctx, topic, p.ID)
		if err != nil {
			stream.Close()
			return nil, translate("consume", err)
		}
		first = windowStart(first, last, windowSize)
		if last <= first {
			continue
		}

		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.cfg.Brokers,
			Topic:     topic,
			Partition: p.ID,
			Dialer:    b.dialer,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   500 * time.Millisecond,
		})
		if err := r.SetOffset(first); err != nil {
			r.Close()
			stream.Close()
			return nil, translate("consume", err)
		}
		stream.windows = append(stream.windows, &window{reader: r, end: last})
	}
	return stream, nil
}

// windowStart is the first offset of the newest window records in
// [first, last).
func windowStart(first, last int64, window int) int64 {
	if window <= 0 {
		return first
	}
	return max(first, last-int64(window))
}

func (b *Broker) offsets(ctx context.Context, topic string, partition int) (int64, int64, error) {
	conn, err := b.dialer.DialLeader(ctx, "tcp", b.cfg.Brokers[0], topic, partition)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	return conn.ReadOffsets()
}

func (b *Broker) CreateTopic(ctx context.Context, name string, partitions, replication int) error {
	conn, err := b.controller(ctx)
	if err != nil {
		return translate("create_topic", err)
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", name, domainErrors.ErrTopicExists)
	}
	if err != nil {
		return translate("create_topic", err)
	}

	b.forget(name)
	b.logger.Info().Str("topic", name).Int("partitions", partitions).Msg("kafka topic created")
	return nil
}

func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	conn, err := b.controller(ctx)
	if err != nil {
		return translate("delete_topic", err)
	}
	defer conn.Close()

	b.forget(name)
	if err := conn.DeleteTopics(name); err != nil {
		return translate("delete_topic", err)
	}
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return translate("ping", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return translate("ping", err)
	}
	return nil
}

func (b *Broker) Close() error {
	return nil
}

// translate maps kafka protocol and transport errors onto canonical kinds.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.UnknownTopicOrPartition:
			return domainErrors.Wrap(domainErrors.KindTopicNotFound, op, fmt.Errorf("%w: %w", domainErrors.ErrTopicNotFound, err))
		case kafka.RequestTimedOut:
			return domainErrors.Wrap(domainErrors.KindTimeout, op, err)
		case kafka.InvalidTopic, kafka.InvalidPartitionNumber, kafka.InvalidReplicationFactor,
			kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.InvalidRequiredAcks:
			return domainErrors.Wrap(domainErrors.KindValidation, op, err)
		case kafka.LeaderNotAvailable, kafka.NotLeaderForPartition, kafka.BrokerNotAvailable,
			kafka.NetworkException, kafka.NotEnoughReplicas, kafka.NotEnoughReplicasAfterAppend:
			return domainErrors.Wrap(domainErrors.KindBrokerUnavailable, op, err)
		}
		if kerr.Temporary() {
			return domainErrors.Wrap(domainErrors.KindBrokerUnavailable, op, err)
		}
		return domainErrors.Wrap(domainErrors.KindUnknown, op, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, kafka.ErrGroupClosed) {
		return domainErrors.Wrap(domainErrors.KindBrokerUnavailable, op, err)
	}
	return domainErrors.Canonicalize(op, err)
}

type window struct {
	reader *kafka.Reader
	end    int64
	done   bool
}

// partitionStream drains each partition window in turn.
type partitionStream struct {
	windows []*window
	pos     int
}

func (s *partitionStream) Next(ctx context.Context) (message.Record, error) {
	for s.pos < len(s.windows) {
		w := s.windows[s.pos]
		if w.done || w.reader.Offset() >= w.end {
			w.done = true
			s.pos++
			continue
		}

		msg, err := w.reader.ReadMessage(ctx)
		if err != nil {
			return message.Record{}, translate("consume", err)
		}
		if msg.Offset >= w.end-1 {
			w.done = true
		}
		return message.Record{
			Value:     msg.Value,
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
		}, nil
	}
	return message.Record{}, io.EOF
}

func (s *partitionStream) Close() error {
	var errs []error
	for _, w := range s.windows {
		if err := w.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.windows = nil
	return errors.Join(errs...)
}
