package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/suokelife/messagebus/internal/application/messaging"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
)

// MemoryBroker is an in-process broker. Failure and timeout rates let it
// stand in for an unreliable backend.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string][][]message.Record
	closed bool

	failureRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0
	latency     time.Duration
	now         func() time.Time
}

type MemoryOption func(*MemoryBroker)

func WithFailureRate(rate float64) MemoryOption {
	return func(b *MemoryBroker) { b.failureRate = rate }
}

func WithTimeoutRate(rate float64) MemoryOption {
	return func(b *MemoryBroker) { b.timeoutRate = rate }
}

func WithLatency(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.latency = d }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		topics: make(map[string][][]message.Record),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ messaging.Broker = (*MemoryBroker)(nil)

// simulate applies the configured latency and failure rates.
func (b *MemoryBroker) simulate(ctx context.Context, op string) error {
	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return domainErrors.Canonicalize(op, ctx.Err())
		}
	}
	if b.timeoutRate > 0 && rand.Float64() < b.timeoutRate {
		return domainErrors.Wrap(domainErrors.KindTimeout, op, context.DeadlineExceeded)
	}
	if b.failureRate > 0 && rand.Float64() < b.failureRate {
		return domainErrors.New(domainErrors.KindBrokerUnavailable, op, "simulated broker failure")
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, payload []byte) (message.Ack, error) {
	if err := b.simulate(ctx, "publish"); err != nil {
		return message.Ack{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return message.Ack{}, domainErrors.New(domainErrors.KindBrokerUnavailable, "publish", "broker closed")
	}
	partitions, ok := b.topics[topic]
	if !ok {
		return message.Ack{}, domainErrors.Wrap(domainErrors.KindTopicNotFound, "publish", fmt.Errorf("%s: %w", topic, domainErrors.ErrTopicNotFound))
	}

	p := partitionFor(key, len(partitions))
	offset := int64(len(partitions[p]))
	partitions[p] = append(partitions[p], message.Record{
		Value:     append([]byte(nil), payload...),
		Topic:     topic,
		Partition: p,
		Offset:    offset,
		Time:      b.now(),
	})
	return message.Ack{Topic: topic, Partition: p, Offset: offset}, nil
}

func partitionFor(key string, partitions int) int {
	if partitions <= 1 || key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// Consume returns the newest window records of each partition present at
// call time, ordered by append time.
func (b *MemoryBroker) Consume(ctx context.Context, topic string, window int) (messaging.RecordStream, error) {
	if err := b.simulate(ctx, "consume"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, domainErrors.New(domainErrors.KindBrokerUnavailable, "consume", "broker closed")
	}
	partitions, ok := b.topics[topic]
	if !ok {
		return nil, domainErrors.Wrap(domainErrors.KindTopicNotFound, "consume", fmt.Errorf("%s: %w", topic, domainErrors.ErrTopicNotFound))
	}

	var records []message.Record
	for _, p := range partitions {
		if window > 0 && len(p) > window {
			p = p[len(p)-window:]
		}
		records = append(records, p...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Time.Equal(records[j].Time) {
			return records[i].Time.Before(records[j].Time)
		}
		if records[i].Partition != records[j].Partition {
			return records[i].Partition < records[j].Partition
		}
		return records[i].Offset < records[j].Offset
	})
	return &sliceStream{records: records}, nil
}

func (b *MemoryBroker) CreateTopic(ctx context.Context, name string, partitions, _ int) error {
	if err := b.simulate(ctx, "create_topic"); err != nil {
		return err
	}
	if partitions < 1 {
		return domainErrors.Wrap(domainErrors.KindValidation, "create_topic", domainErrors.NewValidationError("partition_count", "must be at least 1"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("create topic %s: %w", name, domainErrors.ErrTopicExists)
	}
	b.topics[name] = make([][]message.Record, partitions)
	return nil
}

func (b *MemoryBroker) DeleteTopic(ctx context.Context, name string) error {
	if err := b.simulate(ctx, "delete_topic"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return domainErrors.Wrap(domainErrors.KindTopicNotFound, "delete_topic", fmt.Errorf("%s: %w", name, domainErrors.ErrTopicNotFound))
	}
	delete(b.topics, name)
	return nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domainErrors.New(domainErrors.KindBrokerUnavailable, "ping", "broker closed")
	}
	return ctx.Err()
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// sliceStream iterates a fixed snapshot of records.
type sliceStream struct {
	records []message.Record
	pos     int
}

func (s *sliceStream) Next(ctx context.Context) (message.Record, error) {
	if err := ctx.Err(); err != nil {
		return message.Record{}, err
	}
	if s.pos >= len(s.records) {
		return message.Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceStream) Close() error { return nil }
