package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/internal/domain/topic"
	"github.com/suokelife/messagebus/internal/infrastructure/broker"
	"github.com/suokelife/messagebus/internal/repository/memory"
)

// --- Broker Mock ---

// MockBroker is a messaging.Broker backed by an in-memory broker. Any
// XxxFunc field that is set replaces the default behaviour.
type MockBroker struct {
	inner *broker.MemoryBroker

	PublishFunc     func(ctx context.Context, topic, key string, payload []byte) (message.Ack, error)
	ConsumeFunc     func(ctx context.Context, topic string, window int) (messaging.RecordStream, error)
	CreateTopicFunc func(ctx context.Context, name string, partitions, replication int) error
	DeleteTopicFunc func(ctx context.Context, name string) error
	PingFunc        func(ctx context.Context) error

	PublishCalls     atomic.Int64
	ConsumeCalls     atomic.Int64
	CreateTopicCalls atomic.Int64
}

var _ messaging.Broker = (*MockBroker)(nil)

func NewMockBroker() *MockBroker {
	return &MockBroker{inner: broker.NewMemoryBroker()}
}

func (m *MockBroker) Publish(ctx context.Context, topic, key string, payload []byte) (message.Ack, error) {
	m.PublishCalls.Add(1)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, key, payload)
	}
	return m.inner.Publish(ctx, topic, key, payload)
}

func (m *MockBroker) Consume(ctx context.Context, topic string, window int) (messaging.RecordStream, error) {
	m.ConsumeCalls.Add(1)
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, topic, window)
	}
	return m.inner.Consume(ctx, topic, window)
}

func (m *MockBroker) CreateTopic(ctx context.Context, name string, partitions, replication int) error {
	m.CreateTopicCalls.Add(1)
	if m.CreateTopicFunc != nil {
		return m.CreateTopicFunc(ctx, name, partitions, replication)
	}
	return m.inner.CreateTopic(ctx, name, partitions, replication)
}

func (m *MockBroker) DeleteTopic(ctx context.Context, name string) error {
	if m.DeleteTopicFunc != nil {
		return m.DeleteTopicFunc(ctx, name)
	}
	return m.inner.DeleteTopic(ctx, name)
}

func (m *MockBroker) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return m.inner.Ping(ctx)
}

func (m *MockBroker) Close() error {
	return m.inner.Close()
}

// StallingStream yields Records and then blocks until ctx is done, the way
// a broker stalls when a partition leader goes away mid-scan.
type StallingStream struct {
	Records []message.Record
	next    int
}

func (s *StallingStream) Next(ctx context.Context) (message.Record, error) {
	if s.next < len(s.Records) {
		rec := s.Records[s.next]
		s.next++
		return rec, nil
	}
	<-ctx.Done()
	return message.Record{}, ctx.Err()
}

func (s *StallingStream) Close() error { return nil }

// SliceStream yields Records in order and then io.EOF.
type SliceStream struct {
	Records []message.Record
	next    int
}

func (s *SliceStream) Next(context.Context) (message.Record, error) {
	if s.next >= len(s.Records) {
		return message.Record{}, io.EOF
	}
	rec := s.Records[s.next]
	s.next++
	return rec, nil
}

func (s *SliceStream) Close() error { return nil }

// --- Topic Store Mock ---

// MockTopicStore is a topic.Store backed by the in-memory store.
type MockTopicStore struct {
	inner *memory.TopicStore

	SaveFunc   func(ctx context.Context, t topic.Topic) (bool, error)
	GetFunc    func(ctx context.Context, name string) (topic.Topic, error)
	ExistsFunc func(ctx context.Context, name string) (bool, error)
	DeleteFunc func(ctx context.Context, name string) (bool, error)
	ListFunc   func(ctx context.Context, pageSize int, pageToken string) (topic.Page, error)
}

var _ topic.Store = (*MockTopicStore)(nil)

func NewMockTopicStore() *MockTopicStore {
	return &MockTopicStore{inner: memory.NewTopicStore()}
}

func (m *MockTopicStore) Save(ctx context.Context, t topic.Topic) (bool, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, t)
	}
	return m.inner.Save(ctx, t)
}

func (m *MockTopicStore) Get(ctx context.Context, name string) (topic.Topic, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, name)
	}
	return m.inner.Get(ctx, name)
}

func (m *MockTopicStore) Exists(ctx context.Context, name string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, name)
	}
	return m.inner.Exists(ctx, name)
}

func (m *MockTopicStore) Delete(ctx context.Context, name string) (bool, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, name)
	}
	return m.inner.Delete(ctx, name)
}

func (m *MockTopicStore) List(ctx context.Context, pageSize int, pageToken string) (topic.Page, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, pageSize, pageToken)
	}
	return m.inner.List(ctx, pageSize, pageToken)
}

// --- Locker Mock ---

// MockLocker is a process-local messaging.Locker that records lock keys.
type MockLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	keys  []string

	LockFunc func(ctx context.Context, key string) (func(context.Context) error, error)
}

func NewMockLocker() *MockLocker {
	return &MockLocker{locks: make(map[string]*sync.Mutex)}
}

func (m *MockLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	if m.LockFunc != nil {
		return m.LockFunc(ctx, key)
	}
	m.mu.Lock()
	m.keys = append(m.keys, key)
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return func(context.Context) error {
		l.Unlock()
		return nil
	}, nil
}

// LockedKeys returns a copy of the keys locked so far.
func (m *MockLocker) LockedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}
