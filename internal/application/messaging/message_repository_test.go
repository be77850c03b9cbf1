package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suokelife/messagebus/internal/application/messaging"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/internal/infrastructure/observability"
	"github.com/suokelife/messagebus/internal/testutil"
	"github.com/suokelife/messagebus/pkg/breaker"
)

func newTopic(t *testing.T, b messaging.Broker, name string) {
	t.Helper()
	require.NoError(t, b.CreateTopic(context.Background(), name, 1, 1))
}

func TestMessageRepository_PublishAndGet(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	repo := messaging.NewMessageRepository(b, messaging.WithRepositoryMetrics(metrics))

	msg := testutil.NewTestMessage("orders", map[string]string{"type": "created"})
	ack, err := repo.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, ack.MessageID)
	assert.Equal(t, "orders", ack.Topic)
	assert.Equal(t, int64(0), ack.Offset)

	got, err := repo.GetMessage(ctx, "orders", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Attributes, got.Attributes)
	assert.True(t, msg.PublishTime.Equal(got.PublishTime))

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.MessagesPublished.WithLabelValues("orders")))
}

func TestMessageRepository_ValidationSkipsBrokerAndBreaker(t *testing.T) {
	b := testutil.NewMockBroker()
	cb := breaker.New(breaker.WithFailureThreshold(1))
	repo := messaging.NewMessageRepository(b, messaging.WithBreaker(cb))

	msg := testutil.NewTestMessage("", nil)
	_, err := repo.Publish(context.Background(), msg)

	assert.True(t, domainErrors.Is(err, domainErrors.KindValidation))
	assert.Equal(t, int64(0), b.PublishCalls.Load())
	assert.Equal(t, breaker.StateClosed, cb.State())
}

func TestMessageRepository_BreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	b.PublishFunc = func(context.Context, string, string, []byte) (message.Ack, error) {
		return message.Ack{}, testutil.BrokerDown("publish")
	}
	cb := breaker.New(
		breaker.WithFailureThreshold(5),
		breaker.WithResetTimeout(50*time.Millisecond),
	)
	repo := messaging.NewMessageRepository(b, messaging.WithBreaker(cb))

	for range 5 {
		_, err := repo.Publish(ctx, testutil.NewTestMessage("orders", nil))
		assert.True(t, domainErrors.Is(err, domainErrors.KindBrokerUnavailable))
	}
	assert.Equal(t, breaker.StateOpen, cb.State())

	_, err := repo.Publish(ctx, testutil.NewTestMessage("orders", nil))
	assert.True(t, domainErrors.Is(err, domainErrors.KindCircuitOpen))
	assert.Equal(t, int64(5), b.PublishCalls.Load(), "open breaker must not reach the broker")

	_, err = repo.ListMessages(ctx, "orders", messaging.ListOptions{})
	assert.True(t, domainErrors.Is(err, domainErrors.KindCircuitOpen))
	assert.Equal(t, int64(0), b.ConsumeCalls.Load())

	// After the reset timeout one trial is admitted; its success closes the breaker.
	time.Sleep(60 * time.Millisecond)
	b.PublishFunc = nil
	newTopic(t, b, "orders")
	_, err = repo.Publish(ctx, testutil.NewTestMessage("orders", nil))
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, cb.State())
}

func TestMessageRepository_FailedTrialReopens(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	b.PublishFunc = func(context.Context, string, string, []byte) (message.Ack, error) {
		return message.Ack{}, testutil.BrokerDown("publish")
	}
	cb := breaker.New(breaker.WithFailureThreshold(1), breaker.WithResetTimeout(20*time.Millisecond))
	repo := messaging.NewMessageRepository(b, messaging.WithBreaker(cb))

	_, _ = repo.Publish(ctx, testutil.NewTestMessage("orders", nil))
	require.Equal(t, breaker.StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	_, err := repo.Publish(ctx, testutil.NewTestMessage("orders", nil))
	assert.True(t, domainErrors.Is(err, domainErrors.KindBrokerUnavailable))
	assert.Equal(t, breaker.StateOpen, cb.State())
}

func TestMessageRepository_AutoCreateRetriesOnce(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	topics := messaging.NewTopicRepository(testutil.NewMockTopicStore(), b,
		messaging.WithTopicDefaults(messaging.TopicDefaults{PartitionCount: 3, ReplicationFactor: 1}),
	)
	repo := messaging.NewMessageRepository(b, messaging.WithAutoCreate(topics))

	msg := testutil.NewTestMessage("payments", nil)
	ack, err := repo.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, ack.MessageID)
	assert.Equal(t, int64(2), b.PublishCalls.Load())
	assert.Equal(t, int64(1), b.CreateTopicCalls.Load())

	declared, err := topics.Get(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, 3, declared.PartitionCount)
}

func TestMessageRepository_AutoCreateSecondFailureIsReturned(t *testing.T) {
	b := testutil.NewMockBroker()
	b.PublishFunc = func(context.Context, string, string, []byte) (message.Ack, error) {
		return message.Ack{}, domainErrors.Wrap(domainErrors.KindTopicNotFound, "publish", domainErrors.ErrTopicNotFound)
	}
	topics := messaging.NewTopicRepository(testutil.NewMockTopicStore(), b)
	repo := messaging.NewMessageRepository(b, messaging.WithAutoCreate(topics))

	_, err := repo.Publish(context.Background(), testutil.NewTestMessage("payments", nil))
	assert.True(t, domainErrors.Is(err, domainErrors.KindTopicNotFound))
	assert.Equal(t, int64(2), b.PublishCalls.Load(), "publish is retried exactly once")
}

func TestMessageRepository_NoAutoCreate(t *testing.T) {
	b := testutil.NewMockBroker()
	repo := messaging.NewMessageRepository(b)

	_, err := repo.Publish(context.Background(), testutil.NewTestMessage("payments", nil))
	assert.True(t, domainErrors.Is(err, domainErrors.KindTopicNotFound))
	assert.True(t, errors.Is(err, domainErrors.ErrTopicNotFound))
	assert.Equal(t, int64(0), b.CreateTopicCalls.Load())
}

func TestMessageRepository_ListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	repo := messaging.NewMessageRepository(b)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{"created", "paid", "created", "shipped", "created"} {
		msg := testutil.NewTestMessage("orders", map[string]string{"type": typ})
		msg.PublishTime = base.Add(time.Duration(i) * time.Minute)
		_, err := repo.Publish(ctx, msg)
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		opts messaging.ListOptions
		want int
	}{
		{"all", messaging.ListOptions{}, 5},
		{"max count", messaging.ListOptions{MaxCount: 2}, 2},
		{"attribute", messaging.ListOptions{Attributes: map[string]string{"type": "created"}}, 3},
		{"unknown attribute", messaging.ListOptions{Attributes: map[string]string{"region": "eu"}}, 0},
		{"start inclusive", messaging.ListOptions{Start: base.Add(3 * time.Minute)}, 2},
		{"end inclusive", messaging.ListOptions{End: base.Add(time.Minute)}, 2},
		{"range and attribute", messaging.ListOptions{
			Start:      base.Add(time.Minute),
			End:        base.Add(4 * time.Minute),
			Attributes: map[string]string{"type": "created"},
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListMessages(ctx, "orders", tt.opts)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestMessageRepository_ListPreservesBrokerOrder(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	repo := messaging.NewMessageRepository(b)

	var ids []string
	for range 4 {
		msg := testutil.NewTestMessage("orders", nil)
		ids = append(ids, msg.ID)
		_, err := repo.Publish(ctx, msg)
		require.NoError(t, err)
	}

	got, err := repo.ListMessages(ctx, "orders", messaging.ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, m := range got {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestMessageRepository_ListReturnsPartialResultsOnTimeout(t *testing.T) {
	b := testutil.NewMockBroker()
	first := testutil.NewTestMessage("orders", nil)
	second := testutil.NewTestMessage("orders", nil)
	b.ConsumeFunc = func(context.Context, string, int) (messaging.RecordStream, error) {
		return &testutil.StallingStream{Records: []message.Record{
			testutil.EncodedRecord(first, 0),
			testutil.EncodedRecord(second, 1),
		}}, nil
	}
	cb := breaker.New()
	repo := messaging.NewMessageRepository(b, messaging.WithBreaker(cb), messaging.WithFetchTimeout(50*time.Millisecond))

	got, err := repo.ListMessages(context.Background(), "orders", messaging.ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, breaker.StateClosed, cb.State())
}

func TestMessageRepository_CallerCancellationIsAnError(t *testing.T) {
	b := testutil.NewMockBroker()
	b.ConsumeFunc = func(context.Context, string, int) (messaging.RecordStream, error) {
		return &testutil.StallingStream{}, nil
	}
	repo := messaging.NewMessageRepository(b, messaging.WithFetchTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := repo.ListMessages(ctx, "orders", messaging.ListOptions{})
	assert.True(t, domainErrors.Is(err, domainErrors.KindTimeout))
}

func TestMessageRepository_SkipsUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	repo := messaging.NewMessageRepository(b)

	_, err := b.Publish(ctx, "orders", "k", []byte("not an envelope"))
	require.NoError(t, err)
	msg := testutil.NewTestMessage("orders", nil)
	_, err = repo.Publish(ctx, msg)
	require.NoError(t, err)

	got, err := repo.ListMessages(ctx, "orders", messaging.ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
}

func TestMessageRepository_GetMessageNotFound(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	cb := breaker.New(breaker.WithFailureThreshold(1))
	repo := messaging.NewMessageRepository(b, messaging.WithBreaker(cb))

	_, err := repo.GetMessage(ctx, "orders", "missing")
	assert.ErrorIs(t, err, domainErrors.ErrMessageNotFound)
	assert.Equal(t, breaker.StateClosed, cb.State(), "a miss is not a broker failure")
}

func TestMessageRepository_FetchWindowKeepsNewest(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewMockBroker()
	newTopic(t, b, "orders")
	repo := messaging.NewMessageRepository(b, messaging.WithFetchWindow(5))

	var published []message.Message
	for range 10 {
		msg := testutil.NewTestMessage("orders", nil)
		_, err := repo.Publish(ctx, msg)
		require.NoError(t, err)
		published = append(published, msg)
	}

	for _, msg := range published[5:] {
		got, err := repo.GetMessage(ctx, "orders", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)
	}
	for _, msg := range published[:5] {
		_, err := repo.GetMessage(ctx, "orders", msg.ID)
		assert.ErrorIs(t, err, domainErrors.ErrMessageNotFound)
	}

	list, err := repo.ListMessages(ctx, "orders", messaging.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, published[5].ID, list[0].ID)
	assert.Equal(t, published[9].ID, list[4].ID)
}

func TestMessageRepository_FetchWindowPassedToBroker(t *testing.T) {
	b := testutil.NewMockBroker()
	var window int
	b.ConsumeFunc = func(_ context.Context, _ string, n int) (messaging.RecordStream, error) {
		window = n
		return &testutil.SliceStream{}, nil
	}
	repo := messaging.NewMessageRepository(b, messaging.WithFetchWindow(7))

	_, err := repo.ListMessages(context.Background(), "orders", messaging.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, window)
}

func TestMessageRepository_ListFiltersBeforeMaxCount(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var records []message.Record
	var alerts []string
	// Alerts sit at scattered positions with out-of-order timestamps.
	for i, pos := range []int{13, 2, 17, 8, 0, 19, 5, 11, 3, 15, 9, 1, 18, 6, 14, 4, 10, 16, 7, 12} {
		attrs := map[string]string{"type": "info"}
		if pos%5 == 0 {
			attrs["type"] = "alert"
		}
		msg := testutil.NewTestMessage("orders", attrs)
		msg.PublishTime = base.Add(time.Duration(pos) * time.Second)
		if attrs["type"] == "alert" {
			alerts = append(alerts, msg.ID)
		}
		records = append(records, testutil.EncodedRecord(msg, int64(i)))
	}
	require.Len(t, alerts, 4)

	b := testutil.NewMockBroker()
	b.ConsumeFunc = func(context.Context, string, int) (messaging.RecordStream, error) {
		return &testutil.SliceStream{Records: records}, nil
	}
	repo := messaging.NewMessageRepository(b)

	got, err := repo.ListMessages(context.Background(), "orders", messaging.ListOptions{
		MaxCount:   10,
		Attributes: map[string]string{"type": "alert"},
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, alerts, ids)
}

func TestMessageRepository_EmptyTopicName(t *testing.T) {
	repo := messaging.NewMessageRepository(testutil.NewMockBroker())

	_, err := repo.ListMessages(context.Background(), "", messaging.ListOptions{})
	assert.True(t, domainErrors.Is(err, domainErrors.KindValidation))
}
