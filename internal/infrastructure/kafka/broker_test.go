package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domainErrors.Kind
	}{
		{"unknown topic", kafka.UnknownTopicOrPartition, domainErrors.KindTopicNotFound},
		{"wrapped unknown topic", fmt.Errorf("produce: %w", kafka.UnknownTopicOrPartition), domainErrors.KindTopicNotFound},
		{"request timed out", kafka.RequestTimedOut, domainErrors.KindTimeout},
		{"invalid topic", kafka.InvalidTopic, domainErrors.KindValidation},
		{"message too large", kafka.MessageSizeTooLarge, domainErrors.KindValidation},
		{"leader not available", kafka.LeaderNotAvailable, domainErrors.KindBrokerUnavailable},
		{"not enough replicas", kafka.NotEnoughReplicas, domainErrors.KindBrokerUnavailable},
		{"unexpected eof", io.ErrUnexpectedEOF, domainErrors.KindBrokerUnavailable},
		{"context deadline", context.DeadlineExceeded, domainErrors.KindTimeout},
		{"plain error", errors.New("boom"), domainErrors.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate("publish", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.want, domainErrors.KindOf(err))
		})
	}
}

func TestTranslate_Nil(t *testing.T) {
	assert.NoError(t, translate("publish", nil))
}

func TestTranslate_TopicNotFoundMatchesSentinel(t *testing.T) {
	err := translate("consume", kafka.UnknownTopicOrPartition)
	assert.ErrorIs(t, err, domainErrors.ErrTopicNotFound)
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)
}

func TestHashBalancer_StableForKey(t *testing.T) {
	b := &kafka.Hash{}
	partitions := indexes(6)

	first := b.Balance(kafka.Message{Key: []byte("order-1")}, partitions...)
	for range 10 {
		assert.Equal(t, first, b.Balance(kafka.Message{Key: []byte("order-1")}, partitions...))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 6)
}

func TestIndexes(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, indexes(3))
	assert.Empty(t, indexes(0))
}

func TestNewBroker_RequiresBrokers(t *testing.T) {
	_, err := NewBroker(context.Background(), Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, domainErrors.Is(err, domainErrors.KindValidation))
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		name        string
		first, last int64
		window      int
		want        int64
	}{
		{"no window", 3, 20, 0, 3},
		{"negative window", 3, 20, -1, 3},
		{"tail of partition", 0, 10, 5, 5},
		{"window wider than partition", 4, 10, 50, 4},
		{"empty partition", 7, 7, 5, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, windowStart(tt.first, tt.last, tt.window))
		})
	}
}

func TestPartitionStream_EmptyIsEOF(t *testing.T) {
	s := &partitionStream{}
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
}
