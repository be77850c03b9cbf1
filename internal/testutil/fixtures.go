package testutil

import (
	"time"

	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

func NewTestMessage(topicName string, attrs map[string]string) message.Message {
	return message.New(topicName, []byte(`{"test":true}`), attrs)
}

func NewTestTopic(name string) topic.Topic {
	t := topic.New(name, 3, 1)
	t.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return t
}

// NewTestRetryConfig returns a deterministic exponential policy with no
// jitter: delays of 1s, 2s, 4s.
func NewTestRetryConfig(maxAttempts int) reliability.RetryConfig {
	return reliability.RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		Strategy:          reliability.StrategyExponential,
	}
}

func BrokerDown(op string) error {
	return domainErrors.New(domainErrors.KindBrokerUnavailable, op, "broker not available")
}

// EncodedRecord wraps msg in the envelope a broker would store.
func EncodedRecord(msg message.Message, offset int64) message.Record {
	value, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	return message.Record{Value: value, Topic: msg.Topic, Offset: offset, Time: msg.PublishTime}
}
