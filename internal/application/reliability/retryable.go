package reliability

import (
	"context"
	"slices"
	"time"

	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
)

// Retryable re-attempts delivery of a message. A nil error means the
// message was delivered.
type Retryable interface {
	Attempt(ctx context.Context, msg message.Message) error
}

// RetryFunc adapts a function to the Retryable interface.
type RetryFunc func(ctx context.Context, msg message.Message) error

func (f RetryFunc) Attempt(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}

// RetryAttempt records one failed delivery.
type RetryAttempt struct {
	AttemptNumber    int               `json:"attempt_number"`
	Timestamp        time.Time         `json:"timestamp"`
	ErrorKind        domainErrors.Kind `json:"error_kind"`
	ErrorMessage     string            `json:"error_message"`
	DelayBeforeRetry time.Duration     `json:"delay_before_retry"`
}

// RetryableMessage is a message together with its retry history.
type RetryableMessage struct {
	Message       message.Message   `json:"message"`
	Config        RetryConfig       `json:"retry_config"`
	Attempts      []RetryAttempt    `json:"attempts"`
	NextRetryTime time.Time         `json:"next_retry_time"`
	CreatedAt     time.Time         `json:"created_at"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorKind domainErrors.Kind `json:"last_error_kind"`
}

// AttemptCount returns the number of recorded failures.
func (m RetryableMessage) AttemptCount() int {
	return len(m.Attempts)
}

// IsExhausted reports whether the retry budget has been used up.
func (m RetryableMessage) IsExhausted() bool {
	return len(m.Attempts) >= m.Config.MaxAttempts
}

// clone returns a copy whose attempt history is independent of m.
func (m RetryableMessage) clone() RetryableMessage {
	m.Attempts = slices.Clone(m.Attempts)
	return m
}

// DeadLetterEntry is a message whose retries are exhausted.
type DeadLetterEntry struct {
	RetryableMessage
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ID returns the id of the dead-lettered message.
func (e DeadLetterEntry) ID() string {
	return e.Message.ID
}

func (e DeadLetterEntry) clone() DeadLetterEntry {
	e.RetryableMessage = e.RetryableMessage.clone()
	return e
}
