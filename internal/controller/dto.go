package controller

import (
	"encoding/json"
	"time"

	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"github.com/suokelife/messagebus/internal/domain/topic"
	"github.com/suokelife/messagebus/pkg/breaker"
)

// --- Request DTOs ---

// CreateTopicRequest declares a topic. Zero partition and replication
// counts take the configured defaults.
type CreateTopicRequest struct {
	Name              string            `json:"name" validate:"required,max=249"`
	PartitionCount    int               `json:"partition_count" validate:"gte=0"`
	ReplicationFactor int               `json:"replication_factor" validate:"gte=0"`
	RetentionMs       int64             `json:"retention_ms" validate:"gte=0"`
	RetentionMaxBytes int64             `json:"retention_max_bytes" validate:"gte=0"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// PublishRequest carries the payload either as a JSON document in Data or
// as base64-encoded bytes in PayloadBase64, never both.
type PublishRequest struct {
	Data          json.RawMessage   `json:"data,omitempty"`
	PayloadBase64 []byte            `json:"payload_base64,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	OrderingKey   string            `json:"ordering_key,omitempty" validate:"max=256"`
}

func (r PublishRequest) payload() ([]byte, error) {
	switch {
	case len(r.Data) > 0 && len(r.PayloadBase64) > 0:
		return nil, domainErrors.NewValidationError("payload", "set either data or payload_base64")
	case len(r.Data) > 0:
		return r.Data, nil
	case len(r.PayloadBase64) > 0:
		return r.PayloadBase64, nil
	default:
		return nil, domainErrors.NewValidationError("payload", "is required")
	}
}

// --- Response DTOs ---

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type TopicResponse struct {
	Name              string            `json:"name"`
	PartitionCount    int               `json:"partition_count"`
	ReplicationFactor int               `json:"replication_factor"`
	RetentionMs       int64             `json:"retention_ms"`
	RetentionMaxBytes int64             `json:"retention_max_bytes"`
	CreatedAt         time.Time         `json:"created_at"`
	Labels            map[string]string `json:"labels,omitempty"`
}

type TopicListResponse struct {
	Topics        []TopicResponse `json:"topics"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	TotalCount    int             `json:"total_count"`
}

type MessageResponse struct {
	ID          string            `json:"message_id"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime time.Time         `json:"publish_time"`
	OrderingKey string            `json:"ordering_key,omitempty"`
}

type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
	Count    int               `json:"count"`
}

// PublishResponse is 201 with an ack, or 202 when the message was accepted
// for retry.
type PublishResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Partition *int   `json:"partition,omitempty"`
	Offset    *int64 `json:"offset,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type AttemptResponse struct {
	AttemptNumber    int       `json:"attempt_number"`
	Timestamp        time.Time `json:"timestamp"`
	ErrorKind        string    `json:"error_kind"`
	ErrorMessage     string    `json:"error_message"`
	DelayBeforeRetry string    `json:"delay_before_retry"`
}

type RetryResponse struct {
	Message       MessageResponse   `json:"message"`
	Attempts      []AttemptResponse `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	NextRetryTime time.Time         `json:"next_retry_time"`
	CreatedAt     time.Time         `json:"created_at"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorKind string            `json:"last_error_kind"`
}

type DeadLetterResponse struct {
	RetryResponse
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type DeadLetterListResponse struct {
	Entries []DeadLetterResponse `json:"entries"`
	Total   int                  `json:"total"`
}

type StatsResponse struct {
	Reliability reliability.ManagerStats `json:"reliability"`
	Breaker     breaker.Snapshot         `json:"circuit_breaker"`
	TopicStore  string                   `json:"topic_store_breaker"`
}

// --- Conversion ---

func FromTopic(t topic.Topic) TopicResponse {
	return TopicResponse{
		Name:              t.Name,
		PartitionCount:    t.PartitionCount,
		ReplicationFactor: t.ReplicationFactor,
		RetentionMs:       t.RetentionPolicy.Duration.Milliseconds(),
		RetentionMaxBytes: t.RetentionPolicy.MaxBytes,
		CreatedAt:         t.CreatedAt,
		Labels:            t.Labels,
	}
}

func FromMessage(m message.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		Topic:       m.Topic,
		Payload:     m.Payload,
		Attributes:  m.Attributes,
		PublishTime: m.PublishTime,
		OrderingKey: m.OrderingKey,
	}
}

func FromRetryable(m reliability.RetryableMessage) RetryResponse {
	attempts := make([]AttemptResponse, len(m.Attempts))
	for i, a := range m.Attempts {
		attempts[i] = AttemptResponse{
			AttemptNumber:    a.AttemptNumber,
			Timestamp:        a.Timestamp,
			ErrorKind:        a.ErrorKind.String(),
			ErrorMessage:     a.ErrorMessage,
			DelayBeforeRetry: a.DelayBeforeRetry.String(),
		}
	}
	return RetryResponse{
		Message:       FromMessage(m.Message),
		Attempts:      attempts,
		MaxAttempts:   m.Config.MaxAttempts,
		NextRetryTime: m.NextRetryTime,
		CreatedAt:     m.CreatedAt,
		LastError:     m.LastError,
		LastErrorKind: m.LastErrorKind.String(),
	}
}

func FromDeadLetter(e reliability.DeadLetterEntry) DeadLetterResponse {
	return DeadLetterResponse{
		RetryResponse:  FromRetryable(e.RetryableMessage),
		DeadLetteredAt: e.DeadLetteredAt,
	}
}
