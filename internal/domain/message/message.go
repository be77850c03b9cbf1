package message

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/suokelife/messagebus/internal/domain/errors"
)

// Message is an immutable unit of delivery. It is created by the caller
// before the first publish attempt and never mutated afterwards; retry
// wrappers hold it by value.
type Message struct {
	ID          string            `json:"message_id"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime time.Time         `json:"publish_time"`
	OrderingKey string            `json:"ordering_key,omitempty"`
}

// New creates a message with a fresh id and the current publish time.
func New(topic string, payload []byte, attributes map[string]string) Message {
	return Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		Attributes:  maps.Clone(attributes),
		PublishTime: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Validate checks the fields every broker round-trip depends on.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.NewValidationError("message_id", "is required")
	}
	if m.Topic == "" {
		return errors.NewValidationError("topic", "is required")
	}
	return nil
}

// Key returns the partitioning key: the ordering key when set, the id otherwise.
func (m Message) Key() string {
	if m.OrderingKey != "" {
		return m.OrderingKey
	}
	return m.ID
}

// MatchesAttributes reports whether every filter pair is present with an equal value.
func (m Message) MatchesAttributes(filter map[string]string) bool {
	for k, v := range filter {
		got, ok := m.Attributes[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// InRange reports whether the publish time falls in [start, end]. Zero bounds are open.
func (m Message) InRange(start, end time.Time) bool {
	if !start.IsZero() && m.PublishTime.Before(start) {
		return false
	}
	if !end.IsZero() && m.PublishTime.After(end) {
		return false
	}
	return true
}

// Encode serializes the message into the envelope carried as a record value.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// Decode parses an envelope produced by Encode.
func Decode(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("decode message envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("decode message envelope: %w", err)
	}
	return m, nil
}

// Ack is the broker acknowledgement of a successful publish.
type Ack struct {
	MessageID string `json:"message_id"`
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Record is a raw entry yielded by a broker consume stream.
type Record struct {
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Time      time.Time
}
