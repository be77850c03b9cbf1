package topic

import (
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/suokelife/messagebus/internal/domain/errors"
)

// RetentionPolicy describes how long a broker keeps records for a topic.
type RetentionPolicy struct {
	Duration time.Duration `json:"duration"`
	MaxBytes int64         `json:"max_bytes"`
}

// Topic is a named destination. Created on first declaration, deleted
// explicitly; topics never expire on their own.
type Topic struct {
	Name              string            `json:"name"`
	PartitionCount    int               `json:"partition_count"`
	ReplicationFactor int               `json:"replication_factor"`
	RetentionPolicy   RetentionPolicy   `json:"retention_policy"`
	CreatedAt         time.Time         `json:"created_at"`
	Labels            map[string]string `json:"labels,omitempty"`
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,249}$`)

// New creates a topic descriptor with the given partitioning defaults.
func New(name string, partitions, replication int) Topic {
	return Topic{
		Name:              name,
		PartitionCount:    partitions,
		ReplicationFactor: replication,
		CreatedAt:         time.Now().UTC(),
		Labels:            map[string]string{},
	}
}

// Validate checks the descriptor before it is created on the broker.
func (t Topic) Validate() error {
	if !namePattern.MatchString(t.Name) {
		return errors.NewValidationError("name", fmt.Sprintf("invalid topic name %q", t.Name))
	}
	if t.PartitionCount < 1 {
		return errors.NewValidationError("partition_count", "must be at least 1")
	}
	if t.ReplicationFactor < 1 {
		return errors.NewValidationError("replication_factor", "must be at least 1")
	}
	if t.RetentionPolicy.Duration < 0 || t.RetentionPolicy.MaxBytes < 0 {
		return errors.NewValidationError("retention_policy", "must not be negative")
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (t Topic) Clone() Topic {
	t.Labels = maps.Clone(t.Labels)
	return t
}
