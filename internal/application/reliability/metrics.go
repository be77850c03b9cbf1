package reliability

import (
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

// Metrics receives retry and dead-letter events.
type Metrics interface {
	RetryScheduled(topic string, delay time.Duration)
	RetrySucceeded(topic string)
	RetryFailed(topic string, kind domainErrors.Kind)
	DeadLetterAdded(topic string)
	DeadLetterRemoved(topic string)
	DeadLetterEvicted(topic string)
	PendingRetries(n int)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) RetryScheduled(string, time.Duration)  {}
func (NopMetrics) RetrySucceeded(string)                 {}
func (NopMetrics) RetryFailed(string, domainErrors.Kind) {}
func (NopMetrics) DeadLetterAdded(string)                {}
func (NopMetrics) DeadLetterRemoved(string)              {}
func (NopMetrics) DeadLetterEvicted(string)              {}
func (NopMetrics) PendingRetries(int)                    {}

// guardedMetrics keeps a misbehaving sink from breaking delivery.
type guardedMetrics struct {
	inner  Metrics
	logger zerolog.Logger
}

func guard(m Metrics, logger zerolog.Logger) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	if g, ok := m.(guardedMetrics); ok {
		return g
	}
	return guardedMetrics{inner: m, logger: logger}
}

func (g guardedMetrics) recover(event string) {
	if r := recover(); r != nil {
		g.logger.Warn().Interface("panic", r).Str("event", event).Msg("metrics emission failed")
	}
}

func (g guardedMetrics) RetryScheduled(topic string, delay time.Duration) {
	defer g.recover("retry_scheduled")
	g.inner.RetryScheduled(topic, delay)
}

func (g guardedMetrics) RetrySucceeded(topic string) {
	defer g.recover("retry_succeeded")
	g.inner.RetrySucceeded(topic)
}

func (g guardedMetrics) RetryFailed(topic string, kind domainErrors.Kind) {
	defer g.recover("retry_failed")
	g.inner.RetryFailed(topic, kind)
}

func (g guardedMetrics) DeadLetterAdded(topic string) {
	defer g.recover("dead_letter_added")
	g.inner.DeadLetterAdded(topic)
}

func (g guardedMetrics) DeadLetterRemoved(topic string) {
	defer g.recover("dead_letter_removed")
	g.inner.DeadLetterRemoved(topic)
}

func (g guardedMetrics) DeadLetterEvicted(topic string) {
	defer g.recover("dead_letter_evicted")
	g.inner.DeadLetterEvicted(topic)
}

func (g guardedMetrics) PendingRetries(n int) {
	defer g.recover("pending_retries")
	g.inner.PendingRetries(n)
}
