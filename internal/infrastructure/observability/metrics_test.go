package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

func TestMetrics_PublishAndFetch(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.PublishSucceeded("orders", 20*time.Millisecond)
	m.PublishSucceeded("orders", 30*time.Millisecond)
	m.PublishFailed("orders", domainErrors.KindTimeout)
	m.FetchCompleted("orders", time.Second, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("orders", "TIMEOUT")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MessagesFetched.WithLabelValues("orders")))
}

func TestMetrics_RetryAndDeadLetter(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RetryScheduled("orders", time.Second)
	m.RetryFailed("orders", domainErrors.KindBrokerUnavailable)
	m.RetrySucceeded("orders")
	m.PendingRetries(3)
	m.DeadLetterAdded("orders")
	m.DeadLetterEvicted("orders")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesScheduled.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryOutcomes.WithLabelValues("orders", "failed", "BROKER_UNAVAILABLE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryOutcomes.WithLabelValues("orders", "succeeded", "")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingRetryGauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetterEvents.WithLabelValues("orders", "added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetterEvents.WithLabelValues("orders", "evicted")))
}

func TestMetrics_BreakerStateChanged(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.BreakerStateChanged("message-repository", "closed", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("message-repository")))

	m.BreakerStateChanged("message-repository", "open", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("message-repository")))

	m.BreakerStateChanged("message-repository", "half-open", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("message-repository")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerTransitions.WithLabelValues("message-repository", "closed", "open")))
}

func TestMetrics_ObserveDeadLetterSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	size := 4
	m.ObserveDeadLetterSize(func() int { return size })

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "test_dead_letter_entries" {
			found = true
			assert.Equal(t, 4.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "dead_letter_entries should be registered")
}

func TestInitLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger("warn", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestShutdown_NilProvider(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background(), nil))
}
