package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

// Metrics holds all application metrics
type Metrics struct {
	// Publish and fetch metrics
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	MessagesFetched   *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec

	// Retry metrics
	RetriesScheduled  *prometheus.CounterVec
	RetryDelay        *prometheus.HistogramVec
	RetryOutcomes     *prometheus.CounterVec
	PendingRetryGauge prometheus.Gauge

	// Dead letter metrics
	DeadLetterEvents *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	namespace string
	reg       prometheus.Registerer
}

var (
	_ reliability.Metrics = (*Metrics)(nil)
	_ messaging.Metrics   = (*Metrics)(nil)
)

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	latencyBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	m := &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages acknowledged by the broker",
			},
			[]string{"topic"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total number of failed publish attempts by error kind",
			},
			[]string{"topic", "kind"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Broker publish latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"topic"},
		),
		MessagesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_fetched_total",
				Help:      "Total number of messages returned by topic scans",
			},
			[]string{"topic"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Topic scan duration in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"topic"},
		),
		RetriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of retry attempts scheduled",
			},
			[]string{"topic"},
		),
		RetryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Delay before a scheduled retry in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"topic"},
		),
		RetryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts by result and error kind",
			},
			[]string{"topic", "result", "kind"},
		),
		PendingRetryGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_retries",
				Help:      "Number of messages waiting for a retry",
			},
		),
		DeadLetterEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letter_events_total",
				Help:      "Dead letter store events (added, removed, evicted)",
			},
			[]string{"topic", "event"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		namespace: namespace,
		reg:       factory,
	}

	factory.MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.MessagesFetched,
		m.FetchDuration,
		m.RetriesScheduled,
		m.RetryDelay,
		m.RetryOutcomes,
		m.PendingRetryGauge,
		m.DeadLetterEvents,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
	)

	return m
}

// ObserveDeadLetterSize exports the current dead letter count, read on scrape.
func (m *Metrics) ObserveDeadLetterSize(size func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "dead_letter_entries",
			Help:      "Number of entries in the dead letter store",
		},
		func() float64 { return float64(size()) },
	))
}

// BreakerStateChanged feeds the state gauge. States are the breaker's own
// ordinals: closed, open, half-open.
func (m *Metrics) BreakerStateChanged(name, from, to string) {
	m.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	m.CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (m *Metrics) PublishSucceeded(topic string, latency time.Duration) {
	m.MessagesPublished.WithLabelValues(topic).Inc()
	m.PublishDuration.WithLabelValues(topic).Observe(latency.Seconds())
}

func (m *Metrics) PublishFailed(topic string, kind domainErrors.Kind) {
	m.PublishFailures.WithLabelValues(topic, kind.String()).Inc()
}

func (m *Metrics) FetchCompleted(topic string, latency time.Duration, count int) {
	m.MessagesFetched.WithLabelValues(topic).Add(float64(count))
	m.FetchDuration.WithLabelValues(topic).Observe(latency.Seconds())
}

func (m *Metrics) RetryScheduled(topic string, delay time.Duration) {
	m.RetriesScheduled.WithLabelValues(topic).Inc()
	m.RetryDelay.WithLabelValues(topic).Observe(delay.Seconds())
}

func (m *Metrics) RetrySucceeded(topic string) {
	m.RetryOutcomes.WithLabelValues(topic, "succeeded", "").Inc()
}

func (m *Metrics) RetryFailed(topic string, kind domainErrors.Kind) {
	m.RetryOutcomes.WithLabelValues(topic, "failed", kind.String()).Inc()
}

func (m *Metrics) DeadLetterAdded(topic string) {
	m.DeadLetterEvents.WithLabelValues(topic, "added").Inc()
}

func (m *Metrics) DeadLetterRemoved(topic string) {
	m.DeadLetterEvents.WithLabelValues(topic, "removed").Inc()
}

func (m *Metrics) DeadLetterEvicted(topic string) {
	m.DeadLetterEvents.WithLabelValues(topic, "evicted").Inc()
}

func (m *Metrics) PendingRetries(n int) {
	m.PendingRetryGauge.Set(float64(n))
}
