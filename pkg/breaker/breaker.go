package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	IsOpen           bool          `json:"is_open"`
	FailureCount     int           `json:"failure_count"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// StateChangeFunc is called after every state transition.
type StateChangeFunc func(name string, from, to State)

var errFailed = errors.New("call failed")

// CircuitBreaker adapts a gobreaker two-step breaker to separate admission
// and outcome calls. IsOpen takes an admission from gobreaker and the next
// RecordSuccess or RecordFailure settles it. It opens once FailureThreshold
// consecutive failures accumulate and, after ResetTimeout, lets a single
// trial call through.
type CircuitBreaker struct {
	inner atomic.Pointer[gobreaker.TwoStepCircuitBreaker[struct{}]]

	mu          sync.Mutex
	admitted    []func(error)
	failures    int
	lastFailure time.Time

	name             string
	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    StateChangeFunc
}

type Option func(*CircuitBreaker)

func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

func WithFailureThreshold(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

func WithResetTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

func New(opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.inner.Store(cb.newInner())
	return cb
}

func (cb *CircuitBreaker) newInner() *gobreaker.TwoStepCircuitBreaker[struct{}] {
	threshold := uint32(cb.failureThreshold)
	return gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: 1,
		Timeout:     cb.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.notify(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether calls must be rejected. Once the reset timeout has
// elapsed the breaker moves to half-open and admits exactly one caller; it
// keeps rejecting others until that trial is recorded. Every false result
// must be followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) IsOpen() bool {
	done, err := cb.inner.Load().Allow()
	if err != nil {
		return true
	}
	cb.mu.Lock()
	cb.admitted = append(cb.admitted, done)
	cb.mu.Unlock()
	return false
}

// RecordSuccess resets the failure count. A successful trial closes the
// breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.settle(nil) {
		return
	}
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// RecordFailure counts a failure. A failed trial reopens the breaker with a
// fresh reset timeout.
func (cb *CircuitBreaker) RecordFailure() {
	now := time.Now()
	if !cb.settle(errFailed) {
		return
	}
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = now
	cb.mu.Unlock()
}

// settle reports an outcome against the oldest admission. An outcome with
// no admission takes one itself and is dropped while the breaker rejects.
func (cb *CircuitBreaker) settle(err error) bool {
	cb.mu.Lock()
	var done func(error)
	if len(cb.admitted) > 0 {
		done = cb.admitted[0]
		cb.admitted = cb.admitted[1:]
	}
	cb.mu.Unlock()

	if done == nil {
		var aerr error
		if done, aerr = cb.inner.Load().Allow(); aerr != nil {
			return false
		}
	}
	done(err)
	return true
}

// Reset forces the breaker closed and discards outstanding admissions.
func (cb *CircuitBreaker) Reset() {
	from := cb.State()
	cb.mu.Lock()
	cb.admitted = nil
	cb.failures = 0
	cb.inner.Store(cb.newInner())
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) State() State {
	return fromGobreaker(cb.inner.Load().State())
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:             cb.name,
		State:            state.String(),
		IsOpen:           state == StateOpen,
		FailureCount:     cb.failures,
		LastFailureTime:  cb.lastFailure,
		FailureThreshold: cb.failureThreshold,
		ResetTimeout:     cb.resetTimeout,
	}
}

// gobreaker calls notify under its own lock, so the hook must not call back
// into the breaker.
func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange == nil {
		return
	}
	defer func() { _ = recover() }()
	cb.onStateChange(cb.name, from, to)
}
