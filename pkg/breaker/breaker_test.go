package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resetTimeout = 20 * time.Millisecond

// afterReset waits until the reset timeout has been strictly exceeded.
func afterReset() {
	time.Sleep(resetTimeout + 10*time.Millisecond)
}

func TestNew_Defaults(t *testing.T) {
	cb := New()
	snap := cb.Snapshot()

	assert.Equal(t, "default", snap.Name)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, DefaultFailureThreshold, snap.FailureThreshold)
	assert.Equal(t, DefaultResetTimeout, snap.ResetTimeout)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := New(WithFailureThreshold(3), WithResetTimeout(10*time.Second))

	for range 2 {
		require.False(t, cb.IsOpen())
		cb.RecordFailure()
	}
	require.False(t, cb.IsOpen())
	cb.RecordFailure()

	assert.True(t, cb.IsOpen())
	assert.Equal(t, StateOpen, cb.State())
	snap := cb.Snapshot()
	assert.Equal(t, 3, snap.FailureCount)
	assert.True(t, snap.IsOpen)
	assert.False(t, snap.LastFailureTime.IsZero())
}

func TestCircuitBreaker_StandaloneOutcomes(t *testing.T) {
	cb := New(WithFailureThreshold(2), WithResetTimeout(10*time.Second))

	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateOpen, cb.State(), "a success is not counted while the breaker rejects")
}

func TestCircuitBreaker_AdmitsSingleTrialAfterReset(t *testing.T) {
	cb := New(WithFailureThreshold(2), WithResetTimeout(resetTimeout))
	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	afterReset()
	assert.False(t, cb.IsOpen(), "first caller after timeout is the trial")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.IsOpen(), "second caller is rejected while the trial runs")
}

func TestCircuitBreaker_TrialSuccessCloses(t *testing.T) {
	cb := New(WithFailureThreshold(1), WithResetTimeout(resetTimeout))
	cb.RecordFailure()
	afterReset()

	require.False(t, cb.IsOpen())
	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	cb := New(WithFailureThreshold(3), WithResetTimeout(resetTimeout))
	for range 3 {
		cb.RecordFailure()
	}
	afterReset()

	require.False(t, cb.IsOpen())
	before := time.Now()
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Snapshot().LastFailureTime.Before(before))
	assert.True(t, cb.IsOpen())

	afterReset()
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_SuccessIsIdempotent(t *testing.T) {
	cb := New(WithFailureThreshold(5))
	cb.RecordFailure()
	cb.RecordFailure()

	cb.RecordSuccess()
	first := cb.Snapshot()
	cb.RecordSuccess()
	second := cb.Snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, 0, second.FailureCount)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := New(WithFailureThreshold(3))
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := New(
		WithName("kafka"),
		WithFailureThreshold(1),
		WithResetTimeout(resetTimeout),
		WithStateChange(func(name string, from, to State) {
			assert.Equal(t, "kafka", name)
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		}),
	)

	cb.RecordFailure()
	afterReset()
	require.False(t, cb.IsOpen())
	cb.RecordSuccess()
	cb.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_PanickingHookIsContained(t *testing.T) {
	cb := New(WithFailureThreshold(1), WithStateChange(func(string, State, State) {
		panic("observer failed")
	}))

	assert.NotPanics(t, cb.RecordFailure)
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	var to []State
	cb := New(WithFailureThreshold(1), WithStateChange(func(_ string, _, s State) {
		to = append(to, s)
	}))
	cb.RecordFailure()
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.False(t, cb.IsOpen())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
	assert.Equal(t, []State{StateOpen, StateClosed}, to)
}

func TestCircuitBreaker_ConcurrentTrialAdmitsOne(t *testing.T) {
	cb := New(WithFailureThreshold(1), WithResetTimeout(resetTimeout))
	cb.RecordFailure()
	afterReset()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cb.IsOpen() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
