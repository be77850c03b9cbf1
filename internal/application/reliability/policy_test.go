package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

func noJitter(strategy Strategy) RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Strategy:          strategy,
	}
}

func TestComputeDelay_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		cfg      RetryConfig
		attempts []int
		want     []time.Duration
	}{
		{
			name:     "exponential",
			cfg:      noJitter(StrategyExponential),
			attempts: []int{1, 2, 3, 4, 5},
			want:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		},
		{
			name:     "linear",
			cfg:      noJitter(StrategyLinear),
			attempts: []int{1, 2, 3, 11},
			want:     []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 10 * time.Second},
		},
		{
			name:     "fixed",
			cfg:      noJitter(StrategyFixed),
			attempts: []int{1, 4, 9},
			want:     []time.Duration{time.Second, time.Second, time.Second},
		},
		{
			name:     "custom without function falls back to exponential",
			cfg:      noJitter(StrategyCustom),
			attempts: []int{1, 3},
			want:     []time.Duration{time.Second, 4 * time.Second},
		},
		{
			name:     "attempt below one treated as first",
			cfg:      noJitter(StrategyExponential),
			attempts: []int{0, -3},
			want:     []time.Duration{time.Second, time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, attempt := range tt.attempts {
				assert.Equal(t, tt.want[i], ComputeDelay(attempt, tt.cfg), "attempt %d", attempt)
			}
		})
	}
}

func TestComputeDelay_Custom(t *testing.T) {
	cfg := noJitter(StrategyCustom)
	cfg.CustomDelay = func(attempt int, _ RetryConfig) time.Duration {
		return time.Duration(attempt) * 300 * time.Millisecond
	}

	assert.Equal(t, 300*time.Millisecond, ComputeDelay(1, cfg))
	assert.Equal(t, 900*time.Millisecond, ComputeDelay(3, cfg))
	assert.Equal(t, 10*time.Second, ComputeDelay(100, cfg))
}

func TestComputeDelay_Floor(t *testing.T) {
	cfg := noJitter(StrategyFixed)
	cfg.InitialDelay = 10 * time.Millisecond

	assert.Equal(t, MinDelay, ComputeDelay(1, cfg))
}

func TestComputeDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	cfg := noJitter(StrategyExponential)
	cfg.MaxDelay = 0

	d := ComputeDelay(5000, cfg)
	assert.Greater(t, d, time.Duration(0))
}

func TestComputeDelay_JitterBounds(t *testing.T) {
	orig := jitterSource
	t.Cleanup(func() { jitterSource = orig })

	cfg := noJitter(StrategyExponential)
	cfg.Jitter = true

	jitterSource = func() float64 { return 0 }
	assert.Equal(t, 900*time.Millisecond, ComputeDelay(1, cfg))

	jitterSource = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, ComputeDelay(1, cfg))

	jitterSource = func() float64 { return 1 }
	assert.Equal(t, 11*time.Second, ComputeDelay(10, cfg))
}

func TestComputeDelay_RandomJitterWithinLimits(t *testing.T) {
	for _, strategy := range []Strategy{StrategyFixed, StrategyLinear, StrategyExponential} {
		cfg := noJitter(strategy)
		cfg.Jitter = true
		for attempt := 1; attempt <= 20; attempt++ {
			for range 20 {
				d := ComputeDelay(attempt, cfg)
				assert.GreaterOrEqual(t, d, MinDelay)
				assert.LessOrEqual(t, float64(d), float64(cfg.MaxDelay)*1.1)
			}
		}
	}
}

func TestRetryConfig_IsRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	for _, kind := range domainErrors.Kinds() {
		assert.Equal(t, kind != domainErrors.KindValidation, cfg.IsRetryable(kind), kind.String())
	}

	cfg.RetryableErrors = []domainErrors.Kind{domainErrors.KindTimeout}
	assert.True(t, cfg.IsRetryable(domainErrors.KindTimeout))
	assert.False(t, cfg.IsRetryable(domainErrors.KindBrokerUnavailable))

	cfg.RetryableErrors = []domainErrors.Kind{}
	assert.False(t, cfg.IsRetryable(domainErrors.KindTimeout))
}

func TestRetryConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*RetryConfig)
	}{
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }},
		{"zero initial delay", func(c *RetryConfig) { c.InitialDelay = 0 }},
		{"max below initial", func(c *RetryConfig) { c.MaxDelay = c.InitialDelay / 2 }},
		{"multiplier below one", func(c *RetryConfig) { c.BackoffMultiplier = 0.5 }},
		{"unknown strategy", func(c *RetryConfig) { c.Strategy = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, domainErrors.KindValidation, domainErrors.KindOf(err))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("linear")
	require.NoError(t, err)
	assert.Equal(t, StrategyLinear, s)

	_, err = ParseStrategy("quadratic")
	assert.Error(t, err)
}
