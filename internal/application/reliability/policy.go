package reliability

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// MinDelay is the floor applied after jitter.
	MinDelay = 100 * time.Millisecond

	jitterFraction = 0.1

	// ceiling keeps float delays convertible to time.Duration.
	ceiling = float64(1 << 62)
)

// jitterSource returns a uniform value in [0, 1).
var jitterSource = rand.Float64

// ComputeDelay returns the wait before the given 1-based attempt.
// The strategy result is clamped to MaxDelay, jitter of ±10% is then
// applied, and finally the MinDelay floor.
func ComputeDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch cfg.Strategy {
	case StrategyFixed:
		delay = float64(cfg.InitialDelay)
	case StrategyLinear:
		delay = float64(cfg.InitialDelay) * float64(attempt)
	case StrategyCustom:
		if cfg.CustomDelay != nil {
			delay = float64(cfg.CustomDelay(attempt, cfg))
		} else {
			delay = exponentialDelay(attempt, cfg)
		}
	default:
		delay = exponentialDelay(attempt, cfg)
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay > ceiling || math.IsNaN(delay) {
		delay = ceiling
	}

	if cfg.Jitter {
		delay += (jitterSource()*2 - 1) * jitterFraction * delay
	}

	if delay < float64(MinDelay) {
		return MinDelay
	}
	return time.Duration(delay)
}

func exponentialDelay(attempt int, cfg RetryConfig) float64 {
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
}
