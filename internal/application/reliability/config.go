package reliability

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyCustom      Strategy = "custom"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyCustom:
		return st, nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}

// DelayFunc computes the delay for a custom strategy.
type DelayFunc func(attempt int, cfg RetryConfig) time.Duration

// RetryConfig is an immutable value shared by every message retried with it.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" validate:"min=1"`
	InitialDelay      time.Duration `json:"initial_delay" validate:"gt=0"`
	MaxDelay          time.Duration `json:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" validate:"gte=1"`
	Strategy          Strategy      `json:"strategy" validate:"oneof=fixed linear exponential custom"`
	Jitter            bool          `json:"jitter"`

	// RetryableErrors overrides the retryable kinds. Nil means every kind
	// except validation errors.
	RetryableErrors []domainErrors.Kind `json:"retryable_errors,omitempty"`

	CustomDelay DelayFunc `json:"-"`
}

// DefaultRetryConfig is applied when a failure is handled without a config.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Strategy:          StrategyExponential,
		Jitter:            true,
	}
}

// IsRetryable reports whether a failure of the given kind may be retried.
func (c RetryConfig) IsRetryable(kind domainErrors.Kind) bool {
	if c.RetryableErrors != nil {
		return slices.Contains(c.RetryableErrors, kind)
	}
	return kind != domainErrors.KindValidation
}

var validate = validator.New()

// Validate checks the config invariants.
func (c RetryConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("retry_config", err.Error())
	}
	return nil
}
