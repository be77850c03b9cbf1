package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with op and message",
			err:      New(KindTopicNotFound, "publish", "topic orders missing"),
			expected: "publish: TOPIC_NOT_FOUND: topic orders missing",
		},
		{
			name:     "message falls back to wrapped error",
			err:      Wrap(KindBrokerUnavailable, "", errors.New("connection refused")),
			expected: "BROKER_UNAVAILABLE: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	original := errors.New("original error")
	err := Wrap(KindTimeout, "fetch", original)

	assert.Equal(t, original, err.Unwrap())
	assert.ErrorIs(t, err, original)
}

func TestValidationError_Error(t *testing.T) {
	err := NewValidationError("topic", "is required")

	assert.Equal(t, "validation failed for field topic: is required", err.Error())
	assert.Equal(t, KindValidation, KindOf(err))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", errors.New("boom"), KindUnknown},
		{"canonical", New(KindCircuitOpen, "publish", "open"), KindCircuitOpen},
		{"wrapped canonical", fmt.Errorf("outer: %w", New(KindTimeout, "", "slow")), KindTimeout},
		{"validation sentinel", fmt.Errorf("bad: %w", ErrInvalidInput), KindValidation},
		{"topic sentinel", ErrTopicNotFound, KindTopicNotFound},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindBrokerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCanonicalize(t *testing.T) {
	assert.Nil(t, Canonicalize("op", nil))

	original := New(KindTopicNotFound, "publish", "missing")
	assert.Same(t, original, Canonicalize("other", fmt.Errorf("wrap: %w", original)))

	converted := Canonicalize("fetch", context.DeadlineExceeded)
	require.NotNil(t, converted)
	assert.Equal(t, KindTimeout, converted.Kind)
	assert.Equal(t, "fetch", converted.Op)
}

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		text, err := k.MarshalText()
		require.NoError(t, err)

		var parsed Kind
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, k, parsed)
	}

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("NOPE")))
	assert.Equal(t, "UNKNOWN", Kind(99).String())
}

func TestErrorConstants(t *testing.T) {
	assert.NotNil(t, ErrMessageNotFound)
	assert.NotNil(t, ErrTopicNotFound)
	assert.NotNil(t, ErrTopicExists)
	assert.NotNil(t, ErrDeadLetterNotFound)
	assert.NotNil(t, ErrRetryNotFound)
	assert.NotNil(t, ErrInvalidInput)
}
