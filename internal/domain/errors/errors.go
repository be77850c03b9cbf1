package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind is the canonical classification of a delivery failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBrokerUnavailable
	KindTopicNotFound
	KindTimeout
	KindCircuitOpen
)

var kindNames = map[Kind]string{
	KindUnknown:           "UNKNOWN",
	KindValidation:        "VALIDATION_ERROR",
	KindBrokerUnavailable: "BROKER_UNAVAILABLE",
	KindTopicNotFound:     "TOPIC_NOT_FOUND",
	KindTimeout:           "TIMEOUT",
	KindCircuitOpen:       "CIRCUIT_OPEN",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseKind maps a canonical name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Kinds returns every canonical kind.
func Kinds() []Kind {
	return []Kind{KindUnknown, KindValidation, KindBrokerUnavailable, KindTopicNotFound, KindTimeout, KindCircuitOpen}
}

// MarshalText renders the canonical name so kinds serialize readably.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown error kind %q", string(b))
	}
	*k = parsed
	return nil
}

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrTopicNotFound      = errors.New("topic not found")
	ErrTopicExists        = errors.New("topic already exists")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrRetryNotFound      = errors.New("pending retry not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Error is the canonical error that leaves repository boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a canonical error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// KindOf classifies any error into a canonical kind. Errors that carry no
// recognisable classification are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var canonical *Error
	if errors.As(err, &canonical) {
		return canonical.Kind
	}

	var validation *ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrTopicNotFound):
		return KindTopicNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindBrokerUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindBrokerUnavailable
	}

	return KindUnknown
}

// Canonicalize returns err as a canonical *Error, classifying it if needed.
func Canonicalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var canonical *Error
	if errors.As(err, &canonical) {
		return canonical
	}
	return Wrap(KindOf(err), op, err)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
