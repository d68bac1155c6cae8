// Package errs provides structured error types and helpers for subhub services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a coordinator error category.
type Code string

const (
	// CodeAdapter indicates that an exchange adapter call failed.
	CodeAdapter Code = "adapter_error"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeObserver indicates that a lifecycle observer misbehaved.
	CodeObserver Code = "observer_fault"
)

// CanonicalCode captures exchange-agnostic failure families.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapabilityMissing indicates the adapter lacks the required capability.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalSubscribeFailed marks a failed push subscription.
	CanonicalSubscribeFailed CanonicalCode = "subscribe_failed"
	// CanonicalTeardownFailed marks a failed remote unsubscribe.
	CanonicalTeardownFailed CanonicalCode = "teardown_failed"
	// CanonicalFetchFailed marks a failed snapshot fetch while polling.
	CanonicalFetchFailed CanonicalCode = "fetch_failed"
)

// E captures structured error information produced across the coordinator stack.
type E struct {
	Exchange  string
	Code      Code
	Operation string
	Key       string
	Message   string
	Canonical CanonicalCode
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOperation records the coordinator operation that failed (subscribe, teardown, poll).
func WithOperation(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Operation = trimmed
	}
}

// WithKey records the subscription identity involved in the failure.
func WithKey(key string) Option {
	return func(e *E) {
		e.Key = key
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Operation != "" {
		parts = append(parts, "op="+e.Operation)
	}
	if e.Key != "" {
		parts = append(parts, "key="+strconv.Quote(e.Key))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var env *E
	if errors.As(err, &env) && env != nil {
		return env.Code
	}
	return ""
}

// IsCode reports whether any envelope in the error chain carries the code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Adapter wraps an exchange call failure as an adapter error.
func Adapter(exchange, op, key string, cause error, canonical CanonicalCode) *E {
	return New(exchange, CodeAdapter,
		WithOperation(op),
		WithKey(key),
		WithCanonicalCode(canonical),
		WithCause(cause),
	)
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(msg string) *E {
	return New("", CodeAdapter, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}
