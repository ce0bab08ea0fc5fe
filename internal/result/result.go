// Package result carries component outcomes across package boundaries as a
// tagged variant: a Result holds either a value or a classified *Error, never
// both and never neither.
package result

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without parsing messages.
type Kind int

const (
	// KindInitialization means a probe session or offer could not be created.
	KindInitialization Kind = iota + 1
	// KindNoPublicAddressFound means only private, loopback or link-local
	// candidates were observed before gathering completed.
	KindNoPublicAddressFound
	// KindTimeout means no decision was reached before the deadline.
	KindTimeout
	// KindProviderExhausted means every geolocation provider failed.
	KindProviderExhausted
	// KindNotInitialized means the remote channel handle is missing.
	KindNotInitialized
	// KindCertificate means the remote's certificate or signature could not
	// be verified against the configured trust anchor.
	KindCertificate
	// KindTransientNetwork covers every other transport failure.
	KindTransientNetwork
	// KindRemoteRejected means the remote answered with its error variant.
	KindRemoteRejected
)

var kindNames = map[Kind]string{
	KindInitialization:       "initialization_error",
	KindNoPublicAddressFound: "no_public_address_found",
	KindTimeout:              "timeout",
	KindProviderExhausted:    "provider_exhausted",
	KindNotInitialized:       "not_initialized",
	KindCertificate:          "certificate_error",
	KindTransientNetwork:     "transient_network_error",
	KindRemoteRejected:       "remote_rejected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Recoverable reports whether the flow can continue on a degraded path, for
// example manual address entry or an unknown location.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNoPublicAddressFound, KindTimeout, KindProviderExhausted, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// Retryable reports whether the Sync Client may retry transparently.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork
}

// Fatal reports whether the failure ends the current session until an
// operator or user acts.
func (k Kind) Fatal() bool {
	switch k {
	case KindInitialization, KindNotInitialized, KindCertificate:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Remedy is operator-facing text describing how to recover.
	Remedy string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindTimeout}) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the first *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Result is either a value of type T or a classified error.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// FromError wraps a classified failure. A nil error is a programming error.
func FromError[T any](err *Error) Result[T] {
	if err == nil {
		panic("result: FromError called with nil error")
	}
	return Result[T]{err: err}
}

// Fail classifies cause under kind.
func Fail[T any](kind Kind, cause error) Result[T] {
	return FromError[T](&Error{Kind: kind, Cause: cause})
}

// Failf builds a failure with a formatted message.
func Failf[T any](kind Kind, format string, args ...any) Result[T] {
	return FromError[T](Newf(kind, format, args...))
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Value returns the value and whether the result is ok.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.err == nil
}

// Err returns the failure, or nil for an ok result.
func (r Result[T]) Err() *Error {
	return r.err
}

// Kind returns the failure kind, or 0 for an ok result.
func (r Result[T]) Kind() Kind {
	if r.err == nil {
		return 0
	}
	return r.err.Kind
}

// Unwrap converts the result to Go's (value, error) convention.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

func (r Result[T]) String() string {
	if r.err != nil {
		return "err(" + r.err.Error() + ")"
	}
	return fmt.Sprintf("ok(%v)", r.value)
}
