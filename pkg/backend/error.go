package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass partitions backend failures into the classes the rest of the
// system reacts to.
type ErrorClass int

const (
	// ClassTimeout covers deadline expiry and canceled upstream calls.
	ClassTimeout ErrorClass = iota

	// ClassMalformedResponse covers replies the provider returned but that
	// cannot be used (empty choices, unparseable payloads).
	ClassMalformedResponse

	// ClassRateLimited covers provider throttling.
	ClassRateLimited
)

// String returns the wire name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassMalformedResponse:
		return "malformed_response"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	// Class says how the failure should be treated.
	Class ErrorClass

	// Provider names the backend that failed.
	Provider string

	// RetryAfter is a provider-suggested backoff for rate limits. Zero when
	// unknown or not applicable.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend %s: %s", e.Provider, e.Class)
	}
	return fmt.Sprintf("backend %s: %s: %v", e.Provider, e.Class, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the failure class from an error chain. ok is false when
// the chain carries no [*Error]; context deadline and cancellation errors
// classify as [ClassTimeout] even unwrapped.
func ClassOf(err error) (class ErrorClass, ok bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Class, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout, true
	}
	return 0, false
}

// Classify wraps a raw provider failure as a classified [*Error]. Errors
// already carrying a class pass through unchanged. Context expiry and
// cancellation classify as timeout; provider throttling recognizable from
// the message classifies as rate limited; any other transport failure counts
// as timeout, since no usable reply arrived.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}

	class := ClassTimeout
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
			class = ClassRateLimited
		}
	}
	return &Error{Class: class, Provider: provider, Err: err}
}
