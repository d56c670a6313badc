// Package faults classifies infrastructure and delivery errors.
//
// Three classes exist:
//   - Transient: store or transport temporarily unavailable; retry or back off.
//   - Permanent: the target is gone or forbidden; retrying cannot help.
//   - unclassified errors are treated as transient by callers.
//
// User-facing rejections are not errors and never pass through this package.
package faults

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient matches every error wrapped with Transient.
	ErrTransient = errors.New("transient infrastructure fault")
	// ErrPermanent matches every error wrapped with Permanent.
	ErrPermanent = errors.New("permanent destination fault")
)

// Class is the outcome class of an operation.
type Class int

const (
	ClassOK Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Transient marks err as retryable.
//
// Example:
//
//	return faults.Transient(fmt.Errorf("sequence incr: %w", err))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return classified{err: err, class: ErrTransient}
}

// Permanent marks err as a fault of the target itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return classified{err: err, class: ErrPermanent}
}

type classified struct {
	err   error
	class error
}

func (e classified) Error() string { return e.err.Error() }

// Unwrap exposes both the cause and the class sentinel to errors.Is.
func (e classified) Unwrap() []error { return []error{e.err, e.class} }

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsTransient reports whether err was wrapped with Transient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Classify maps err to its class. Unclassified errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOK
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RetryAfter attaches a suggested delay, e.g. from an HTTP 429 response.
// The result is transient.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return Transient(retryAfterError{err: err, after: after})
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryHint returns the delay carried by err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
