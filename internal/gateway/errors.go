// Package gateway defines the unified operation set every backend
// implements, the capability descriptor declared at registration, and
// the shared error taxonomy for backend failures.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/unidrive/unidrive-go/internal/fsid"
)

// Sentinel errors for backend failure classification.
// Check with errors.Is.
var (
	// ErrAuthentication marks rejected credentials. No session is
	// cached when authentication fails, so a later call may retry.
	ErrAuthentication = errors.New("authentication rejected")

	// ErrNotSupported marks an operation absent from a gateway's
	// declared capabilities, or undefined for the given item kind.
	// Raised before any backend call.
	ErrNotSupported = errors.New("operation not supported")

	// ErrTransient marks failures worth retrying: rate limiting,
	// transient network faults, backend 5xx.
	ErrTransient = errors.New("transient backend error")

	// ErrPermanent marks non-retryable backend rejections. Everything
	// not classified transient is treated as permanent.
	ErrPermanent = errors.New("permanent backend error")

	// ErrNotFound marks a missing remote item. Permanent by
	// definition; kept separate so callers can distinguish it.
	ErrNotFound = errors.New("item not found")
)

// ErrFormat re-exports the malformed-value sentinel so callers can
// treat the whole taxonomy as one package.
var ErrFormat = fsid.ErrFormat

// BackendError wraps a classification sentinel with the backend
// schema, operation, and any wire-level detail for debugging.
type BackendError struct {
	Schema  string
	Op      string
	Status  int    // HTTP status or backend-specific code; 0 when n/a
	Message string
	Err     error // sentinel, for errors.Is()
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Schema, e.Op, e.Status, e.Message)
	}

	return fmt.Sprintf("%s: %s: %s", e.Schema, e.Op, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable backend failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as a non-retryable backend failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether err is classified retryable. This is
// the predicate handed to the retry policy; backend-specific
// exception knowledge reduces to wrapping the right sentinel.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsCancelled reports whether err stems from caller cancellation or
// deadline expiry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
