package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Class is the error classification that travels with every transport
// error. It is assigned once, at the layer where the error originates, and
// higher layers decide behavior from it without re-classifying.
type Class uint8

const (
	// ClassRecoverable errors (timeouts, transient I/O, unreachable hosts)
	// are retried automatically and logged at warn level, never surfaced
	// to the user directly.
	ClassRecoverable Class = iota

	// ClassUserAction errors (not paired, certificate mismatch, resource
	// exhausted, version mismatch) are surfaced as actionable
	// notifications and not retried.
	ClassUserAction

	// ClassCritical errors (malformed packets, TLS failures, invariant
	// violations) tear down the offending connection and are logged at
	// error level.
	ClassCritical
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "RECOVERABLE"
	case ClassUserAction:
		return "USER_ACTION_REQUIRED"
	case ClassCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Transport errors.
var (
	ErrPacketExceedsMTU = errors.New("packet exceeds transport max packet size")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNoAddress        = errors.New("no usable address for transport")
)

// ClassifiedError wraps an error with its classification and the operation
// that produced it.
type ClassifiedError struct {
	Class Class
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Class)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err as a recoverable transport error.
func Recoverable(op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassRecoverable, Op: op, Err: err}
}

// UserAction wraps err as an error requiring user action.
func UserAction(op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassUserAction, Op: op, Err: err}
}

// Critical wraps err as a critical error.
func Critical(op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassCritical, Op: op, Err: err}
}

// ClassOf extracts the classification from an error. Unclassified errors
// report Critical: an error that escaped classification at its origin is an
// invariant violation and must not be silently retried.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassCritical
}

// IsRecoverable reports whether the error should be retried automatically.
func IsRecoverable(err error) bool {
	return err != nil && ClassOf(err) == ClassRecoverable
}

// ClassifyDialError classifies an error returned from dialing or
// handshaking. Network-level transience (timeout, refused, unreachable,
// reset) is recoverable; everything else at dial time is treated as a TLS
// or protocol failure and is critical.
func ClassifyDialError(op string, err error) *ClassifiedError {
	if isTransientNetError(err) {
		return Recoverable(op, err)
	}
	return Critical(op, err)
}

// isTransientNetError reports whether err is a transient network condition.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	return false
}
