// Package errors provides standardized error handling for the parking
// platform core. It classifies errors into the kinds the pipeline reacts
// to differently (transient infrastructure, invalid input or state,
// lock contention, fatal) and offers helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input, configuration,
	// or an illegal state transition; never retried
	ErrorInvalid
	// ErrorContention represents bounded lock-acquisition failure; the
	// caller decides whether to retry the whole operation
	ErrorContention
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorContention:
		return "contention"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// State management errors
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrLockContention    = errors.New("lock contention")
	ErrLockNotHeld       = errors.New("lock not held by caller")
	ErrSpaceNotFound     = errors.New("space not found")
	ErrDisplayNotFound   = errors.New("display not found")

	// Display configuration errors
	ErrNoPayloadMapping = errors.New("no payload mapping for state")
	ErrPolicyNotFound   = errors.New("display policy not found")
	ErrInvalidPayload   = errors.New("invalid payload encoding")

	// Downlink errors
	ErrQueueEmpty         = errors.New("downlink queue empty")
	ErrCommandNotFound    = errors.New("downlink command not found")
	ErrMaxAttemptsReached = errors.New("maximum delivery attempts reached")
	ErrRateLimited        = errors.New("rate limited")

	// Storage and connectivity errors
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrKeyNotFound       = errors.New("key not found")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrInvalidData is the generic invalid-input sentinel used by the
	// infrastructure packages (cache keys, malformed uplinks)
	ErrInvalidData = errors.New("invalid data")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back to common transient patterns in unwrapped driver errors
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsContention checks if an error is a bounded lock-acquisition failure.
// Contention is distinct from other failures so callers can choose to
// retry the whole operation rather than treating it as broken input.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorContention
	}
	return errors.Is(err, ErrLockContention)
}

// IsInvalid checks if an error is due to invalid input or an illegal
// transition; such errors are surfaced synchronously and never retried
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrNoPayloadMapping) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidData)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case IsContention(err):
		return ErrorContention
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		// Unknown errors default to transient to allow retry
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper; use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}

// WrapContention wraps an error as lock contention with context
func WrapContention(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorContention, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}
