// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors grouped by the recorder's failure categories
// - Error category checking functions
// - Error wrapping utilities
// - A validation error collector used by the config loader
//
// Categories:
//   - Resource: channel bind or file open/write failures. Abort only the
//     affected channel or shard.
//   - Decode: malformed frames, unknown tags, truncated payloads. Dropped
//     and counted.
//   - Clock: inconsistent calibration samples. Discarded, prior model kept.
//   - Fatal: startup failures that stop the process.

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Resource errors
	ErrBind        = errors.New("channel bind failed")
	ErrFileOpen    = errors.New("file open failed")
	ErrFileWrite   = errors.New("file write failed")
	ErrFileClose   = errors.New("file close failed")
	ErrBufferFull  = errors.New("buffer full")
	ErrLateRecord  = errors.New("late record")
	ErrStoreClosed = errors.New("storage engine closed")

	// Decode errors
	ErrTruncated         = errors.New("truncated frame")
	ErrUnknownTag        = errors.New("unknown record tag")
	ErrMalformed         = errors.New("malformed payload")
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrInstrumentTooLong = errors.New("instrument identifier too long")
	ErrMissingInstrument = errors.New("missing instrument identifier")

	// Clock errors
	ErrClockSample     = errors.New("inconsistent clock sample")
	ErrClockNotStarted = errors.New("clock not initialized")

	// Fatal errors
	ErrPollerCreate = errors.New("readiness poller allocation failed")
	ErrNoChannels   = errors.New("no channel could be bound")
	ErrUnsupported  = errors.New("unsupported platform")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrAlreadyRunning  = errors.New("already running")
	ErrNotRunning      = errors.New("not running")
	ErrDuplicateRoute  = errors.New("duplicate route")
	ErrRouteAfterStart = errors.New("route registered after bind")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidName   = errors.New("invalid name")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsResource returns true if err is a channel or file resource error.
func IsResource(err error) bool {
	return errors.Is(err, ErrBind) ||
		errors.Is(err, ErrFileOpen) ||
		errors.Is(err, ErrFileWrite) ||
		errors.Is(err, ErrFileClose) ||
		errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrLateRecord) ||
		errors.Is(err, ErrStoreClosed)
}

// IsDecode returns true if err came from frame or payload decoding.
func IsDecode(err error) bool {
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnknownExchange) ||
		errors.Is(err, ErrInstrumentTooLong) ||
		errors.Is(err, ErrMissingInstrument)
}

// IsClock returns true if err is a discarded calibration error.
func IsClock(err error) bool {
	return errors.Is(err, ErrClockSample) ||
		errors.Is(err, ErrClockNotStarted)
}

// IsFatal returns true if err must abort startup.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPollerCreate) ||
		errors.Is(err, ErrNoChannels) ||
		errors.Is(err, ErrUnsupported)
}

// IsStateError returns true if err is a lifecycle state error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrDuplicateRoute) ||
		errors.Is(err, ErrRouteAfterStart)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidName)
}

// IsRetriable returns true if the caller may retry the same operation.
// Buffered data is retained on these errors.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrFileOpen) ||
		errors.Is(err, ErrFileWrite) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Mark attaches a sentinel to a lower-level cause so that both match
// with errors.Is.
func Mark(sentinel, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

// Err returns nil when nothing was collected, otherwise v itself.
func (v *ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
