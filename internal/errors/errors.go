package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflicting write")
	ErrMappingMiss      = errors.New("no mapping for value")
	ErrQueueFull        = errors.New("queue full")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation  Kind = "validation"
	KindTransient   Kind = "transient"
	KindAuth        Kind = "auth"
	KindMappingMiss Kind = "mapping_miss"
	KindConflict    Kind = "conflict"
	KindWorker      Kind = "worker"
	KindOverflow    Kind = "overflow"
	KindInternal    Kind = "internal"
)

// OpError is a structured error for pipeline operations
type OpError struct {
	Kind       Kind
	Op         string // operation that failed (e.g. "poll", "normalize", "process_alert")
	Source     string // connector or source system involved
	Err        error  // underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *OpError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching on kind for OpError targets and on the
// wrapped cause otherwise
func (e *OpError) Is(target error) bool {
	var oe *OpError
	if errors.As(target, &oe) {
		return e.Kind == oe.Kind
	}
	return errors.Is(e.Err, target)
}

// NewValidationError creates an error for malformed input rejected at a boundary
func NewValidationError(op, source string, err error) *OpError {
	return &OpError{
		Kind:      KindValidation,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewTransientError creates an error for timeouts and connection resets
func NewTransientError(op, source string, err error) *OpError {
	return &OpError{
		Kind:      KindTransient,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewAuthError creates an error for rejected credentials on an upstream source
func NewAuthError(op, source string, statusCode int) *OpError {
	return &OpError{
		Kind:       KindAuth,
		Op:         op,
		Source:     source,
		Err:        ErrUnauthorized,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Retryable:  true,
	}
}

// NewMappingMissError creates an error for a value with no mapping row
func NewMappingMissError(op, source, value string) *OpError {
	return &OpError{
		Kind:      KindMappingMiss,
		Op:        op,
		Source:    source,
		Err:       fmt.Errorf("%w: %s", ErrMappingMiss, value),
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewConflictError creates an error for a unique-index collision. Callers
// convert these into an update of the row that won.
func NewConflictError(op, source string, err error) *OpError {
	return &OpError{
		Kind:      KindConflict,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewOverflowError creates an error for a full bounded queue
func NewOverflowError(op, source string) *OpError {
	return &OpError{
		Kind:      KindOverflow,
		Op:        op,
		Source:    source,
		Err:       ErrQueueFull,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewWorkerError records an execution failure inside a task handler
func NewWorkerError(op, source string, err error) *OpError {
	return &OpError{
		Kind:      KindWorker,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// WrapHTTPError converts an upstream HTTP status into a typed error
func WrapHTTPError(op, source string, statusCode int, body string) *OpError {
	kind := KindTransient
	retryable := true
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = KindAuth
	case statusCode >= 400 && statusCode < 500:
		kind = KindValidation
		retryable = false
	}
	return &OpError{
		Kind:       kind,
		Op:         op,
		Source:     source,
		Err:        fmt.Errorf("upstream returned %d: %s", statusCode, body),
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication failure
func IsAuthError(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindAuth
	}
	return errors.Is(err, ErrUnauthorized)
}

// IsMappingMiss checks if an error is a mapping-table miss
func IsMappingMiss(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindMappingMiss
	}
	return errors.Is(err, ErrMappingMiss)
}

// IsValidation checks if an error is a rejected-input error
func IsValidation(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindValidation
	}
	return errors.Is(err, ErrInvalidInput)
}

// IsConflict checks if an error is a storage conflict
func IsConflict(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindConflict
	}
	return errors.Is(err, ErrConflict)
}
