// Package apperr defines the error kinds shared by the face identity services.
// Callers match them with errors.As or the Is* helpers; wrapping with %w keeps them matchable.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is raised before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing face, person, cluster or job.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// ExternalServiceError wraps a failed call to the external recognizer.
type ExternalServiceError struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("recognizer %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("recognizer %s failed: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ConsistencyViolation describes drift between local bookkeeping and the recognizer.
type ConsistencyViolation struct {
	PersonID int64
	Kind     string
	Detail   string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation for person %d (%s): %s", e.PersonID, e.Kind, e.Detail)
}

// ConcurrencyConflict reports that the target of a write changed after it was read.
type ConcurrencyConflict struct {
	Entity  string
	ID      any
	Message string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("conflict on %s %v: %s", e.Entity, e.ID, e.Message)
}

// Validation returns a ValidationError for the given field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFoundError.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Conflict returns a ConcurrencyConflict.
func Conflict(entity string, id any, format string, args ...any) error {
	return &ConcurrencyConflict{Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

// External wraps err as an ExternalServiceError.
func External(op string, statusCode int, err error) error {
	return &ExternalServiceError{Op: op, StatusCode: statusCode, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsExternal(err error) bool {
	var target *ExternalServiceError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConcurrencyConflict
	return errors.As(err, &target)
}

func IsConsistencyViolation(err error) bool {
	var target *ConsistencyViolation
	return errors.As(err, &target)
}

// IsPermanent reports whether retrying the operation cannot change the outcome.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err)
}
