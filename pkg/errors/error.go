// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Validation errors (100-199): Invalid parameters, configuration, payloads
//   - Store errors (200-299): Snapshot/event/metrics persistence failures
//   - Lock errors (300-399): Distributed cache and lock failures
//   - Strategy errors (400-499): Strategy registration, config, and runtime errors
//   - Order errors (500-599): Order dispatch and compliance errors
//   - Executor errors (600-699): Execution-loop and lifecycle errors
//   - Tick source errors (700-799): Tick stream failures
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeInvalidParameter, "invalid parameter value")
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeQueryFailed, "failed to execute query", originalErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodeSnapshotNotFound) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// OrderServiceError represents a recoverable failure while dispatching a
// single strategy event to the order-execution service. The executor logs
// these and keeps processing; they never abort the tick loop.
type OrderServiceError struct {
	EventType string // Event type that was being dispatched
	Message   string // Human-readable message
	Cause     error  // Optional underlying error
}

// NewOrderServiceError creates a new OrderServiceError.
func NewOrderServiceError(eventType, message string) *OrderServiceError {
	return &OrderServiceError{
		EventType: eventType,
		Message:   message,
		Cause:     nil,
	}
}

// NewOrderServiceErrorf creates a new OrderServiceError with a formatted message.
func NewOrderServiceErrorf(eventType string, cause error, format string, args ...any) *OrderServiceError {
	return &OrderServiceError{
		EventType: eventType,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
	}
}

// Error implements the error interface.
func (e *OrderServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("order service error for %s: %s: %v", e.EventType, e.Message, e.Cause)
	}

	return fmt.Sprintf("order service error for %s: %s", e.EventType, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *OrderServiceError) Unwrap() error {
	return e.Cause
}

// IsOrderServiceError checks if an error is an OrderServiceError.
// It uses errors.As to check the error chain.
func IsOrderServiceError(err error) bool {
	var orderErr *OrderServiceError

	return errors.As(err, &orderErr)
}
