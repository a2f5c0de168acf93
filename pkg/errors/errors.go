package errors

import (
	"errors"
	"fmt"
)

// Domain error types for the connectivity core

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")
)

// Credential and signing errors

var (
	// ErrKeyDecode indicates a stored secret could not be decoded into key material.
	// Fatal for that credential; never retried automatically.
	ErrKeyDecode = errors.New("key material decode failed")

	// ErrPermissionDenied indicates the virtual key lacks the requested capability
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited indicates a per-key or per-exchange rate limit was exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrKeyInactive indicates the virtual key is deactivated
	ErrKeyInactive = errors.New("virtual key is not active")
)

// Connection errors

var (
	// ErrConnect indicates the exchange endpoint could not be reached (transient)
	ErrConnect = errors.New("exchange connection failed")

	// ErrAuthRejected indicates the exchange rejected the credentials.
	// Fatal, surfaced to the caller, not retried by the client itself.
	ErrAuthRejected = errors.New("exchange rejected credentials")

	// ErrConnectionClosed indicates the connection was closed while requests were pending
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected indicates an operation was attempted on a disconnected client
	ErrNotConnected = errors.New("client not connected")

	// ErrMaxReconnectAttempts indicates the reconnect budget is exhausted
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// APIError carries an error object returned by the exchange in a response frame
type APIError struct {
	Code int
	Msg  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
