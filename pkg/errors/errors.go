// Package errors provides error handling utilities for the gominer client.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeParse represents malformed pool messages or job fields
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeProtocol represents pool behavior that violates the protocol (duplicate job, oversized line)
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeCriticalPool represents pool errors that demand the connection be dropped
	ErrorTypeCriticalPool ErrorType = "critical_pool"
	// ErrorTypeTransport represents socket, DNS and TLS failures
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeTimeout represents a request that received no response in time
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeClosed represents a connection closed on purpose
	ErrorTypeClosed ErrorType = "closed"
	// ErrorTypeConfig represents invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeSink represents telemetry sink failures (influx, redis, postgres, kafka)
	ErrorTypeSink ErrorType = "sink"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// criticalPrefixes are pool error messages after which the session cannot continue.
var criticalPrefixes = []string{
	"unauthenticated",
	"your ip is banned",
	"ip address currently banned",
}

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// Already classified errors keep their retry decision
	if se, ok := err.(*ServiceError); ok {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     se,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType) || isRetryableByDefault(err),
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeSink:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no such host",
		"timeout",
		"temporary failure",
		"broken pipe",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// IsCriticalPoolMessage reports whether a pool error message starts with one of
// the prefixes that make the session unusable. The match is case-insensitive.
func IsCriticalPoolMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, prefix := range criticalPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// ClassifyPoolMessage converts an error message returned by the pool into a
// ServiceError. Critical messages get ErrorTypeCriticalPool, anything else is a
// plain rejection reported as ErrorTypeProtocol.
func ClassifyPoolMessage(operation, message string) *ServiceError {
	if IsCriticalPoolMessage(message) {
		return New(ErrorTypeCriticalPool, operation, message)
	}
	return New(ErrorTypeProtocol, operation, message)
}
