package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// ErrorType represents the type of cache error
type ErrorType int

const (
	// ErrorTypeConnection indicates the store refused, reset or dropped the connection
	ErrorTypeConnection ErrorType = iota
	// ErrorTypeNotFound indicates a cache miss or key not found
	ErrorTypeNotFound
	// ErrorTypeSerialization indicates a payload could not be encoded or decoded
	ErrorTypeSerialization
	// ErrorTypeTimeout indicates a timeout during a store operation
	ErrorTypeTimeout
	// ErrorTypeCapacity indicates a value exceeded the configured size bound
	ErrorTypeCapacity
	// ErrorTypeValidation indicates input validation failure
	ErrorTypeValidation
	// ErrorTypeConfiguration indicates missing or invalid connection parameters
	ErrorTypeConfiguration
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrorTypeConnection:
		return "CONNECTION"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeSerialization:
		return "SERIALIZATION"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeCapacity:
		return "CAPACITY"
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// CacheError represents a cache-specific error with context
type CacheError struct {
	Type    ErrorType
	Key     string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Key != "" {
		return fmt.Sprintf("cache error [%s] for key '%s': %s", e.Type.String(), e.Key, msg)
	}
	return fmt.Sprintf("cache error [%s]: %s", e.Type.String(), msg)
}

// Unwrap returns the underlying cause error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error type
func (e *CacheError) Is(target error) bool {
	if t, ok := target.(*CacheError); ok {
		return e.Type == t.Type
	}
	return false
}

// NewCacheError creates a new CacheError
func NewCacheError(errType ErrorType, key, message string, cause error) *CacheError {
	return &CacheError{
		Type:    errType,
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}

// NewConnectionError creates a connection-specific cache error
func NewConnectionError(message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeConnection, "", message, cause)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(key string) *CacheError {
	return NewCacheError(ErrorTypeNotFound, key, "key not found in cache", nil)
}

// NewSerializationError creates a serialization error
func NewSerializationError(key, message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeSerialization, key, message, cause)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(key, message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeTimeout, key, message, cause)
}

// NewCapacityError creates a capacity error
func NewCapacityError(key, message string) *CacheError {
	return NewCacheError(ErrorTypeCapacity, key, message, nil)
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeValidation, "", message, cause)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string, cause error) *CacheError {
	return NewCacheError(ErrorTypeConfiguration, "", message, cause)
}

func hasType(err error, t ErrorType) bool {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Type == t
	}
	return false
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	return hasType(err, ErrorTypeConnection)
}

// IsTimeoutError checks if the error is a timeout error
func IsTimeoutError(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsSerializationError checks if the error is a serialization error
func IsSerializationError(err error) bool {
	return hasType(err, ErrorTypeSerialization)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsConfigurationError checks if the error is a configuration error
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfiguration)
}

// IsConnectionClass reports whether err should push the connection into
// fallback mode. Both connection and timeout errors qualify.
func IsConnectionClass(err error) bool {
	return IsConnectionError(err) || IsTimeoutError(err)
}

// ClassifyRedisError maps a raw go-redis error onto the cache error taxonomy.
// Errors that match no class are returned unchanged.
func ClassifyRedisError(key string, err error) error {
	if err == nil {
		return nil
	}

	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return err
	}

	if errors.Is(err, redis.Nil) {
		return NewNotFoundError(key)
	}

	if isTimeout(err) {
		return NewTimeoutError(key, "store operation timed out", err)
	}

	if isConnectionFailure(err) {
		e := NewConnectionError("store connection failed", err)
		e.Key = key
		return e
	}

	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"use of closed network connection",
		"client is closed",
	} {
		if strings.Contains(errorStr, pattern) {
			return true
		}
	}

	return false
}
