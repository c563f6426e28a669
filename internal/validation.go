package internal

import (
	"context"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

// InputValidator provides input validation for the cache, session and rate-limit layers
type InputValidator struct {
	maxIdentifierLength int
	maxPatternLength    int
	maxValueSize        int
}

// NewInputValidator creates a new input validator bounded by maxValueSize
func NewInputValidator(maxValueSize int) *InputValidator {
	if maxValueSize <= 0 {
		maxValueSize = 1024 * 1024 // 1MB max for serialized values
	}
	return &InputValidator{
		maxIdentifierLength: 200,
		maxPatternLength:    250, // Redis key length limit
		maxValueSize:        maxValueSize,
	}
}

// ValidateIdentifier validates ids such as user ids, session ids and
// rate-limit identifiers
func (v *InputValidator) ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return NewValidationError(fmt.Sprintf("%s cannot be empty", fieldName), nil)
	}

	if len(id) > v.maxIdentifierLength {
		return NewValidationError(fmt.Sprintf("%s exceeds maximum length of %d characters", fieldName, v.maxIdentifierLength), nil)
	}

	// Check for valid UTF-8
	if !utf8.ValidString(id) {
		return NewValidationError(fmt.Sprintf("%s contains invalid UTF-8 characters", fieldName), nil)
	}

	for i, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return NewValidationError(fmt.Sprintf("%s contains control or whitespace character at position %d", fieldName, i), nil)
		}
	}

	return nil
}

// ValidatePattern validates a key glob pattern
func (v *InputValidator) ValidatePattern(pattern string) error {
	if pattern == "" {
		return NewValidationError("pattern cannot be empty", nil)
	}

	if len(pattern) > v.maxPatternLength {
		return NewValidationError(fmt.Sprintf("pattern exceeds maximum length of %d characters", v.maxPatternLength), nil)
	}

	for i, r := range pattern {
		if unicode.IsControl(r) {
			return NewValidationError(fmt.Sprintf("pattern contains control character at position %d", i), nil)
		}
	}

	return nil
}

// ValidateValueSize checks a serialized payload against the size bound
func (v *InputValidator) ValidateValueSize(key string, size int) error {
	if size > v.maxValueSize {
		return NewCapacityError(key, fmt.Sprintf("serialized value of %d bytes exceeds maximum of %d bytes", size, v.maxValueSize))
	}
	return nil
}

// ValidateContext validates context for timeout and cancellation
func (v *InputValidator) ValidateContext(ctx context.Context) error {
	if ctx == nil {
		return NewValidationError("context cannot be nil", nil)
	}

	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		return NewValidationError("context is already cancelled", ctx.Err())
	default:
		return nil
	}
}

// ValidateTTL validates time-to-live duration
func (v *InputValidator) ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return NewValidationError("TTL must be positive", nil)
	}

	// Redis expiry is millisecond precision
	if ttl < time.Millisecond {
		return NewValidationError("TTL must be at least 1 millisecond", nil)
	}

	return nil
}

// ValidateLimit validates rate-limit parameters
func (v *InputValidator) ValidateLimit(limit int, window time.Duration) error {
	if limit <= 0 {
		return NewValidationError(fmt.Sprintf("limit must be positive, got %d", limit), nil)
	}

	if window < time.Millisecond {
		return NewValidationError(fmt.Sprintf("window must be at least 1ms, got %v", window), nil)
	}

	return nil
}
