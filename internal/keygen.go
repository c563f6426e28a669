package internal

import (
	"fmt"
	"regexp"
	"strings"
)

const keySeparator = ":"

// KeyGenerator defines the interface for generating and validating cache keys
type KeyGenerator interface {
	Key(logical string) string
	Logical(namespaced string) string
	Pattern(logicalPattern string) string
	SessionKey(sessionID string) string
	UserSessionsKey(userID string) string
	RateLimitKey(identifier string) string
	ValidateKey(key string) error
}

// DefaultKeyGenerator namespaces logical keys with an environment prefix
type DefaultKeyGenerator struct {
	prefix string
}

// NewKeyGenerator creates a new DefaultKeyGenerator instance
func NewKeyGenerator(prefix string) KeyGenerator {
	return &DefaultKeyGenerator{prefix: prefix}
}

// Key returns the namespaced store key for a logical key
func (kg *DefaultKeyGenerator) Key(logical string) string {
	return kg.prefix + logical
}

// Logical strips the namespace from a store key
func (kg *DefaultKeyGenerator) Logical(namespaced string) string {
	return strings.TrimPrefix(namespaced, kg.prefix)
}

// Pattern returns the namespaced glob for a logical pattern. Glob
// metacharacters in the prefix itself are escaped so a pattern can never
// reach outside its namespace.
func (kg *DefaultKeyGenerator) Pattern(logicalPattern string) string {
	return escapeGlob(kg.prefix) + logicalPattern
}

// SessionKey generates a cache key for a session
// Format: session:<session_id>
func (kg *DefaultKeyGenerator) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// UserSessionsKey generates the key of a user's session index
// Format: sessions:user:<user_id>
func (kg *DefaultKeyGenerator) UserSessionsKey(userID string) string {
	return fmt.Sprintf("sessions:user:%s", userID)
}

// RateLimitKey generates the key of a rate-limit window
// Format: ratelimit:<identifier>
func (kg *DefaultKeyGenerator) RateLimitKey(identifier string) string {
	return fmt.Sprintf("ratelimit:%s", identifier)
}

// ValidateKey validates that a logical cache key is safe to send to the store
func (kg *DefaultKeyGenerator) ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	// Check for control characters and whitespace
	for i, r := range key {
		if r < 32 || r == 127 || r == ' ' {
			return fmt.Errorf("key contains control or whitespace character at position %d: %q", i, key)
		}
	}

	if strings.HasPrefix(key, keySeparator) || strings.HasSuffix(key, keySeparator) {
		return fmt.Errorf("key cannot start or end with '%s': %s", keySeparator, key)
	}

	// Check maximum key length of the namespaced form
	if len(kg.prefix)+len(key) > 250 {
		return fmt.Errorf("key exceeds maximum length of 250 characters")
	}

	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12}$`)
	digitSegment   = regexp.MustCompile(`\d`)
)

// IsIdentifierSegment reports whether a key segment looks like an id:
// numeric, UUID-like or containing any digit.
func IsIdentifierSegment(segment string) bool {
	return numericSegment.MatchString(segment) ||
		uuidSegment.MatchString(segment) ||
		digitSegment.MatchString(segment)
}

// KeyPattern reduces a logical key to its metric pattern. The leading
// entity-type segment is always kept; later segments that look like ids
// become "*". "event:123" -> "event:*", "user:profile:456" -> "user:profile:*".
func KeyPattern(key string) string {
	if key == "" {
		return key
	}

	segments := strings.Split(key, keySeparator)
	for i := 1; i < len(segments); i++ {
		if IsIdentifierSegment(segments[i]) {
			segments[i] = "*"
		}
	}

	return strings.Join(segments, keySeparator)
}
