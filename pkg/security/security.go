// Package security provides validation, sanitization, and limits for the etl package.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/durable-etl/pkg/core"
)

// Security limits and configuration
const (
	// MaxEventTypeLength is the maximum length for event types
	MaxEventTypeLength = 255

	// MaxPayloadSize is the maximum size in bytes for an event payload or meta (16MB)
	MaxPayloadSize = 16 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for a queue name before host namespacing.
	// The namespaced name (<host id>__<name>) must fit the 255 byte column.
	MaxQueueNameLength = 255 - MaxHostIDLength - len(QueueNamespaceSeparator)

	// MaxHostIDLength is the maximum length for a host id
	MaxHostIDLength = 64

	// MaxSubtaskKeyLength is the maximum length for subtask keys
	MaxSubtaskKeyLength = 255

	// QueueNamespaceSeparator joins host id and queue name.
	QueueNamespaceSeparator = "__"
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// validHostID matches uuid-like identifiers
var validHostID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-]*$`)

// ValidateQueueName validates a queue name as callers supply it, before
// host namespacing.
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidateHostID validates a host id.
func ValidateHostID(id string) error {
	if id == "" || len(id) > MaxHostIDLength || !validHostID.MatchString(id) {
		return core.ErrInvalidHostID
	}
	return nil
}

// ValidateEventType validates an event type string.
func ValidateEventType(t string) error {
	if t == "" || len(t) > MaxEventTypeLength {
		return core.ErrInvalidEventType
	}
	for _, r := range t {
		if r < 32 || r == 127 {
			return core.ErrInvalidEventType
		}
	}
	return nil
}

// ValidatePayloadSize rejects payloads and meta documents over MaxPayloadSize.
func ValidatePayloadSize(n int) error {
	if n > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

// ValidateSubtaskKey validates a subtask idempotency key.
func ValidateSubtaskKey(key string) error {
	if key == "" || len(key) > MaxSubtaskKeyLength {
		return core.ErrInvalidSubtaskKey
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
