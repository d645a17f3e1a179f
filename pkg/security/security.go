package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/job-reliability/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobTypeNameLength is the maximum length for job type names
	MaxJobTypeNameLength = 255

	// MaxJobArgsSize is the maximum size in bytes for job arguments (1MB)
	MaxJobArgsSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for queue and area names
	MaxQueueNameLength = 255

	// MaxIdempotencyKeyLength is the maximum length for Idempotency-Key values
	MaxIdempotencyKeyLength = 255

	// MaxPrincipalLength is the maximum length for principals
	MaxPrincipalLength = 255

	// MaxJustificationLength is the maximum stored length of a replay justification
	MaxJustificationLength = 2000

	// MaxPageSize bounds list and peek queries
	MaxPageSize = 1000

	// MaxReplayBatch bounds a single replay request
	MaxReplayBatch = 10000
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobTypeName validates a job type name
func ValidateJobTypeName(name string) error {
	if name == "" {
		return core.ErrInvalidJobTypeName
	}
	if len(name) > MaxJobTypeNameLength {
		return core.ErrJobTypeNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// ValidateQueueName validates a queue name
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

// ValidateArea validates a dead-letter area name
func ValidateArea(area string) error {
	if area == "" || len(area) > MaxQueueNameLength || !validName.MatchString(area) {
		return core.ErrInvalidArea
	}
	return nil
}

// ValidateIdempotencyKey accepts 1-255 bytes of printable ASCII.
func ValidateIdempotencyKey(key string) error {
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return core.ErrInvalidIdempotencyKey
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return core.ErrInvalidIdempotencyKey
		}
	}
	return nil
}

// ValidatePrincipal accepts 1-255 bytes of valid UTF-8 without control characters.
func ValidatePrincipal(principal string) error {
	if principal == "" || len(principal) > MaxPrincipalLength || !utf8.ValidString(principal) {
		return core.ErrInvalidPrincipal
	}
	for _, r := range principal {
		if r < 32 || r == 127 {
			return core.ErrInvalidPrincipal
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	return sanitize(msg, MaxErrorMessageLength, true)
}

// SanitizeJustification trims an operator justification, strips control
// characters other than newlines and truncates it for storage.
func SanitizeJustification(s string) string {
	return strings.TrimSpace(sanitize(strings.TrimSpace(s), MaxJustificationLength, false))
}

func sanitize(msg string, limit int, keepTabs bool) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		switch {
		case r == '\n' || r == '\r':
			sanitized.WriteRune(r)
		case r == '\t' && keepTabs:
			sanitized.WriteRune(r)
		case r == '\t':
			sanitized.WriteByte(' ')
		case r >= 32 && r != 127:
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	return clamp(n, 0, MaxRetries)
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	return clamp(n, 1, MaxConcurrency)
}

// ClampPageSize bounds list limits, using def for values <= 0.
func ClampPageSize(n, def int) int {
	if n <= 0 {
		n = def
	}
	return clamp(n, 1, MaxPageSize)
}

// ClampReplayBatch bounds the number of messages one replay may publish.
func ClampReplayBatch(n int) int {
	return clamp(n, 0, MaxReplayBatch)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
