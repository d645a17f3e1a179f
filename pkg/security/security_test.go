package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/job-reliability/pkg/core"
)

func TestValidateJobTypeName(t *testing.T) {
	for _, name := range []string{"send-email", "generateReport", "task_1", "a", "cam.toolpath", "Model_V2"} {
		assert.NoError(t, ValidateJobTypeName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",                       // empty
		"123-task",               // starts with number
		"-task",                  // starts with hyphen
		"task with spaces",       // contains spaces
		"task@email",             // contains special char
		"task/subtask",           // contains slash
		strings.Repeat("a", 300), // too long
	}
	for _, name := range invalid {
		assert.Error(t, ValidateJobTypeName(name), "expected %q to be invalid", name)
	}
	assert.ErrorIs(t, ValidateJobTypeName(strings.Repeat("a", 300)), core.ErrJobTypeNameTooLong)
}

func TestValidateQueueName(t *testing.T) {
	for _, name := range []string{"default", "quick", "simulation", "high-priority", "emails_v2"} {
		assert.NoError(t, ValidateQueueName(name), "expected %q to be valid", name)
	}
	assert.ErrorIs(t, ValidateQueueName(""), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName("queue with spaces"), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName(strings.Repeat("q", 300)), core.ErrQueueNameTooLong)
}

func TestValidateArea(t *testing.T) {
	assert.NoError(t, ValidateArea("model.dlq"))
	assert.ErrorIs(t, ValidateArea(""), core.ErrInvalidArea)
	assert.ErrorIs(t, ValidateArea("../etc"), core.ErrInvalidArea)
}

func TestValidateIdempotencyKey(t *testing.T) {
	assert.NoError(t, ValidateIdempotencyKey("9f1c2b6e-5c8d-4b7e-a1f0-2d3e4f5a6b7c"))
	assert.NoError(t, ValidateIdempotencyKey("order:42:create"))

	for _, key := range []string{"", "has space", "tab\tkey", "ünïcode", strings.Repeat("k", 256)} {
		assert.ErrorIs(t, ValidateIdempotencyKey(key), core.ErrInvalidIdempotencyKey, "key %q", key)
	}
}

func TestValidatePrincipal(t *testing.T) {
	assert.NoError(t, ValidatePrincipal("user:42"))
	assert.NoError(t, ValidatePrincipal("org/Bücher GmbH"))

	for _, p := range []string{"", "nul\x00byte", "\xff\xfe", strings.Repeat("p", 256)} {
		assert.ErrorIs(t, ValidatePrincipal(p), core.ErrInvalidPrincipal, "principal %q", p)
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal message", "connection refused", "connection refused"},
		{"message with newlines", "error on\nline 2", "error on\nline 2"},
		{"message with tabs", "col\tvalue", "col\tvalue"},
		{"message with null bytes", "error\x00with\x00nulls", "errorwithnulls"},
		{"empty message", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeErrorMessage(tt.input))
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	result := SanitizeErrorMessage(strings.Repeat("a", 5000))

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestSanitizeJustification(t *testing.T) {
	assert.Equal(t, "fix", SanitizeJustification("  fix \n"))
	assert.Equal(t, "upstream fixed INC-42", SanitizeJustification("upstream\tfixed\x00 INC-42"))
	assert.Equal(t, "line one\nline two", SanitizeJustification("line one\nline two"))

	long := SanitizeJustification(strings.Repeat("j", MaxJustificationLength+10))
	assert.Equal(t, MaxJustificationLength, len(long))
}

func TestClampRetries(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 0},
		{0, 0},
		{5, 5},
		{100, 100},
		{101, 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClampRetries(tt.input), "ClampRetries(%d)", tt.input)
	}
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, ClampConcurrency(-1))
	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 10, ClampConcurrency(10))
	assert.Equal(t, 1000, ClampConcurrency(5000))
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, 50, ClampPageSize(0, 50))
	assert.Equal(t, 50, ClampPageSize(-3, 50))
	assert.Equal(t, 7, ClampPageSize(7, 50))
	assert.Equal(t, MaxPageSize, ClampPageSize(1_000_000, 50))
}

func TestClampReplayBatch(t *testing.T) {
	assert.Equal(t, 0, ClampReplayBatch(-1))
	assert.Equal(t, 25, ClampReplayBatch(25))
	assert.Equal(t, MaxReplayBatch, ClampReplayBatch(MaxReplayBatch+1))
}
