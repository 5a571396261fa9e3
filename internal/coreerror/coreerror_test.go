package coreerror

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOfUnwrapsWrappedError(t *testing.T) {
	base := New(Transient, "dial failed", errors.New("connection refused"))
	wrapped := fmt.Errorf("announce: %w", base)

	cat, ok := CategoryOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, Transient, cat)
}

func TestCategoryOfFalseForPlainError(t *testing.T) {
	_, ok := CategoryOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorMessageIncludesCauseAndCategory(t *testing.T) {
	err := New(Unrecoverable, "checkpoint corrupt", errors.New("crc mismatch"))
	msg := err.Error()
	assert.Contains(t, msg, "unrecoverable")
	assert.Contains(t, msg, "checkpoint corrupt")
	assert.Contains(t, msg, "crc mismatch")
}

func TestMalformedTruncatesInputTo200Bytes(t *testing.T) {
	input := []byte(strings.Repeat("a", 500))
	err := Malformed("bad bencode", input)
	assert.Equal(t, MalformedInput, err.Category)
	assert.LessOrEqual(t, len(err.Message), 250)
}

func TestCategoryStringUnknown(t *testing.T) {
	assert.Equal(t, "unknown", Category(99).String())
}
