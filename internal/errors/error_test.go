package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError_Error(t *testing.T) {
	err := New(ErrorTypeInvalidInput, "search", "k must be positive")
	assert.Equal(t, "[invalid_input] search: k must be positive", err.Error())

	cause := stderrors.New("disk full")
	err = Wrap(cause, ErrorTypeCorrupt, "save", "failed to encode")
	assert.Contains(t, err.Error(), "[corrupt] save: failed to encode")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeAllocation, "get_buffer", "device full").
		WithContext("device", 1).
		WithContext("size", 4096)

	assert.Equal(t, 1, err.Context["device"])
	assert.Equal(t, 4096, err.Context["size"])
}

func TestIsMatchesOnType(t *testing.T) {
	err := DimensionMismatch("add", 3, 4)
	assert.True(t, Is(err, ErrDimensionMismatch))
	assert.False(t, Is(err, ErrDuplicateID))

	wrapped := fmt.Errorf("batch 7: %w", err)
	assert.True(t, Is(wrapped, ErrDimensionMismatch))

	var se *StructuredError
	require.True(t, As(wrapped, &se))
	assert.Equal(t, 3, se.Context["expected"])
	assert.Equal(t, 4, se.Context["actual"])
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *StructuredError
		target error
	}{
		{DimensionMismatch("op", 1, 2), ErrDimensionMismatch},
		{DuplicateID("op", 9), ErrDuplicateID},
		{InvalidInput("op", "msg"), ErrInvalidInput},
		{InvalidPath("op", "../x", "traversal"), ErrInvalidPath},
		{Allocation("op", "msg"), ErrAllocation},
		{UnsupportedBackend("op", "faiss"), ErrUnsupportedBackend},
		{Corrupt("op", "msg"), ErrCorrupt},
		{LockRecovered("op"), ErrLockRecovered},
		{EmptyIndex("op"), ErrEmptyIndex},
		{Internal("op", stderrors.New("boom")), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.target)
			assert.Equal(t, "op", tt.err.Operation)
			assert.NotEmpty(t, tt.err.Stack)
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeCorrupt, "op", "msg"))
	assert.Nil(t, Internal("op", nil))
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(Allocation("op", "oom")))
	assert.True(t, IsRecoverable(fmt.Errorf("ctx: %w", LockRecovered("op"))))
	assert.False(t, IsRecoverable(Corrupt("op", "bad")))
	assert.False(t, IsRecoverable(stderrors.New("plain")))
	assert.Equal(t, ErrorType(""), TypeOf(stderrors.New("plain")))
}
