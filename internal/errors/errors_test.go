package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"not found", NotFound("approval_task", 7), ErrCodeNotFound},
		{"invalid input", InvalidInput("comment", "required"), ErrCodeInvalidInput},
		{"forbidden", Forbidden("nope"), ErrCodeForbidden},
		{"conflict", Conflict("stale"), ErrCodeConflict},
		{"wrapped by fmt", fmt.Errorf("approve: %w", Conflict("stale")), ErrCodeConflict},
		{"plain error", stderrors.New("boom"), ErrCodeInternal},
		{"nil", nil, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	assert.True(t, Is(NotFound("user", 1), ErrCodeNotFound))
	assert.False(t, Is(NotFound("user", 1), ErrCodeConflict))
	assert.False(t, Is(nil, ErrCodeInternal))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))

	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to load task")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to load task: connection reset", err.Error())
}

func TestAppError_Message(t *testing.T) {
	assert.Equal(t, "approval_task not found: 7", NotFound("approval_task", 7).Error())
	assert.Equal(t, "comment: required", InvalidInput("comment", "required").Error())
}
