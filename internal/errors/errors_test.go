package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfExtractsFromChain(t *testing.T) {
	base := NotFound("approval_request", "req-1")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, ErrCodeNotFound, CodeOf(base))
	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeNotFound))
	assert.False(t, HasCode(wrapped, ErrCodeConflict))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain error")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to query approvals")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to query approvals")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConstructors(t *testing.T) {
	err := InvalidInput("amount", "must be positive")
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(err))
	assert.Contains(t, err.Error(), "amount")

	err = InvalidState("run %s is %s", "run-1", "locked")
	assert.Equal(t, ErrCodeInvalidState, CodeOf(err))

	err = ConcurrentModification("approval_request", "req-1")
	assert.Equal(t, ErrCodeConflict, CodeOf(err))

	err = Unauthorized("not an approver")
	assert.Equal(t, ErrCodeUnauthorized, CodeOf(err))

	require.Equal(t, ErrCodeNotFound, CodeOf(NotFound("payroll_run", "r-1")))
}
