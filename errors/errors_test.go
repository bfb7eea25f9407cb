package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("error"), "Job ID: abc")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: abc", details[0])
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "job abc")

	wrapped := Wrap(err, "get status")
	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("something else")))
}

func TestInvalidRequest(t *testing.T) {
	err := NewInvalidRequestError("agent_id is required")
	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsNotFoundError(err))
}

func TestConflict(t *testing.T) {
	err := NewConflictError("agent %s has a deployment in progress", "a1")
	assert.True(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "a1")
}

func TestMarkTransient(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))

	base := fmt.Errorf("registry unavailable")
	err := MarkTransient(base)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "registry unavailable", err.Error())

	// marks survive wrapping
	assert.True(t, IsTransient(Wrap(err, "build")))
	assert.False(t, IsTransient(base))
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("missing required field: %s", "name")
	assert.True(t, Is(err, ErrValidationFailed))
	assert.Equal(t, "missing required field: name", err.Error())
	assert.False(t, IsTransient(err))
}

func TestStageSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrValidationFailed, ErrTransientInfra, ErrDeployFailed, ErrHealthCheckTimeout, ErrCancelled}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), "%v should not match %v", a, b)
		}
	}
}
