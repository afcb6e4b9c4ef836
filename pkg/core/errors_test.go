package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoRetryError(t *testing.T) {
	originalErr := errors.New("permanent failure")
	wrapped := NoRetry(originalErr)

	var noRetryErr *NoRetryError
	assert.True(t, errors.As(wrapped, &noRetryErr))
	assert.Equal(t, originalErr, noRetryErr.Unwrap())
	assert.Contains(t, noRetryErr.Error(), "no retry")
	assert.Contains(t, noRetryErr.Error(), "permanent failure")
}

func TestRetryAfterError(t *testing.T) {
	originalErr := errors.New("temporary failure")
	delay := 5 * time.Second
	wrapped := RetryAfter(delay, originalErr)

	var retryErr *RetryAfterError
	assert.True(t, errors.As(wrapped, &retryErr))
	assert.Equal(t, originalErr, retryErr.Unwrap())
	assert.Equal(t, delay, retryErr.Delay)
	assert.Contains(t, retryErr.Error(), "retry after")
	assert.Contains(t, retryErr.Error(), "5s")
}

func TestExitError(t *testing.T) {
	err := fmt.Errorf("delivery: %w", &ExitError{EtlContextID: 42, Code: ExitWorkerThrewError})

	var exitErr *ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitWorkerThrewError, exitErr.Code)
	assert.Contains(t, err.Error(), "context 42")
	assert.Contains(t, err.Error(), "WORKER_THREW_ERROR")
}

func TestErrorVariables(t *testing.T) {
	assert.Contains(t, ErrInvalidFirstEvent.Error(), ":INITIAL")
	assert.Contains(t, ErrDuplicateInitialEvent.Error(), "already has")
	assert.Contains(t, ErrContextAlreadyFinalized.Error(), ":FINAL")
	assert.Contains(t, ErrNestedTransactionNotSupported.Error(), "nested")
	assert.Contains(t, ErrJobNotOwned.Error(), "not owned")

	wrapped := fmt.Errorf("%w: worker ref", ErrInvalidTaskDescriptor)
	assert.ErrorIs(t, wrapped, ErrInvalidTaskDescriptor)
}
