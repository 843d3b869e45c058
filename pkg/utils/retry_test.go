package utils_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/modguard/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTemporary = errors.New("temporary error")
	errFatal     = errors.New("fatal error")
)

func TestWithRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		operation     func() (string, error)
		expectedCalls int
		expectedErr   error
		expectedRes   string
	}{
		{
			name: "succeeds first try",
			operation: func() (string, error) {
				return "success", nil
			},
			expectedCalls: 1,
			expectedErr:   nil,
			expectedRes:   "success",
		},
		{
			name: "succeeds after retries",
			operation: func() func() (string, error) {
				count := 0
				return func() (string, error) {
					count++
					if count < 3 {
						return "", errTemporary
					}
					return "success after retry", nil
				}
			}(),
			expectedCalls: 3,
			expectedErr:   nil,
			expectedRes:   "success after retry",
		},
		{
			name: "fails all retries",
			operation: func() (string, error) {
				return "", errTemporary
			},
			expectedCalls: 4, // Initial + 3 retries
			expectedErr:   errTemporary,
			expectedRes:   "",
		},
		{
			name: "permanent error stops immediately",
			operation: func() (string, error) {
				return "", backoff.Permanent(errFatal)
			},
			expectedCalls: 1,
			expectedErr:   errFatal,
			expectedRes:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			wrappedOp := func() (string, error) {
				calls++
				return tt.operation()
			}

			opts := utils.RetryOptions{
				MaxElapsedTime:  time.Second,
				InitialInterval: 5 * time.Millisecond,
				MaxInterval:     10 * time.Millisecond,
				MaxRetries:      3,
			}

			result, err := utils.WithRetry(t.Context(), wrappedOp, opts)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.expectedRes, result)
			assert.Equal(t, tt.expectedCalls, calls)
		})
	}
}

func TestWithRetryContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	calls := 0

	operation := func() (struct{}, error) {
		calls++
		return struct{}{}, errTemporary
	}

	opts := utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxRetries:      5,
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := utils.WithRetry(ctx, operation, opts)

	require.Error(t, err)
	assert.Less(t, calls, 5)
}

func TestGetClassifierRetryOptions(t *testing.T) {
	t.Parallel()

	opts := utils.GetClassifierRetryOptions()
	assert.Equal(t, 5*time.Second, opts.InitialInterval)
	assert.Positive(t, opts.MaxRetries)
	assert.GreaterOrEqual(t, opts.MaxInterval, opts.InitialInterval)
}
