package dbretry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/robalyx/modguard/internal/database/dbretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "wrapped canceled", err: fmt.Errorf("query: %w", context.Canceled), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: true},
		{name: "connection reset", err: fmt.Errorf("write: %w", syscall.ECONNRESET), want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "net timeout", err: timeoutError{}, want: true},
		{name: "plain error", err: errors.New("syntax error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, dbretry.IsRetryableError(tt.err))
		})
	}
}

func TestOperationRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	result, err := dbretry.Operation(t.Context(), func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, io.ErrUnexpectedEOF
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, attempts)
}

func TestOperationStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	errSyntax := errors.New("syntax error")
	attempts := 0
	err := dbretry.NoResult(t.Context(), func(context.Context) error {
		attempts++
		return errSyntax
	})

	require.ErrorIs(t, err, errSyntax)
	assert.Equal(t, 1, attempts)
}

func TestOperationInterruptedKeepsLastError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	err := dbretry.NoResult(ctx, func(context.Context) error {
		cancel()
		return io.ErrUnexpectedEOF
	})

	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
