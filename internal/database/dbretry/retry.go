package dbretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/modguard/pkg/utils"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// options bounds every storage retry. Counter flushes run on an interval,
// so a short budget is enough and the next cycle picks up anything left.
var options = utils.RetryOptions{
	MaxElapsedTime:  20 * time.Second,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     4 * time.Second,
	MaxRetries:      4,
}

// retryableClasses are SQLSTATE classes worth another attempt.
var retryableClasses = map[string]bool{
	"08": true, // connection exception
	"40": true, // transaction rollback, serialization failure, deadlock
	"53": true, // insufficient resources
	"57": true, // operator intervention, shutdowns
}

// retryableCodes are single SQLSTATE codes outside the classes above.
var retryableCodes = map[string]bool{
	"55006": true, // object_in_use
	"55P03": true, // lock_not_available
}

// IsRetryableError reports whether err is a transient storage failure.
// Cancellation of the caller's context is never retryable.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		if len(code) == 5 && retryableClasses[code[:2]] {
			return true
		}
		return retryableCodes[code]
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Operation runs a query returning a result, retrying transient failures.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var lastErr error

	result, err := utils.WithRetry(ctx, func() (T, error) {
		result, err := operation(ctx)
		if err != nil {
			if !IsRetryableError(err) {
				return result, backoff.Permanent(err)
			}
			lastErr = err
		}
		return result, err
	}, options)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil {
			return result, fmt.Errorf("database operation interrupted: %w (last error: %w)", ctxErr, lastErr)
		}
		return result, fmt.Errorf("database operation failed: %w", err)
	}

	return result, nil
}

// NoResult runs a statement without a result, retrying transient failures.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	_, err := Operation(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// Transaction runs fn inside a transaction. A transient failure rolls the
// whole transaction back and runs fn again from the start.
func Transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, fn)
	})
}
