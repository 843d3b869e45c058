package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// slowQueryThreshold is the duration after which a successful query is logged as slow.
const slowQueryThreshold = time.Second

// Hook implements bun.QueryHook interface for logging queries with zap.
//
// Formatted query text is only logged for reads. Writes carry their
// arguments inline, including per-scope API keys.
type Hook struct {
	logger *zap.Logger
}

// NewHook creates a new Hook with zap logger.
func NewHook(logger *zap.Logger) *Hook {
	return &Hook{logger: logger.Named("db_query")}
}

// BeforeQuery is a no-op; timing comes from the query event.
func (h *Hook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery logs failed and slow queries.
func (h *Hook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	operation := event.Operation()

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Duration("duration", duration),
	}
	if operation == "SELECT" {
		fields = append(fields, zap.String("query", event.Query))
	}

	switch {
	case errors.Is(event.Err, sql.ErrNoRows):
		// Lookups of scopes that have no row yet
		h.logger.Debug("Query returned no rows", fields...)
	case event.Err != nil:
		h.logger.Error("Query failed", append(fields, zap.Error(event.Err))...)
	case duration > slowQueryThreshold:
		h.logger.Warn("Slow query", fields...)
	default:
		h.logger.Debug("Query executed", fields...)
	}
}
