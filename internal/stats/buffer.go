package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robalyx/modguard/internal/database/types"
	"go.uber.org/zap"
)

// FinalFlushTimeout bounds the flush performed when the flush loop stops.
const FinalFlushTimeout = 30 * time.Second

// Store persists counter deltas by adding them to the stored values.
type Store interface {
	MergeCounters(ctx context.Context, scopeID string, delta *types.Counters) error
}

// shard holds the pending delta of one scope.
type shard struct {
	mu      sync.Mutex
	pending *types.Counters
}

// Buffer accumulates counter deltas in memory until they are flushed.
//
// Every delta is added to its scope and to the global aggregate. A flushed
// delta is only removed from the buffer after the store accepted it, so
// failed flushes lose nothing and increments recorded while a flush is
// running are kept for the next one.
type Buffer struct {
	shards   *xsync.MapOf[string, *shard]
	flushMu  sync.Mutex
	observer func(time.Duration, error)
	logger   *zap.Logger
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithFlushObserver registers a callback invoked after every flush.
func WithFlushObserver(fn func(duration time.Duration, err error)) Option {
	return func(b *Buffer) {
		b.observer = fn
	}
}

// NewBuffer creates an empty Buffer.
func NewBuffer(logger *zap.Logger, opts ...Option) *Buffer {
	b := &Buffer{
		shards:   xsync.NewMapOf[string, *shard](),
		observer: func(time.Duration, error) {},
		logger:   logger.Named("stats_buffer"),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Record adds a delta to the scope and to the global aggregate.
func (b *Buffer) Record(scopeID string, delta *types.Counters) {
	if delta.IsZero() {
		return
	}

	b.add(scopeID, delta)
	if scopeID != types.GlobalScopeID {
		b.add(types.GlobalScopeID, delta)
	}
}

// Pending returns a copy of the unflushed delta of a scope.
func (b *Buffer) Pending(scopeID string) *types.Counters {
	s, ok := b.shards.Load(scopeID)
	if !ok {
		return types.NewCounters()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Clone()
}

// Flush merges every pending delta into the store. Scopes that fail keep
// their delta for the next flush; the errors are joined.
func (b *Buffer) Flush(ctx context.Context, store Store) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	start := time.Now()

	var (
		errs    []error
		flushed int
	)

	b.shards.Range(func(scopeID string, s *shard) bool {
		s.mu.Lock()
		snapshot := s.pending.Clone()
		s.mu.Unlock()

		if snapshot.IsZero() {
			return true
		}

		if err := store.MergeCounters(ctx, scopeID, snapshot); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scopeID, err))
			return true
		}

		s.mu.Lock()
		s.pending.Subtract(snapshot)
		s.mu.Unlock()

		flushed++

		return true
	})

	err := errors.Join(errs...)
	b.observer(time.Since(start), err)

	if err != nil {
		b.logger.Warn("Flush incomplete, keeping deltas for next cycle",
			zap.Int("flushed", flushed),
			zap.Int("failed", len(errs)),
			zap.Error(err))
		return err
	}

	if flushed > 0 {
		b.logger.Debug("Flushed counters", zap.Int("scopes", flushed))
	}

	return nil
}

// ResetWith drops every pending delta and runs reset while no flush can run,
// so counts recorded before the reset never reach the store after it.
func (b *Buffer) ResetWith(ctx context.Context, reset func(ctx context.Context) error) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.discardLocked()

	return reset(ctx)
}

// Run flushes on every tick until ctx is cancelled, then flushes once more
// with a fresh bounded context.
func (b *Buffer) Run(ctx context.Context, store Store, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("Started counter flush loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FinalFlushTimeout)
			defer cancel()

			if err := b.Flush(flushCtx, store); err != nil {
				return fmt.Errorf("final flush failed: %w", err)
			}

			b.logger.Info("Stopped counter flush loop")
			return nil
		case <-ticker.C:
			// Failures are retried on the next tick
			_ = b.Flush(ctx, store)
		}
	}
}

func (b *Buffer) add(scopeID string, delta *types.Counters) {
	s, _ := b.shards.LoadOrCompute(scopeID, func() *shard {
		return &shard{pending: types.NewCounters()}
	})

	s.mu.Lock()
	s.pending.Add(delta)
	s.mu.Unlock()
}

func (b *Buffer) discardLocked() {
	b.shards.Range(func(_ string, s *shard) bool {
		s.mu.Lock()
		s.pending = types.NewCounters()
		s.mu.Unlock()
		return true
	})
}
