package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DefaultConfirmationTTL is how long a reset request waits for confirmation.
const DefaultConfirmationTTL = 2 * time.Minute

var (
	ErrNotOwner           = errors.New("only bot owners can reset counters")
	ErrNoPendingRequest   = errors.New("no pending reset request")
	ErrConfirmationFailed = errors.New("confirmation code does not match")
)

// CounterStore zeroes every persisted counter.
type CounterStore interface {
	ResetAllCounters(ctx context.Context) error
}

// PendingCounters drops buffered deltas while reset runs.
type PendingCounters interface {
	ResetWith(ctx context.Context, reset func(ctx context.Context) error) error
}

// Confirmation is an outstanding reset request.
type Confirmation struct {
	Code      string
	OwnerID   string
	ExpiresAt time.Time
}

// Resetter guards the counter reset behind an explicit confirmation step.
type Resetter struct {
	store    CounterStore
	pending  PendingCounters
	owners   []string
	requests *xsync.MapOf[string, Confirmation]
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewResetter creates a Resetter for the given owners.
func NewResetter(store CounterStore, pending PendingCounters, owners []string, logger *zap.Logger) *Resetter {
	return &Resetter{
		store:    store,
		pending:  pending,
		owners:   owners,
		requests: xsync.NewMapOf[string, Confirmation](),
		ttl:      DefaultConfirmationTTL,
		now:      time.Now,
		logger:   logger.Named("admin_reset"),
	}
}

// IsOwner reports whether userID may reset counters.
func (r *Resetter) IsOwner(userID string) bool {
	return slices.Contains(r.owners, userID)
}

// Request starts a reset and returns the code that must be confirmed.
// A new request replaces any earlier one of the same owner.
func (r *Resetter) Request(ownerID string) (*Confirmation, error) {
	if !r.IsOwner(ownerID) {
		return nil, ErrNotOwner
	}

	confirmation := Confirmation{
		Code:      uuid.NewString(),
		OwnerID:   ownerID,
		ExpiresAt: r.now().Add(r.ttl),
	}
	r.requests.Store(ownerID, confirmation)

	r.logger.Info("Counter reset requested", zap.String("ownerID", ownerID))

	return &confirmation, nil
}

// Cancel drops the pending request of an owner.
func (r *Resetter) Cancel(ownerID string) {
	r.requests.Delete(ownerID)
}

// Confirm executes the reset if code matches the owner's pending request.
// Buffered deltas are discarded so nothing recorded before the reset is flushed after it.
func (r *Resetter) Confirm(ctx context.Context, ownerID, code string) error {
	if !r.IsOwner(ownerID) {
		return ErrNotOwner
	}

	confirmation, ok := r.requests.LoadAndDelete(ownerID)
	if !ok || r.now().After(confirmation.ExpiresAt) {
		return ErrNoPendingRequest
	}

	if confirmation.Code != code {
		return ErrConfirmationFailed
	}

	if err := r.pending.ResetWith(ctx, r.store.ResetAllCounters); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	r.logger.Warn("Counters reset", zap.String("ownerID", ownerID))

	return nil
}
