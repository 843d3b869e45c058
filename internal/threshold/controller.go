package threshold

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/robalyx/modguard/internal/database/types/enum"
	"go.uber.org/zap"
)

const (
	// Step is how far one vote moves the threshold.
	Step = 0.01
	// Cooldown is the minimum time between two threshold adjustments of a scope.
	Cooldown = 24 * time.Hour
	// DefaultSessionTTL is how long a feedback session accepts a vote.
	DefaultSessionTTL = 15 * time.Minute
)

var (
	// ErrNotRequester is returned when someone votes on another user's session.
	ErrNotRequester = errors.New("only the user who opened the feedback session can vote")
	// ErrInvalidFeedback is returned for unknown feedback kinds.
	ErrInvalidFeedback = errors.New("invalid feedback kind")
)

// ConfigUpdater applies serialized read-modify-write updates to scope configs.
type ConfigUpdater interface {
	UpdateConfig(ctx context.Context, scopeID string, fn func(cfg *types.ScopeConfig) error) (*types.ScopeConfig, error)
}

// SessionStore keeps feedback sessions until they expire or are consumed.
type SessionStore interface {
	SaveSession(ctx context.Context, session *types.FeedbackSession) error
	LoadSession(ctx context.Context, sessionID string) (*types.FeedbackSession, error)
	ConsumeSession(ctx context.Context, sessionID string) error
}

// Summary describes the effect of one vote.
type Summary struct {
	ScopeID  string
	Kind     enum.Feedback
	Adjusted bool
	Before   float64
	After    float64
	// NextAdjustment is the earliest time another vote can move the threshold.
	NextAdjustment time.Time
	VotesTooWeak   int64
	VotesTooStrict int64
	VotesJustRight int64
}

// Controller adapts scope thresholds from moderator feedback.
type Controller struct {
	configs  ConfigUpdater
	sessions SessionStore
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSessionTTL sets how long sessions stay open.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		c.ttl = ttl
	}
}

// NewController creates a Controller.
func NewController(configs ConfigUpdater, sessions SessionStore, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		configs:  configs,
		sessions: sessions,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		logger:   logger.Named("threshold"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OpenSession starts a feedback session that only requesterID may vote on.
func (c *Controller) OpenSession(ctx context.Context, scopeID, requesterID string) (*types.FeedbackSession, error) {
	now := c.now().UTC()
	session := &types.FeedbackSession{
		ID:          uuid.NewString(),
		ScopeID:     scopeID,
		RequesterID: requesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}

	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open feedback session: %w", err)
	}

	return session, nil
}

// Vote records the feedback of the session's requester and consumes the session.
func (c *Controller) Vote(ctx context.Context, sessionID, voterID string, kind enum.Feedback) (*Summary, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeedback, kind)
	}

	session, err := c.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Expired(c.now()) {
		return nil, types.ErrSessionNotFound
	}

	if session.RequesterID != voterID {
		return nil, ErrNotRequester
	}

	// Consuming first makes a session count at most once
	if err := c.sessions.ConsumeSession(ctx, sessionID); err != nil {
		return nil, err
	}

	summary, err := c.Apply(ctx, session.ScopeID, kind)
	if err != nil {
		// Give the voter another chance
		if saveErr := c.sessions.SaveSession(ctx, session); saveErr != nil {
			c.logger.Warn("Failed to restore feedback session", zap.Error(saveErr))
		}
		return nil, err
	}

	return summary, nil
}

// Apply counts one vote for a scope and adjusts its threshold when the
// cooldown since the previous adjustment has passed.
func (c *Controller) Apply(ctx context.Context, scopeID string, kind enum.Feedback) (*Summary, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeedback, kind)
	}

	now := c.now().UTC()
	summary := &Summary{ScopeID: scopeID, Kind: kind}

	cfg, err := c.configs.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		summary.Before = cfg.Threshold
		summary.After = cfg.Threshold

		switch kind {
		case enum.FeedbackTooWeak:
			cfg.VotesTooWeak++
		case enum.FeedbackTooStrict:
			cfg.VotesTooStrict++
		case enum.FeedbackJustRight:
			cfg.VotesJustRight++
		}

		if cfg.LastVoteTime != nil && now.Sub(*cfg.LastVoteTime) < Cooldown {
			return nil
		}

		cfg.Threshold = Adjust(cfg.Threshold, kind)
		cfg.LastVoteTime = &now

		summary.Adjusted = true
		summary.After = cfg.Threshold

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply feedback: %w", err)
	}

	summary.VotesTooWeak = cfg.VotesTooWeak
	summary.VotesTooStrict = cfg.VotesTooStrict
	summary.VotesJustRight = cfg.VotesJustRight
	if cfg.LastVoteTime != nil {
		summary.NextAdjustment = cfg.LastVoteTime.Add(Cooldown)
	}

	c.logger.Info("Recorded threshold feedback",
		zap.String("scopeID", scopeID),
		zap.String("kind", string(kind)),
		zap.Bool("adjusted", summary.Adjusted),
		zap.Float64("before", summary.Before),
		zap.Float64("after", summary.After))

	return summary, nil
}

// Adjust returns the threshold after one vote of the given kind, clamped to [0, 1].
func Adjust(threshold float64, kind enum.Feedback) float64 {
	switch kind {
	case enum.FeedbackTooWeak:
		threshold -= Step
	case enum.FeedbackTooStrict:
		threshold += Step
	case enum.FeedbackJustRight:
	}

	// Avoid drifting by float rounding after many steps
	return types.ClampThreshold(math.Round(threshold*1e6) / 1e6)
}
