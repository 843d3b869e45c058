package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robalyx/modguard/internal/database/types"
	"go.uber.org/zap"
)

// DefaultConfigCacheTTL is how long a loaded scope config is served from memory.
const DefaultConfigCacheTTL = 30 * time.Second

// Backend is the durable store behind the Gateway.
// Implementations must apply SaveConfig, MergeCounters and ResetCounters atomically.
type Backend interface {
	// LoadConfig returns types.ErrScopeNotFound for scopes that were never saved.
	LoadConfig(ctx context.Context, scopeID string) (*types.ScopeConfig, error)
	SaveConfig(ctx context.Context, cfg *types.ScopeConfig) error
	ScopeIDs(ctx context.Context) ([]string, error)
	LoadCounters(ctx context.Context, scopeID string) (*types.Counters, error)
	// MergeCounters adds delta to the stored counters of a scope.
	MergeCounters(ctx context.Context, scopeID string, delta *types.Counters) error
	// ResetCounters zeroes the counters of every scope.
	ResetCounters(ctx context.Context) error
	Close() error
}

// cachedConfig is a scope config together with the time it was loaded.
type cachedConfig struct {
	config   *types.ScopeConfig
	loadedAt time.Time
}

// Gateway provides typed access to scope configs and counters.
// Config writes are serialized per scope.
type Gateway struct {
	backend  Backend
	locks    *xsync.MapOf[string, *sync.Mutex]
	cache    *xsync.MapOf[string, cachedConfig]
	cacheTTL time.Duration
	logger   *zap.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithConfigCacheTTL sets how long configs are cached. Zero disables caching.
func WithConfigCacheTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.cacheTTL = ttl
	}
}

// NewGateway creates a Gateway over the given backend.
func NewGateway(backend Backend, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend:  backend,
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		cache:    xsync.NewMapOf[string, cachedConfig](),
		cacheTTL: DefaultConfigCacheTTL,
		logger:   logger.Named("gateway"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Config returns the configuration of a scope, creating it with defaults
// the first time the scope is seen. The returned value is a copy.
func (g *Gateway) Config(ctx context.Context, scopeID string) (*types.ScopeConfig, error) {
	if err := validateScope(scopeID); err != nil {
		return nil, err
	}

	if cfg, ok := g.cached(scopeID); ok {
		return cfg, nil
	}

	mu := g.lock(scopeID)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := g.loadOrCreate(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	return cfg.Clone(), nil
}

// UpdateConfig applies fn to the scope config and persists the result.
// fn runs while the scope lock is held and must not call back into the Gateway.
// The threshold is clamped afterwards and the last vote time never moves backwards.
func (g *Gateway) UpdateConfig(
	ctx context.Context, scopeID string, fn func(cfg *types.ScopeConfig) error,
) (*types.ScopeConfig, error) {
	if err := validateScope(scopeID); err != nil {
		return nil, err
	}

	mu := g.lock(scopeID)
	mu.Lock()
	defer mu.Unlock()

	current, err := g.loadOrCreate(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	updated.ScopeID = scopeID
	updated.Normalize()

	if current.LastVoteTime != nil &&
		(updated.LastVoteTime == nil || updated.LastVoteTime.Before(*current.LastVoteTime)) {
		t := *current.LastVoteTime
		updated.LastVoteTime = &t
	}

	if err := g.backend.SaveConfig(ctx, updated); err != nil {
		// The stored value is unknown now, force a reload next time
		g.cache.Delete(scopeID)
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	g.store(updated)

	return updated.Clone(), nil
}

// SetModerationEnabled toggles automated moderation for a scope.
func (g *Gateway) SetModerationEnabled(ctx context.Context, scopeID string, enabled bool) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.ModerationEnabled = enabled
		return nil
	})
	return err
}

// SetThreshold stores a new threshold and returns the clamped value that was saved.
func (g *Gateway) SetThreshold(ctx context.Context, scopeID string, threshold float64) (float64, error) {
	cfg, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.Threshold = types.ClampThreshold(threshold)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cfg.Threshold, nil
}

// SetTimeoutMinutes sets the timeout applied to violators. Zero disables timeouts
// and values above types.MaxTimeoutMinutes are rejected.
func (g *Gateway) SetTimeoutMinutes(ctx context.Context, scopeID string, minutes int) error {
	if minutes < 0 || minutes > types.MaxTimeoutMinutes {
		return fmt.Errorf("%w: %d", types.ErrInvalidTimeout, minutes)
	}

	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.TimeoutMinutes = minutes
		return nil
	})
	return err
}

// SetLogChannel sets the channel that receives violation reports.
func (g *Gateway) SetLogChannel(ctx context.Context, scopeID string, channelID string) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.LogChannelID = channelID
		return nil
	})
	return err
}

// ClearLogChannel stops sending violation reports.
func (g *Gateway) ClearLogChannel(ctx context.Context, scopeID string) error {
	return g.SetLogChannel(ctx, scopeID, "")
}

// SetDeleteOnViolation toggles deletion of flagged messages.
func (g *Gateway) SetDeleteOnViolation(ctx context.Context, scopeID string, enabled bool) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.DeleteOnViolation = enabled
		return nil
	})
	return err
}

// AddWhitelistedChannel excludes a channel from moderation.
func (g *Gateway) AddWhitelistedChannel(ctx context.Context, scopeID string, channelID string) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		if !slices.Contains(cfg.WhitelistedChannels, channelID) {
			cfg.WhitelistedChannels = append(cfg.WhitelistedChannels, channelID)
		}
		return nil
	})
	return err
}

// RemoveWhitelistedChannel moderates a previously excluded channel again.
func (g *Gateway) RemoveWhitelistedChannel(ctx context.Context, scopeID string, channelID string) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.WhitelistedChannels = slices.DeleteFunc(cfg.WhitelistedChannels, func(id string) bool {
			return id == channelID
		})
		return nil
	})
	return err
}

// SetDebug toggles debug logging of processed events.
func (g *Gateway) SetDebug(ctx context.Context, scopeID string, enabled bool) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.Debug = enabled
		return nil
	})
	return err
}

// SetAPIKey stores a classifier credential used only by this scope.
func (g *Gateway) SetAPIKey(ctx context.Context, scopeID string, apiKey string) error {
	_, err := g.UpdateConfig(ctx, scopeID, func(cfg *types.ScopeConfig) error {
		cfg.APIKey = apiKey
		return nil
	})
	return err
}

// ClearAPIKey makes the scope fall back to the process-wide credential.
func (g *Gateway) ClearAPIKey(ctx context.Context, scopeID string) error {
	return g.SetAPIKey(ctx, scopeID, "")
}

// Scopes returns the ids of every configured scope.
func (g *Gateway) Scopes(ctx context.Context) ([]string, error) {
	ids, err := g.backend.ScopeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	return ids, nil
}

// Counters returns the persisted counters of a scope or of the global aggregate.
func (g *Gateway) Counters(ctx context.Context, scopeID string) (*types.Counters, error) {
	if scopeID == "" {
		return nil, ErrEmptyScope
	}

	counters, err := g.backend.LoadCounters(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	return counters, nil
}

// MergeCounters adds delta to the persisted counters of a scope.
func (g *Gateway) MergeCounters(ctx context.Context, scopeID string, delta *types.Counters) error {
	if scopeID == "" {
		return ErrEmptyScope
	}

	if delta.IsZero() {
		return nil
	}

	if err := g.backend.MergeCounters(ctx, scopeID, delta); err != nil {
		return fmt.Errorf("failed to merge counters for scope %s: %w", scopeID, err)
	}
	return nil
}

// ResetAllCounters zeroes the counters of every scope.
// Callers are responsible for confirming the operation first.
func (g *Gateway) ResetAllCounters(ctx context.Context) error {
	if err := g.backend.ResetCounters(ctx); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	g.logger.Warn("All counters were reset")

	return nil
}

// Close closes the underlying backend.
func (g *Gateway) Close() error {
	return g.backend.Close()
}

// loadOrCreate must be called with the scope lock held.
func (g *Gateway) loadOrCreate(ctx context.Context, scopeID string) (*types.ScopeConfig, error) {
	cfg, err := g.backend.LoadConfig(ctx, scopeID)
	if err == nil {
		cfg.Normalize()
		g.store(cfg)
		return cfg, nil
	}

	if !errors.Is(err, types.ErrScopeNotFound) {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg = types.NewScopeConfig(scopeID)
	if err := g.backend.SaveConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to create default config: %w", err)
	}

	g.logger.Debug("Created default scope config", zap.String("scopeID", scopeID))
	g.store(cfg)

	return cfg, nil
}

func (g *Gateway) cached(scopeID string) (*types.ScopeConfig, bool) {
	if g.cacheTTL <= 0 {
		return nil, false
	}

	entry, ok := g.cache.Load(scopeID)
	if !ok || time.Since(entry.loadedAt) > g.cacheTTL {
		return nil, false
	}

	return entry.config.Clone(), true
}

func (g *Gateway) store(cfg *types.ScopeConfig) {
	if g.cacheTTL <= 0 {
		return
	}
	g.cache.Store(cfg.ScopeID, cachedConfig{config: cfg.Clone(), loadedAt: time.Now()})
}

func (g *Gateway) lock(scopeID string) *sync.Mutex {
	mu, _ := g.locks.LoadOrCompute(scopeID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

func validateScope(scopeID string) error {
	if scopeID == "" {
		return ErrEmptyScope
	}
	if scopeID == types.GlobalScopeID {
		return fmt.Errorf("%w: %s", types.ErrReservedScope, scopeID)
	}
	return nil
}
