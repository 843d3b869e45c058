package database_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robalyx/modguard/internal/database"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBackendDown = errors.New("backend down")

// memoryBackend is an in-memory Backend used to exercise the gateway.
type memoryBackend struct {
	mu       sync.Mutex
	configs  map[string]*types.ScopeConfig
	counters map[string]*types.Counters
	saves    int
	failSave bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		configs:  make(map[string]*types.ScopeConfig),
		counters: make(map[string]*types.Counters),
	}
}

func (m *memoryBackend) LoadConfig(_ context.Context, scopeID string) (*types.ScopeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[scopeID]
	if !ok {
		return nil, types.ErrScopeNotFound
	}
	return cfg.Clone(), nil
}

func (m *memoryBackend) SaveConfig(_ context.Context, cfg *types.ScopeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSave {
		return errBackendDown
	}
	m.saves++
	m.configs[cfg.ScopeID] = cfg.Clone()
	return nil
}

func (m *memoryBackend) ScopeIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memoryBackend) LoadCounters(_ context.Context, scopeID string) (*types.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[scopeID]; ok {
		return c.Clone(), nil
	}
	return types.NewCounters(), nil
}

func (m *memoryBackend) MergeCounters(_ context.Context, scopeID string, delta *types.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[scopeID]
	if !ok {
		c = types.NewCounters()
		m.counters[scopeID] = c
	}
	c.Add(delta)
	return nil
}

func (m *memoryBackend) ResetCounters(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]*types.Counters)
	return nil
}

func (m *memoryBackend) Close() error { return nil }

func newTestGateway(t *testing.T, opts ...database.GatewayOption) (*database.Gateway, *memoryBackend) {
	t.Helper()
	backend := newMemoryBackend()
	return database.NewGateway(backend, zap.NewNop(), opts...), backend
}

func TestGatewayConfigDefaults(t *testing.T) {
	t.Parallel()

	gateway, backend := newTestGateway(t)

	cfg, err := gateway.Config(t.Context(), "123")
	require.NoError(t, err)

	assert.False(t, cfg.ModerationEnabled)
	assert.InDelta(t, types.DefaultThreshold, cfg.Threshold, 1e-9)
	assert.Zero(t, cfg.TimeoutMinutes)
	assert.False(t, cfg.HasLogChannel())
	assert.False(t, cfg.DeleteOnViolation)
	assert.Empty(t, cfg.WhitelistedChannels)
	assert.Nil(t, cfg.LastVoteTime)

	// The default record is persisted exactly once
	_, err = gateway.Config(t.Context(), "123")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.saves)
}

func TestGatewayRejectsReservedScope(t *testing.T) {
	t.Parallel()

	gateway, _ := newTestGateway(t)

	_, err := gateway.Config(t.Context(), types.GlobalScopeID)
	require.ErrorIs(t, err, types.ErrReservedScope)

	_, err = gateway.Config(t.Context(), "")
	require.ErrorIs(t, err, database.ErrEmptyScope)
}

func TestGatewaySetters(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gateway, backend := newTestGateway(t, database.WithConfigCacheTTL(0))

	require.NoError(t, gateway.SetModerationEnabled(ctx, "s", true))
	require.NoError(t, gateway.SetTimeoutMinutes(ctx, "s", 10))
	require.NoError(t, gateway.SetLogChannel(ctx, "s", "log"))
	require.NoError(t, gateway.SetDeleteOnViolation(ctx, "s", true))
	require.NoError(t, gateway.AddWhitelistedChannel(ctx, "s", "a"))
	require.NoError(t, gateway.AddWhitelistedChannel(ctx, "s", "a"))
	require.NoError(t, gateway.AddWhitelistedChannel(ctx, "s", "b"))
	require.NoError(t, gateway.RemoveWhitelistedChannel(ctx, "s", "a"))
	require.NoError(t, gateway.SetDebug(ctx, "s", true))
	require.NoError(t, gateway.SetAPIKey(ctx, "s", "sk-test"))

	cfg, err := backend.LoadConfig(ctx, "s")
	require.NoError(t, err)
	assert.True(t, cfg.ModerationEnabled)
	assert.Equal(t, 10, cfg.TimeoutMinutes)
	assert.Equal(t, "log", cfg.LogChannelID)
	assert.True(t, cfg.DeleteOnViolation)
	assert.Equal(t, []string{"b"}, cfg.WhitelistedChannels)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "sk-test", cfg.APIKey)

	require.NoError(t, gateway.ClearLogChannel(ctx, "s"))
	require.NoError(t, gateway.ClearAPIKey(ctx, "s"))

	cfg, err = gateway.Config(ctx, "s")
	require.NoError(t, err)
	assert.False(t, cfg.HasLogChannel())
	assert.Empty(t, cfg.APIKey)
}

func TestGatewaySetThresholdClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input float64
		want  float64
	}{
		{name: "in range", input: 0.42, want: 0.42},
		{name: "below zero", input: -3, want: 0},
		{name: "above one", input: 1.7, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gateway, _ := newTestGateway(t)

			got, err := gateway.SetThreshold(t.Context(), "s", tt.input)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)

			cfg, err := gateway.Config(t.Context(), "s")
			require.NoError(t, err)
			assert.InDelta(t, tt.want, cfg.Threshold, 1e-9)
		})
	}
}

func TestGatewaySetTimeoutRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		minutes int
		wantErr bool
	}{
		{name: "negative", minutes: -1, wantErr: true},
		{name: "zero disables", minutes: 0},
		{name: "platform maximum", minutes: types.MaxTimeoutMinutes},
		{name: "above platform maximum", minutes: types.MaxTimeoutMinutes + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gateway, backend := newTestGateway(t)

			err := gateway.SetTimeoutMinutes(t.Context(), "s", tt.minutes)
			if tt.wantErr {
				require.ErrorIs(t, err, types.ErrInvalidTimeout)
				assert.Zero(t, backend.saves)
				return
			}

			require.NoError(t, err)
			cfg, err := gateway.Config(t.Context(), "s")
			require.NoError(t, err)
			assert.Equal(t, tt.minutes, cfg.TimeoutMinutes)
		})
	}
}

func TestGatewayUpdateConfigKeepsInvariants(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gateway, _ := newTestGateway(t)

	now := time.Now().UTC()
	_, err := gateway.UpdateConfig(ctx, "s", func(cfg *types.ScopeConfig) error {
		cfg.LastVoteTime = &now
		cfg.Threshold = 4
		return nil
	})
	require.NoError(t, err)

	earlier := now.Add(-time.Hour)
	cfg, err := gateway.UpdateConfig(ctx, "s", func(cfg *types.ScopeConfig) error {
		cfg.LastVoteTime = &earlier
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, cfg.LastVoteTime)
	assert.True(t, cfg.LastVoteTime.Equal(now))
	assert.InDelta(t, 1.0, cfg.Threshold, 1e-9)
}

func TestGatewayUpdateConfigErrors(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gateway, backend := newTestGateway(t)

	_, err := gateway.Config(ctx, "s")
	require.NoError(t, err)

	errAbort := errors.New("abort")
	_, err = gateway.UpdateConfig(ctx, "s", func(cfg *types.ScopeConfig) error {
		cfg.ModerationEnabled = true
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	backend.mu.Lock()
	backend.failSave = true
	backend.mu.Unlock()

	err = gateway.SetModerationEnabled(ctx, "s", true)
	require.ErrorIs(t, err, errBackendDown)

	cfg, err := backend.LoadConfig(ctx, "s")
	require.NoError(t, err)
	assert.False(t, cfg.ModerationEnabled)
}

func TestGatewayConcurrentUpdatesAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gateway, _ := newTestGateway(t)

	const workers = 50

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gateway.UpdateConfig(ctx, "s", func(cfg *types.ScopeConfig) error {
				cfg.VotesTooWeak++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cfg, err := gateway.Config(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), cfg.VotesTooWeak)
}

func TestGatewayCounters(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gateway, _ := newTestGateway(t)

	delta := types.NewCounters()
	delta.MessagesSeen = 3
	delta.CategoryHits["hate"] = 1

	require.NoError(t, gateway.MergeCounters(ctx, "s", delta))
	require.NoError(t, gateway.MergeCounters(ctx, "s", delta))
	require.NoError(t, gateway.MergeCounters(ctx, "s", types.NewCounters()))

	counters, err := gateway.Counters(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(6), counters.MessagesSeen)
	assert.Equal(t, int64(2), counters.CategoryHits["hate"])

	require.NoError(t, gateway.ResetAllCounters(ctx))

	counters, err = gateway.Counters(ctx, "s")
	require.NoError(t, err)
	assert.True(t, counters.IsZero())
}
