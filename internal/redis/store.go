package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"github.com/robalyx/modguard/internal/database/types"
	"go.uber.org/zap"
)

// maxResetAttempts bounds how often a reset is retried when a concurrent
// merge registers a new scope while the reset transaction is prepared.
const maxResetAttempts = 5

// ErrTransactionAborted is returned when a watched key changed during a transaction.
var ErrTransactionAborted = errors.New("redis transaction aborted")

// Store keeps scope configs and counters in redis.
// It implements the gateway backend interface.
type Store struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewStore creates a Store on the given client.
func NewStore(client rueidis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.Named("redis_store"),
	}
}

// LoadConfig returns the stored config of a scope.
func (s *Store) LoadConfig(ctx context.Context, scopeID string) (*types.ScopeConfig, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(configKey(scopeID)).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, fmt.Errorf("%w (scopeID=%s)", types.ErrScopeNotFound, scopeID)
		}
		return nil, fmt.Errorf("failed to get scope config: %w (scopeID=%s)", err, scopeID)
	}

	var cfg types.ScopeConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode scope config: %w (scopeID=%s)", err, scopeID)
	}

	return &cfg, nil
}

// SaveConfig writes the config and registers the scope in one transaction.
func (s *Store) SaveConfig(ctx context.Context, cfg *types.ScopeConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	data, err := sonic.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode scope config: %w", err)
	}

	err = s.exec(ctx,
		s.client.B().Set().Key(configKey(cfg.ScopeID)).Value(rueidis.BinaryString(data)).Build(),
		s.client.B().Sadd().Key(scopesKey).Member(cfg.ScopeID).Build(),
	)
	if err != nil {
		return fmt.Errorf("failed to save scope config: %w (scopeID=%s)", err, cfg.ScopeID)
	}

	return nil
}

// ScopeIDs returns the ids of every scope with a stored config, sorted.
func (s *Store) ScopeIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(scopesKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get scope ids: %w", err)
	}

	slices.Sort(ids)

	return ids, nil
}

// LoadCounters returns the stored counters of a scope. Missing keys read as zero.
func (s *Store) LoadCounters(ctx context.Context, scopeID string) (*types.Counters, error) {
	results := s.client.DoMulti(ctx,
		s.client.B().Hgetall().Key(countersKey(scopeID)).Build(),
		s.client.B().Hgetall().Key(usersKey(scopeID)).Build(),
		s.client.B().Hgetall().Key(categoriesKey(scopeID)).Build(),
	)

	scalars, err := results[0].AsIntMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w (scopeID=%s)", err, scopeID)
	}

	users, err := results[1].AsIntMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get user hits: %w (scopeID=%s)", err, scopeID)
	}

	categories, err := results[2].AsIntMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get category hits: %w (scopeID=%s)", err, scopeID)
	}

	counters := types.NewCounters()
	counters.MessagesSeen = scalars[fieldMessagesSeen]
	counters.MessagesFlagged = scalars[fieldMessagesFlagged]
	counters.ImagesSeen = scalars[fieldImagesSeen]
	counters.ImagesFlagged = scalars[fieldImagesFlagged]
	counters.TimeoutsIssued = scalars[fieldTimeoutsIssued]
	counters.TimeoutMinutesTotal = scalars[fieldTimeoutMinutesTotal]

	for userID, n := range users {
		if n != 0 {
			counters.ModeratedUsers[userID] = n
		}
	}
	for category, n := range categories {
		if n != 0 {
			counters.CategoryHits[category] = n
		}
	}

	return counters, nil
}

// MergeCounters adds the delta to the stored counters with HINCRBY inside
// a single MULTI/EXEC so concurrent readers never see a partial delta.
func (s *Store) MergeCounters(ctx context.Context, scopeID string, delta *types.Counters) error {
	key := countersKey(scopeID)

	cmds := make(rueidis.Commands, 0, 8+len(delta.ModeratedUsers)+len(delta.CategoryHits))
	for field, n := range map[string]int64{
		fieldMessagesSeen:        delta.MessagesSeen,
		fieldMessagesFlagged:     delta.MessagesFlagged,
		fieldImagesSeen:          delta.ImagesSeen,
		fieldImagesFlagged:       delta.ImagesFlagged,
		fieldTimeoutsIssued:      delta.TimeoutsIssued,
		fieldTimeoutMinutesTotal: delta.TimeoutMinutesTotal,
	} {
		if n != 0 {
			cmds = append(cmds, s.client.B().Hincrby().Key(key).Field(field).Increment(n).Build())
		}
	}

	for userID, n := range delta.ModeratedUsers {
		cmds = append(cmds, s.client.B().Hincrby().Key(usersKey(scopeID)).Field(userID).Increment(n).Build())
	}
	for category, n := range delta.CategoryHits {
		cmds = append(cmds, s.client.B().Hincrby().Key(categoriesKey(scopeID)).Field(category).Increment(n).Build())
	}

	if len(cmds) == 0 {
		return nil
	}

	cmds = append(cmds, s.client.B().Sadd().Key(counterScopesKey).Member(scopeID).Build())

	if err := s.exec(ctx, cmds...); err != nil {
		return fmt.Errorf("failed to merge counters: %w (scopeID=%s)", err, scopeID)
	}

	return nil
}

// ResetCounters deletes the counters of every scope in one transaction.
func (s *Store) ResetCounters(ctx context.Context) error {
	var err error
	for range maxResetAttempts {
		err = s.resetOnce(ctx)
		if !errors.Is(err, ErrTransactionAborted) {
			break
		}
		s.logger.Debug("Counter reset raced with a merge, retrying")
	}

	if err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	return nil
}

// Close is a no-op; clients are owned by the Manager.
func (s *Store) Close() error {
	return nil
}

func (s *Store) resetOnce(ctx context.Context) error {
	return s.client.Dedicated(func(c rueidis.DedicatedClient) error {
		if err := c.Do(ctx, c.B().Watch().Key(counterScopesKey).Build()).Error(); err != nil {
			return err
		}

		scopeIDs, err := c.Do(ctx, c.B().Smembers().Key(counterScopesKey).Build()).AsStrSlice()
		if err != nil {
			return err
		}

		keys := make([]string, 0, 1+3*len(scopeIDs))
		keys = append(keys, counterScopesKey)
		for _, scopeID := range scopeIDs {
			keys = append(keys, countersKey(scopeID), usersKey(scopeID), categoriesKey(scopeID))
		}

		results := c.DoMulti(ctx,
			c.B().Multi().Build(),
			c.B().Del().Key(keys...).Build(),
			c.B().Exec().Build(),
		)

		if err := checkExec(results); err != nil {
			return err
		}

		s.logger.Info("Reset counters", zap.Int("scopes", len(scopeIDs)))

		return nil
	})
}

// exec runs the commands inside MULTI/EXEC on a dedicated connection.
func (s *Store) exec(ctx context.Context, cmds ...rueidis.Completed) error {
	return s.client.Dedicated(func(c rueidis.DedicatedClient) error {
		tx := make(rueidis.Commands, 0, len(cmds)+2)
		tx = append(tx, c.B().Multi().Build())
		tx = append(tx, cmds...)
		tx = append(tx, c.B().Exec().Build())

		return checkExec(c.DoMulti(ctx, tx...))
	})
}

// checkExec inspects the replies of a MULTI ... EXEC pipeline.
func checkExec(results []rueidis.RedisResult) error {
	for _, result := range results[:len(results)-1] {
		if err := result.Error(); err != nil {
			return err
		}
	}

	replies, err := results[len(results)-1].ToArray()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return ErrTransactionAborted
		}
		return err
	}

	for _, reply := range replies {
		if err := reply.Error(); err != nil {
			return err
		}
	}

	return nil
}
