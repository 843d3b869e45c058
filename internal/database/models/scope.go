package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robalyx/modguard/internal/database/dbretry"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ScopeModel handles database operations for scope configurations.
type ScopeModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewScope creates a ScopeModel with database access.
func NewScope(db *bun.DB, logger *zap.Logger) *ScopeModel {
	return &ScopeModel{
		db:     db,
		logger: logger.Named("db_scope"),
	}
}

// GetConfig retrieves the configuration of a scope.
// Returns types.ErrScopeNotFound if the scope has never been saved.
func (r *ScopeModel) GetConfig(ctx context.Context, scopeID string) (*types.ScopeConfig, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.ScopeConfig, error) {
		config := &types.ScopeConfig{ScopeID: scopeID}

		err := r.db.NewSelect().Model(config).
			WherePK().
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w (scopeID=%s)", types.ErrScopeNotFound, scopeID)
			}
			return nil, fmt.Errorf("failed to get scope config: %w (scopeID=%s)", err, scopeID)
		}

		return config, nil
	})
}

// SaveConfig updates or creates a scope configuration.
func (r *ScopeModel) SaveConfig(ctx context.Context, config *types.ScopeConfig) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		config.UpdatedAt = time.Now().UTC()

		_, err := r.db.NewInsert().Model(config).
			On("CONFLICT (scope_id) DO UPDATE").
			Set("moderation_enabled = EXCLUDED.moderation_enabled").
			Set("threshold = EXCLUDED.threshold").
			Set("timeout_minutes = EXCLUDED.timeout_minutes").
			Set("log_channel_id = EXCLUDED.log_channel_id").
			Set("delete_on_violation = EXCLUDED.delete_on_violation").
			Set("whitelisted_channels = EXCLUDED.whitelisted_channels").
			Set("debug = EXCLUDED.debug").
			Set("api_key = EXCLUDED.api_key").
			Set("last_vote_time = EXCLUDED.last_vote_time").
			Set("votes_too_weak = EXCLUDED.votes_too_weak").
			Set("votes_too_strict = EXCLUDED.votes_too_strict").
			Set("votes_just_right = EXCLUDED.votes_just_right").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save scope config: %w (scopeID=%s)", err, config.ScopeID)
		}

		return nil
	})
}

// GetScopeIDs returns the ids of every configured scope.
func (r *ScopeModel) GetScopeIDs(ctx context.Context) ([]string, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]string, error) {
		var ids []string

		err := r.db.NewSelect().
			Model((*types.ScopeConfig)(nil)).
			Column("scope_id").
			Order("scope_id ASC").
			Scan(ctx, &ids)
		if err != nil {
			return nil, fmt.Errorf("failed to get scope ids: %w", err)
		}

		return ids, nil
	})
}
