package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/robalyx/modguard/internal/database/dbretry"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// CounterModel handles database operations for moderation counters.
type CounterModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewCounter creates a CounterModel with database access.
func NewCounter(db *bun.DB, logger *zap.Logger) *CounterModel {
	return &CounterModel{
		db:     db,
		logger: logger.Named("db_counter"),
	}
}

// GetCounters retrieves the persisted counters of a scope.
// Scopes without any counters yield zero values.
func (r *CounterModel) GetCounters(ctx context.Context, scopeID string) (*types.Counters, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Counters, error) {
		counters := types.NewCounters()

		row := &types.ScopeCounters{ScopeID: scopeID}
		err := r.db.NewSelect().Model(row).WherePK().Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get scope counters: %w (scopeID=%s)", err, scopeID)
		}

		counters.MessagesSeen = row.MessagesSeen
		counters.MessagesFlagged = row.MessagesFlagged
		counters.ImagesSeen = row.ImagesSeen
		counters.ImagesFlagged = row.ImagesFlagged
		counters.TimeoutsIssued = row.TimeoutsIssued
		counters.TimeoutMinutesTotal = row.TimeoutMinutesTotal

		var userHits []types.ScopeUserHit
		if err := r.db.NewSelect().Model(&userHits).Where("scope_id = ?", scopeID).Scan(ctx); err != nil {
			return nil, fmt.Errorf("failed to get user hits: %w (scopeID=%s)", err, scopeID)
		}

		for _, hit := range userHits {
			counters.ModeratedUsers[hit.UserID] = hit.Count
		}

		var categoryHits []types.ScopeCategoryHit
		if err := r.db.NewSelect().Model(&categoryHits).Where("scope_id = ?", scopeID).Scan(ctx); err != nil {
			return nil, fmt.Errorf("failed to get category hits: %w (scopeID=%s)", err, scopeID)
		}

		for _, hit := range categoryHits {
			counters.CategoryHits[hit.Category] = hit.Count
		}

		return counters, nil
	})
}

// counterColumns are the scalar counters of a scope, merged by addition.
var counterColumns = []string{
	"messages_seen",
	"messages_flagged",
	"images_seen",
	"images_flagged",
	"timeouts_issued",
	"timeout_minutes_total",
}

// MergeCounters adds a delta to the persisted counters of a scope.
// All rows of the scope are updated in one transaction so a failed merge
// leaves the stored values untouched.
func (r *CounterModel) MergeCounters(ctx context.Context, scopeID string, delta *types.Counters) error {
	return dbretry.Transaction(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		if _, err := mergeCountersQuery(tx, scopeID, delta).Exec(ctx); err != nil {
			return fmt.Errorf("failed to merge scope counters: %w (scopeID=%s)", err, scopeID)
		}

		if len(delta.ModeratedUsers) > 0 {
			if _, err := mergeUserHitsQuery(tx, scopeID, delta.ModeratedUsers).Exec(ctx); err != nil {
				return fmt.Errorf("failed to merge user hits: %w (scopeID=%s)", err, scopeID)
			}
		}

		if len(delta.CategoryHits) > 0 {
			if _, err := mergeCategoryHitsQuery(tx, scopeID, delta.CategoryHits).Exec(ctx); err != nil {
				return fmt.Errorf("failed to merge category hits: %w (scopeID=%s)", err, scopeID)
			}
		}

		return nil
	})
}

// ResetCounters zeroes the counters of every scope, including the global aggregate.
func (r *CounterModel) ResetCounters(ctx context.Context) error {
	return dbretry.Transaction(ctx, r.db, func(ctx context.Context, tx bun.Tx) error {
		result, err := resetCountersQuery(tx).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to reset scope counters: %w", err)
		}

		if _, err := tx.NewDelete().Model((*types.ScopeUserHit)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("failed to reset user hits: %w", err)
		}

		if _, err := tx.NewDelete().Model((*types.ScopeCategoryHit)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("failed to reset category hits: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		r.logger.Info("Reset all counters", zap.Int64("scopes", rowsAffected))

		return nil
	})
}

// mergeCountersQuery upserts the scalar counters, adding to existing values.
func mergeCountersQuery(db bun.IDB, scopeID string, delta *types.Counters) *bun.InsertQuery {
	row := &types.ScopeCounters{
		ScopeID:             scopeID,
		MessagesSeen:        delta.MessagesSeen,
		MessagesFlagged:     delta.MessagesFlagged,
		ImagesSeen:          delta.ImagesSeen,
		ImagesFlagged:       delta.ImagesFlagged,
		TimeoutsIssued:      delta.TimeoutsIssued,
		TimeoutMinutesTotal: delta.TimeoutMinutesTotal,
	}

	query := db.NewInsert().Model(row).On("CONFLICT (scope_id) DO UPDATE")
	for _, column := range counterColumns {
		query = query.Set("? = ?TableAlias.? + EXCLUDED.?", bun.Ident(column), bun.Ident(column), bun.Ident(column))
	}
	return query
}

func mergeUserHitsQuery(db bun.IDB, scopeID string, users map[string]int64) *bun.InsertQuery {
	hits := make([]types.ScopeUserHit, 0, len(users))
	for userID, n := range users {
		hits = append(hits, types.ScopeUserHit{ScopeID: scopeID, UserID: userID, Count: n})
	}

	return db.NewInsert().Model(&hits).
		On("CONFLICT (scope_id, user_id) DO UPDATE").
		Set("count = ?TableAlias.count + EXCLUDED.count")
}

func mergeCategoryHitsQuery(db bun.IDB, scopeID string, categories map[string]int64) *bun.InsertQuery {
	hits := make([]types.ScopeCategoryHit, 0, len(categories))
	for category, n := range categories {
		hits = append(hits, types.ScopeCategoryHit{ScopeID: scopeID, Category: category, Count: n})
	}

	return db.NewInsert().Model(&hits).
		On("CONFLICT (scope_id, category) DO UPDATE").
		Set("count = ?TableAlias.count + EXCLUDED.count")
}

// resetCountersQuery zeroes the scalar counters of every scope row.
func resetCountersQuery(db bun.IDB) *bun.UpdateQuery {
	query := db.NewUpdate().Model((*types.ScopeCounters)(nil))
	for _, column := range counterColumns {
		query = query.Set("? = 0", bun.Ident(column))
	}
	return query.Where("1 = 1")
}
