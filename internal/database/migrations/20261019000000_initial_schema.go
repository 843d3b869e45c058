package migrations

import (
	"context"
	"fmt"

	"github.com/robalyx/modguard/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.ScopeConfig)(nil),
			(*types.ScopeCounters)(nil),
			(*types.ScopeUserHit)(nil),
			(*types.ScopeCategoryHit)(nil),
		}

		for _, model := range models {
			_, err := db.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create table %T: %w", model, err)
			}
		}

		// Per-scope lookups of user and category hits
		_, err := db.NewCreateIndex().
			Model((*types.ScopeUserHit)(nil)).
			Index("idx_scope_user_hits_count").
			Column("scope_id", "count").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create user hits index: %w", err)
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.ScopeCategoryHit)(nil),
			(*types.ScopeUserHit)(nil),
			(*types.ScopeCounters)(nil),
			(*types.ScopeConfig)(nil),
		}

		for _, model := range models {
			_, err := db.NewDropTable().
				Model(model).
				IfExists().
				Cascade().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to drop table %T: %w", model, err)
			}
		}

		return nil
	})
}
