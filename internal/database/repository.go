package database

import (
	"github.com/robalyx/modguard/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	scope   *models.ScopeModel
	counter *models.CounterModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		scope:   models.NewScope(db, logger),
		counter: models.NewCounter(db, logger),
	}
}

// Scope returns the scope config model repository.
func (r *Repository) Scope() *models.ScopeModel {
	return r.scope
}

// Counter returns the counter model repository.
func (r *Repository) Counter() *models.CounterModel {
	return r.counter
}
