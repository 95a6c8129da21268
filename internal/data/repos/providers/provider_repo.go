package providers

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/data/pgerr"
	domain "github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// ProviderRepo reads the llm_providers registry. Rows are seeded once on
// boot and then owned by operators; Seed never overwrites existing rows.
type ProviderRepo interface {
	GetByName(dbc dbctx.Context, name string) (*domain.Provider, error)
	GetDefaultParser(dbc dbctx.Context) (*domain.Provider, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Provider, error)
	List(dbc dbctx.Context) ([]*domain.Provider, error)
	Seed(dbc dbctx.Context, rows []*domain.Provider) error
}

type providerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProviderRepo(db *gorm.DB, baseLog *logger.Logger) ProviderRepo {
	return &providerRepo{
		db:  db,
		log: baseLog.With("repo", "ProviderRepo"),
	}
}

func (r *providerRepo) GetByName(dbc dbctx.Context, name string) (*domain.Provider, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var p domain.Provider
	err := transaction.WithContext(dbc.Ctx).
		Where("name = ? AND enabled = true", name).
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, pgerr.Map("providers.GetByName", err)
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *providerRepo) GetDefaultParser(dbc dbctx.Context) (*domain.Provider, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var p domain.Provider
	err := transaction.WithContext(dbc.Ctx).
		Where("is_default_parser = true AND enabled = true").
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, pgerr.Map("providers.GetDefaultParser", err)
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *providerRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Provider, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var p domain.Provider
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&p).Error; err != nil {
		return nil, pgerr.Map("providers.GetByID", err)
	}
	return &p, nil
}

func (r *providerRepo) List(dbc dbctx.Context) ([]*domain.Provider, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Provider
	if err := transaction.WithContext(dbc.Ctx).
		Order("name ASC").
		Find(&out).Error; err != nil {
		return nil, pgerr.Map("providers.List", err)
	}
	return out, nil
}

// Seed inserts missing rows by name and leaves existing rows untouched, so
// operator edits (pricing, enabled flags) survive restarts.
func (r *providerRepo) Seed(dbc dbctx.Context, rows []*domain.Provider) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(&rows).Error; err != nil {
		return pgerr.Map("providers.Seed", err)
	}
	return nil
}
