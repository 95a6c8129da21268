package templates

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/data/pgerr"
	domain "github.com/isoforge/isoforge-backend/internal/domain/templates"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

type ListFilter struct {
	Status      string
	ISOStandard string
	Limit       int
	Offset      int
}

// TemplateRepo persists templates, their immutable version history, and the
// upload registry. Version mutations happen inside a caller-owned
// transaction with the template row locked first; the repo only supplies
// the statements.
type TemplateRepo interface {
	Create(dbc dbctx.Context, t *domain.Template) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error)
	GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	List(dbc dbctx.Context, filter ListFilter) ([]*domain.Template, error)

	CreateVersion(dbc dbctx.Context, v *domain.Version) error
	GetVersion(dbc dbctx.Context, templateID uuid.UUID, versionNumber int) (*domain.Version, error)
	ListVersions(dbc dbctx.Context, templateID uuid.UUID) ([]*domain.Version, error)

	CreateFile(dbc dbctx.Context, f *domain.File) error
	GetFile(dbc dbctx.Context, id uuid.UUID) (*domain.File, error)
}

type templateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTemplateRepo(db *gorm.DB, baseLog *logger.Logger) TemplateRepo {
	return &templateRepo{
		db:  db,
		log: baseLog.With("repo", "TemplateRepo"),
	}
}

func (r *templateRepo) Create(dbc dbctx.Context, t *domain.Template) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.StatusDraft
	}
	if err := transaction.WithContext(dbc.Ctx).Create(t).Error; err != nil {
		return pgerr.Map("templates.Create", err)
	}
	return nil
}

func (r *templateRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var t domain.Template
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&t).Error; err != nil {
		return nil, pgerr.Map("templates.GetByID", err)
	}
	return &t, nil
}

// GetForUpdate locks the row for the caller's transaction. Serializes
// concurrent edits so version numbers never collide.
func (r *templateRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var t domain.Template
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&t).Error; err != nil {
		return nil, pgerr.Map("templates.GetForUpdate", err)
	}
	return &t, nil
}

func (r *templateRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = gorm.Expr("now()")
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Template{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return pgerr.Map("templates.UpdateFields", err)
	}
	return nil
}

func (r *templateRepo) List(dbc dbctx.Context, filter ListFilter) ([]*domain.Template, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	q := transaction.WithContext(dbc.Ctx).Model(&domain.Template{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ISOStandard != "" {
		q = q.Where("iso_standard = ?", filter.ISOStandard)
	}
	var out []*domain.Template
	if err := q.Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&out).Error; err != nil {
		return nil, pgerr.Map("templates.List", err)
	}
	return out, nil
}

func (r *templateRepo) CreateVersion(dbc dbctx.Context, v *domain.Version) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(v).Error; err != nil {
		return pgerr.Map("templates.CreateVersion", err)
	}
	return nil
}

func (r *templateRepo) GetVersion(dbc dbctx.Context, templateID uuid.UUID, versionNumber int) (*domain.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var v domain.Version
	if err := transaction.WithContext(dbc.Ctx).
		Where("template_id = ? AND version_number = ?", templateID, versionNumber).
		First(&v).Error; err != nil {
		return nil, pgerr.Map("templates.GetVersion", err)
	}
	return &v, nil
}

func (r *templateRepo) ListVersions(dbc dbctx.Context, templateID uuid.UUID) ([]*domain.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Version
	if err := transaction.WithContext(dbc.Ctx).
		Where("template_id = ?", templateID).
		Order("version_number DESC").
		Find(&out).Error; err != nil {
		return nil, pgerr.Map("templates.ListVersions", err)
	}
	return out, nil
}

func (r *templateRepo) CreateFile(dbc dbctx.Context, f *domain.File) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(f).Error; err != nil {
		return pgerr.Map("templates.CreateFile", err)
	}
	return nil
}

func (r *templateRepo) GetFile(dbc dbctx.Context, id uuid.UUID) (*domain.File, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var f domain.File
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&f).Error; err != nil {
		return nil, pgerr.Map("templates.GetFile", err)
	}
	return &f, nil
}
