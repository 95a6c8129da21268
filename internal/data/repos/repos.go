package repos

import (
	"github.com/isoforge/isoforge-backend/internal/data/repos/providers"
	"github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	"github.com/isoforge/isoforge-backend/internal/data/repos/templates"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type TaskRepo = tasks.TaskRepo
type TemplateRepo = templates.TemplateRepo
type ProviderRepo = providers.ProviderRepo

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return tasks.NewTaskRepo(db, baseLog)
}

func NewTemplateRepo(db *gorm.DB, baseLog *logger.Logger) TemplateRepo {
	return templates.NewTemplateRepo(db, baseLog)
}

func NewProviderRepo(db *gorm.DB, baseLog *logger.Logger) ProviderRepo {
	return providers.NewProviderRepo(db, baseLog)
}
