package app

import (
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/data/repos"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

type Repos struct {
	Tasks     repos.TaskRepo
	Templates repos.TemplateRepo
	Providers repos.ProviderRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Tasks:     repos.NewTaskRepo(db, log),
		Templates: repos.NewTemplateRepo(db, log),
		Providers: repos.NewProviderRepo(db, log),
	}
}
