package db

import (
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/domain/templates"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// Task orchestration
		&tasks.Task{},

		// Template catalog + version history
		&templates.Template{},
		&templates.Version{},
		&templates.File{},

		// LLM provider registry
		&providers.Provider{},
	)
}
