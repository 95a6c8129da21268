package app

import (
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/services"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

type Services struct {
	Tasks     services.TaskService
	Templates services.TemplateService
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	reposet Repos,
	wlog worklog.Log,
	rdb *redis.Client,
	bus *progress.Publisher,
	tel *telemetry.Emitter,
	idemTTL time.Duration,
) Services {
	log.Info("Wiring services...")
	return Services{
		Tasks:     services.NewTaskService(log, reposet.Tasks, reposet.Providers, wlog, rdb, bus, tel, idemTTL),
		Templates: services.NewTemplateService(db, log, reposet.Templates),
	}
}
