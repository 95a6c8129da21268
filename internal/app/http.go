package app

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/files"
	apihttp "github.com/isoforge/isoforge-backend/internal/http"
	httpH "github.com/isoforge/isoforge-backend/internal/http/handlers"
	httpMW "github.com/isoforge/isoforge-backend/internal/http/middleware"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/realtime"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health       *httpH.HealthHandler
	Task         *httpH.TaskHandler
	Template     *httpH.TemplateHandler
	File         *httpH.FileHandler
	TaskSocket   *httpH.TaskSocketHandler
	HealthSocket *httpH.HealthSocketHandler
}

func wireHandlers(
	log *logger.Logger,
	services Services,
	db *gorm.DB,
	rdb *redis.Client,
	sub *progress.Subscriber,
	store files.Store,
	hub *realtime.Hub,
	metrics *observability.Metrics,
) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:       httpH.NewHealthHandler(db, rdb),
		Task:         httpH.NewTaskHandler(log, services.Tasks),
		Template:     httpH.NewTemplateHandler(log, services.Templates),
		File:         httpH.NewFileHandler(log, store, services.Templates),
		TaskSocket:   httpH.NewTaskSocketHandler(log, services.Tasks, sub, hub, metrics),
		HealthSocket: httpH.NewHealthSocketHandler(log, hub, metrics),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, cfg.JWTSecretKey),
	}
}

func wireServer(log *logger.Logger, handlers Handlers, middleware Middleware, metrics *observability.Metrics) *apihttp.Server {
	return apihttp.NewServer(apihttp.RouterConfig{
		Log:                 log,
		AuthMiddleware:      middleware.Auth,
		Metrics:             metrics,
		TaskHandler:         handlers.Task,
		TemplateHandler:     handlers.Template,
		FileHandler:         handlers.File,
		HealthHandler:       handlers.Health,
		TaskSocketHandler:   handlers.TaskSocket,
		HealthSocketHandler: handlers.HealthSocket,
	})
}
