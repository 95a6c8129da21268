package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/isoforge/isoforge-backend/internal/http/handlers"
	httpMW "github.com/isoforge/isoforge-backend/internal/http/middleware"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthMiddleware *httpMW.AuthMiddleware
	Metrics        *observability.Metrics

	TaskHandler     *httpH.TaskHandler
	TemplateHandler *httpH.TemplateHandler
	FileHandler     *httpH.FileHandler
	HealthHandler   *httpH.HealthHandler

	TaskSocketHandler   *httpH.TaskSocketHandler
	HealthSocketHandler *httpH.HealthSocketHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.CORS())
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(otelgin.Middleware("isoforge-api"))

	// Health and operational surface (public)
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}
	{
		// Tasks. The POST wildcard carries the task kind on submit and the
		// task id on cancel; gin allows one wildcard name per segment.
		if cfg.TaskHandler != nil {
			api.POST("/tasks/:id", cfg.TaskHandler.Submit)
			api.POST("/tasks/:id/cancel", cfg.TaskHandler.Cancel)
			api.GET("/tasks", cfg.TaskHandler.List)
			api.GET("/tasks/:id", cfg.TaskHandler.Get)
			api.GET("/tasks/statistics/overview", cfg.TaskHandler.Statistics)
		}

		// Templates and their version history
		if cfg.TemplateHandler != nil {
			api.GET("/templates", cfg.TemplateHandler.List)
			api.GET("/templates/:id", cfg.TemplateHandler.Get)
			api.PATCH("/templates/:id/structure", cfg.TemplateHandler.UpdateStructure)
			api.GET("/templates/:id/versions", cfg.TemplateHandler.ListVersions)
			api.GET("/templates/:id/versions/:n", cfg.TemplateHandler.GetVersion)
			api.POST("/templates/:id/versions/:n/restore", cfg.TemplateHandler.Restore)
		}

		// File uploads
		if cfg.FileHandler != nil {
			api.POST("/files/upload", cfg.FileHandler.Upload)
			api.GET("/files/:id", cfg.FileHandler.Get)
		}
	}

	// Websockets authenticate through the token query parameter, so they
	// share the auth middleware with the REST surface.
	ws := r.Group("/ws")
	if cfg.AuthMiddleware != nil {
		ws.Use(cfg.AuthMiddleware.RequireAuth())
	}
	{
		if cfg.TaskSocketHandler != nil {
			ws.GET("/tasks/:id", cfg.TaskSocketHandler.Serve)
		}
		if cfg.HealthSocketHandler != nil {
			ws.GET("/system/health", cfg.HealthSocketHandler.Serve)
		}
	}

	return r
}
