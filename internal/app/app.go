package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/data/db"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/files"
	apihttp "github.com/isoforge/isoforge-backend/internal/http"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/realtime"
	"github.com/isoforge/isoforge-backend/internal/reaper"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/workers"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

// App is the composition root shared by the API server and the headless
// worker. New builds the full API process; NewWorker skips the HTTP surface
// and always runs the consumer.
type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Redis    *redis.Client
	Repos    Repos
	Services Services
	Server   *apihttp.Server
	Hub      *realtime.Hub

	headless     bool
	pg           *db.PostgresService
	rds          *db.RedisService
	metrics      *observability.Metrics
	tel          *telemetry.Emitter
	wlog         worklog.Log
	store        files.Store
	relay        *realtime.Relay
	worker       *workers.Worker
	reap         *reaper.Reaper
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error)       { return newApp(false) }
func NewWorker() (*App, error) { return newApp(true) }

func newApp(headless bool) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	service := "isoforge-api"
	if headless {
		service = "isoforge-worker"
	}

	ctx := context.Background()
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: service,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w: %v", errs.ErrStoreUnavailable, err)
	}
	if err := db.AutoMigrateAll(pg.DB()); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w: %v", errs.ErrStoreUnavailable, err)
	}
	theDB := pg.DB()

	rds, err := db.NewRedisService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init redis: %w: %v", errs.ErrLogUnavailable, err)
	}
	rdb := rds.Client()

	reposet := wireRepos(theDB, log)
	if err := seedProviders(ctx, log, reposet.Providers); err != nil {
		log.Sync()
		return nil, fmt.Errorf("seed providers: %w", err)
	}

	telService := "api"
	if headless {
		telService = "ai-worker"
	}
	tel := telemetry.NewEmitter(log, telService)
	wlog := worklog.NewRedisLog(log, rdb, cfg.StreamMaxLen)
	bus := progress.NewPublisher(log, rdb)
	healthPub := progress.NewHealthPublisher(log, rdb)
	sub := progress.NewSubscriber(log, rdb)

	store, err := files.NewStoreFromEnv(ctx, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init file store: %w", err)
	}

	serviceset := wireServices(theDB, log, reposet, wlog, rdb, bus, tel, cfg.IdemTTL)

	a := &App{
		Log:          log,
		Cfg:          cfg,
		DB:           theDB,
		Redis:        rdb,
		Repos:        reposet,
		Services:     serviceset,
		headless:     headless,
		pg:           pg,
		rds:          rds,
		tel:          tel,
		wlog:         wlog,
		store:        store,
		otelShutdown: otelShutdown,
	}

	if !headless {
		a.metrics = observability.Init(log)
		a.Hub = realtime.NewHub(log)
		a.relay = realtime.NewRelay(log, sub, a.Hub)
		handlerset := wireHandlers(log, serviceset, theDB, rdb, sub, store, a.Hub, a.metrics)
		middleware := wireMiddleware(log, cfg)
		a.Server = wireServer(log, handlerset, middleware, a.metrics)
	}

	if headless || cfg.WorkerEnabled {
		worker, err := buildWorker(ctx, log, cfg, reposet, serviceset, wlog, store, bus, healthPub, tel, a.metrics)
		if err != nil {
			if headless {
				log.Sync()
				return nil, err
			}
			// The API stays up without its embedded worker; submissions
			// queue until a worker process picks them up.
			log.Error("Embedded worker disabled", "error", err)
		} else {
			a.worker = worker
		}
		a.reap = reaper.New(reaper.IntervalFromEnv(), reposet.Tasks, log, healthPub, tel)
	}

	return a, nil
}

// Start launches the background loops. The HTTP listener is not started
// here; callers run the server with Run so startup failures keep their
// exit-code classification.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.relay != nil {
		go a.relay.Run(ctx)
	}
	if a.worker != nil {
		if err := a.worker.Start(ctx); err != nil {
			if a.headless {
				cancel()
				a.cancel = nil
				return fmt.Errorf("start worker: %w", err)
			}
			a.Log.Error("Embedded worker failed to start", "error", err)
			a.worker = nil
		}
	}
	if a.reap != nil {
		go a.reap.Start(ctx)
	}
	if a.metrics != nil {
		for _, stream := range domain.Streams() {
			a.metrics.StartStreamCollector(ctx, a.Log, a.Redis, stream, worklog.GroupFor(stream))
		}
		a.metrics.StartPostgresCollector(ctx, a.Log, a.DB)
	}
	return nil
}

// Run blocks serving HTTP until the listener stops.
func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app has no http server")
	}
	return a.Server.Run(":" + a.Cfg.Port)
}

// Shutdown stops the HTTP listener, cancels the background loops, and waits
// for in-flight tasks to drain.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var err error
	if a.Server != nil {
		err = a.Server.Shutdown(ctx)
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.worker != nil {
		a.worker.Wait()
	}
	if a.otelShutdown != nil {
		if oerr := a.otelShutdown(ctx); oerr != nil && a.Log != nil {
			a.Log.Warn("otel shutdown failed", "error", oerr)
		}
	}
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.rds != nil {
		a.rds.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
