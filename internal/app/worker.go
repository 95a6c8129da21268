package app

import (
	"context"
	"fmt"

	"github.com/isoforge/isoforge-backend/internal/agents"
	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/files"
	"github.com/isoforge/isoforge-backend/internal/llm"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/workers"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

// buildWorker assembles the task worker around one LLM gateway. The gateway
// is built once per process from the default-parser provider row; the
// submit-time provider override stamps rows for accounting but does not get
// its own client.
func buildWorker(
	ctx context.Context,
	log *logger.Logger,
	cfg Config,
	reposet Repos,
	svcs Services,
	wlog worklog.Log,
	store files.Store,
	bus *progress.Publisher,
	health *progress.HealthPublisher,
	tel *telemetry.Emitter,
	metrics *observability.Metrics,
) (*workers.Worker, error) {
	rec, err := reposet.Providers.GetDefaultParser(dbctx.New(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolve default parser: %w", err)
	}
	if rec == nil {
		return nil, taskerr.New(taskerr.ConfigurationError, "no enabled default parser in llm_providers")
	}

	provider, err := llm.NewProvider(log, rec)
	if err != nil {
		return nil, fmt.Errorf("init llm provider %q: %w", rec.Name, err)
	}
	gateway := llm.NewGateway(log, tel, provider, rec, llm.OptionsFromEnv())
	agent := agents.NewTemplateAgent(log, gateway, tel)

	registry := workers.NewRegistry()
	handlers := []workers.Handler{
		workers.NewParseHandler(log, agent, store, svcs.Templates, rec.Name, rec.Model, cfg.MaxCostPerTaskUSD),
		workers.NewEditHandler(log, agent, svcs.Templates, cfg.MaxCostPerTaskUSD),
		workers.NewReviewHandler(log, agent, svcs.Templates, cfg.MaxCostPerTaskUSD),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", h.Kind(), err)
		}
	}

	return workers.New(workers.ConfigFromEnv(), log, reposet.Tasks, wlog, registry, bus, health, tel, metrics), nil
}
