// Package reaper recovers tasks whose worker died mid-flight. Rows stuck in
// processing past the claim horizon are failed with task_timeout; rows that
// never left pending are failed with no_worker. Guarded updates keep
// concurrent reapers from double-failing a row.
package reaper

import (
	"context"
	"time"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
)

const (
	// How long a processing row may sit before we assume its worker crashed.
	processingHorizon = 15 * time.Minute
	// How long a pending row may wait before we assume no worker will come.
	pendingHorizon = 20 * time.Minute

	processingErrMsg = "Task timed out after 15 minutes - worker may have crashed"
	pendingErrMsg    = "Task never started after 20 minutes - no worker available"

	processingErrKind = "task_timeout"
	pendingErrKind    = "no_worker"
)

type Reaper struct {
	interval time.Duration
	tasks    taskrepo.TaskRepo
	log      *logger.Logger
	health   *progress.HealthPublisher
	tel      *telemetry.Emitter
}

func New(interval time.Duration, tasks taskrepo.TaskRepo, baseLog *logger.Logger, health *progress.HealthPublisher, tel *telemetry.Emitter) *Reaper {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Reaper{
		interval: interval,
		tasks:    tasks,
		log:      baseLog.With("component", "reaper"),
		health:   health,
		tel:      tel,
	}
}

// IntervalFromEnv reads REAPER_INTERVAL_SECONDS, defaulting to five minutes.
func IntervalFromEnv() time.Duration {
	return envutil.Duration("REAPER_INTERVAL_SECONDS", 300)
}

// Start sweeps on the configured interval until ctx is cancelled. Sweep
// errors are logged and the loop keeps going; a flaky store must not kill
// the reaper.
func (r *Reaper) Start(ctx context.Context) {
	r.log.Info("Reaper started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.log.Error("Reap sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs both sweeps and reports what was reaped. The first failing
// sweep aborts the pass; the next tick retries.
func (r *Reaper) SweepOnce(ctx context.Context) error {
	dbc := dbctx.New(ctx)

	stuck, err := r.tasks.FailStuckProcessing(dbc, processingHorizon, processingErrMsg, processingErrKind)
	if err != nil {
		return err
	}
	for _, row := range stuck {
		r.log.Warn("Reaped stuck processing task", "task_id", row.ID, "task_type", row.Kind)
		r.tel.OperationFailed(row.Kind, "", row.ID.String(), processingErrMsg, processingErrKind)
	}

	unstarted, err := r.tasks.FailStuckPending(dbc, pendingHorizon, pendingErrMsg, pendingErrKind)
	if err != nil {
		return err
	}
	for _, row := range unstarted {
		r.log.Warn("Reaped unstarted pending task", "task_id", row.ID, "task_type", row.Kind)
		r.tel.OperationFailed(row.Kind, "", row.ID.String(), pendingErrMsg, pendingErrKind)
	}

	total := len(stuck) + len(unstarted)
	if total > 0 {
		r.log.Info("Reap sweep finished",
			"stuck_processing", len(stuck),
			"stuck_pending", len(unstarted),
		)
		r.health.Warning(ctx, "reaper", "Stuck tasks were reaped", map[string]interface{}{
			"stuck_processing": len(stuck),
			"stuck_pending":    len(unstarted),
			"kinds":            reapedKinds(stuck, unstarted),
		})
	}
	return nil
}

func reapedKinds(groups ...[]domain.Reaped) []string {
	seen := map[string]bool{}
	var kinds []string
	for _, group := range groups {
		for _, row := range group {
			if !seen[row.Kind] {
				seen[row.Kind] = true
				kinds = append(kinds, row.Kind)
			}
		}
	}
	return kinds
}
