package workers

import (
	"context"
	"time"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/ctxutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

// TaskContext is everything a handler needs while running one task. Progress
// checkpoints flow through it, and cancellation from the dashboard surfaces
// here as a Cancelled error at the next checkpoint.
type TaskContext struct {
	Ctx     context.Context
	Task    *domain.Task
	Values  map[string]interface{}
	Started time.Time

	log   *logger.Logger
	tasks taskrepo.TaskRepo
	bus   *progress.Publisher
	tel   *telemetry.Emitter

	traceID   string
	operation string
	lastPct   int
}

func NewTaskContext(
	ctx context.Context,
	task *domain.Task,
	values map[string]interface{},
	baseLog *logger.Logger,
	tasks taskrepo.TaskRepo,
	bus *progress.Publisher,
	tel *telemetry.Emitter,
) *TaskContext {
	traceID := worklog.TraceID(values)
	if traceID == "" {
		traceID = task.TraceID
	}
	if traceID != "" {
		ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{TraceID: traceID})
	}
	return &TaskContext{
		Ctx:     ctx,
		Task:    task,
		Values:  values,
		Started: time.Now(),
		log:     baseLog.With("task_id", task.ID, "task_type", task.Kind),
		tasks:   tasks,
		bus:     bus,
		tel:     tel,
		traceID: traceID,
		lastPct: task.Progress,
	}
}

func (tc *TaskContext) TraceID() string { return tc.traceID }

// ElapsedSeconds is the wall time since this delivery was claimed.
func (tc *TaskContext) ElapsedSeconds() int {
	return int(time.Since(tc.Started).Seconds())
}

func (tc *TaskContext) UserID() string {
	if tc.Task.CreatorID != nil {
		return tc.Task.CreatorID.String()
	}
	return ""
}

// BeginOperation names the telemetry operation this task runs under and
// emits operation.started. Handlers call it once, before the first
// checkpoint.
func (tc *TaskContext) BeginOperation(name string, context map[string]interface{}) {
	tc.operation = name
	tc.tel.OperationStarted(name, tc.traceID, tc.Task.ID.String(), tc.UserID(), context)
}

// Operation returns the telemetry operation name, falling back to the task
// kind before BeginOperation has run.
func (tc *TaskContext) Operation() string {
	if tc.operation != "" {
		return tc.operation
	}
	return tc.Task.Kind
}

// Progress persists one checkpoint, broadcasts it, and emits telemetry.
// Percentages never move backwards; a write rejected because the row left
// processing turns into Cancelled or StateConflict so the pipeline stops at
// this checkpoint. Store glitches are logged and skipped: progress is
// advisory and must not fail a healthy task.
func (tc *TaskContext) Progress(pct int, step string, details map[string]interface{}) error {
	if pct < tc.lastPct {
		pct = tc.lastPct
	}

	ok, err := tc.tasks.UpdateProgress(dbctx.Context{Ctx: tc.Ctx}, tc.Task.ID, pct, step)
	if err != nil {
		tc.log.Warn("Progress write failed", "progress", pct, "error", err)
	} else if !ok {
		current, gerr := tc.tasks.GetByID(dbctx.Context{Ctx: tc.Ctx}, tc.Task.ID)
		switch {
		case gerr != nil:
			tc.log.Warn("Progress state check failed", "error", gerr)
		case current.Status == domain.StatusCancelled:
			return taskerr.New(taskerr.Cancelled, "task cancelled by user")
		default:
			return taskerr.Newf(taskerr.StateConflict, "task moved to %s during processing", current.Status)
		}
	}

	tc.lastPct = pct
	tc.Task.Progress = pct
	tc.Task.Step = step

	tc.bus.PublishProgress(tc.Ctx, tc.Task.ID.String(), pct, step, details)
	tc.tel.OperationProgress(tc.Operation(), tc.traceID, tc.Task.ID.String(), pct, step, -1)
	return nil
}
