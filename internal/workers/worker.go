package workers

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

type Config struct {
	ID          string
	Concurrency int
	Block       time.Duration
	MinIdle     time.Duration
}

func ConfigFromEnv() Config {
	id := envutil.String("WORKER_ID", "")
	if id == "" {
		u := uuid.New()
		id = "worker-" + hex.EncodeToString(u[:4])
	}
	return Config{
		ID:          id,
		Concurrency: envutil.Int("WORKER_CONCURRENCY", 3),
		Block:       time.Duration(envutil.Int("STREAM_BLOCK_MS", 5000)) * time.Millisecond,
		MinIdle:     time.Duration(envutil.Int("STREAM_MIN_IDLE_MS", 60000)) * time.Millisecond,
	}
}

// Worker drives tasks from the work log to a terminal state. Each consumer
// goroutine round-robins across the registered kinds' streams; a slow ticker
// reclaims deliveries stranded by dead consumers.
type Worker struct {
	cfg      Config
	log      *logger.Logger
	tasks    taskrepo.TaskRepo
	wlog     worklog.Log
	registry *Registry
	bus      *progress.Publisher
	health   *progress.HealthPublisher
	tel      *telemetry.Emitter
	metrics  *observability.Metrics

	wg sync.WaitGroup
}

func New(
	cfg Config,
	baseLog *logger.Logger,
	tasks taskrepo.TaskRepo,
	wlog worklog.Log,
	registry *Registry,
	bus *progress.Publisher,
	health *progress.HealthPublisher,
	tel *telemetry.Emitter,
	metrics *observability.Metrics,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	return &Worker{
		cfg:      cfg,
		log:      baseLog.With("component", "TaskWorker", "worker_id", cfg.ID),
		tasks:    tasks,
		wlog:     wlog,
		registry: registry,
		bus:      bus,
		health:   health,
		tel:      tel,
		metrics:  metrics,
	}
}

// Start creates the consumer groups and launches the consumer goroutines.
// It returns an error only when no group can be created, which means Redis
// is unreachable and the process should not pretend to be a worker.
func (w *Worker) Start(ctx context.Context) error {
	kinds := w.registry.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	for _, kind := range kinds {
		stream := domain.StreamName(kind)
		if err := w.wlog.EnsureGroup(ctx, stream, worklog.GroupFor(stream)); err != nil {
			return fmt.Errorf("ensure group for %s: %w", stream, err)
		}
	}

	w.health.Healthy(ctx, "worker", fmt.Sprintf("Worker %s online", w.cfg.ID), map[string]interface{}{
		"worker_id":   w.cfg.ID,
		"concurrency": w.cfg.Concurrency,
		"streams":     kinds,
	})
	w.log.Info("Worker started", "concurrency", w.cfg.Concurrency, "kinds", kinds)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx, i)
	}
	w.wg.Add(1)
	go w.reclaim(ctx)
	return nil
}

// Wait blocks until every consumer goroutine has drained after the context
// was cancelled.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// consume blocks on one stream at a time, rotating through the registered
// kinds. Starting each goroutine at a different offset spreads the blocking
// reads across streams.
func (w *Worker) consume(ctx context.Context, slot int) {
	defer w.wg.Done()
	kinds := w.registry.Kinds()
	for i := slot; ; i++ {
		if ctx.Err() != nil {
			return
		}
		stream := domain.StreamName(kinds[i%len(kinds)])
		group := worklog.GroupFor(stream)

		msgs, err := w.wlog.Read(ctx, stream, group, w.cfg.ID, 1, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("Work log read failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

// reclaim periodically adopts deliveries whose consumer died before acking.
// Terminal-row checks in handle make re-running a finished task a no-op.
func (w *Worker) reclaim(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.MinIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range w.registry.Kinds() {
				stream := domain.StreamName(kind)
				group := worklog.GroupFor(stream)
				msgs, err := w.wlog.AutoClaim(ctx, stream, group, w.cfg.ID, w.cfg.MinIdle)
				if err != nil {
					w.log.Warn("Autoclaim failed", "stream", stream, "error", err)
					continue
				}
				if len(msgs) > 0 {
					w.log.Info("Reclaimed stalled deliveries", "stream", stream, "count", len(msgs))
				}
				for _, msg := range msgs {
					w.handle(ctx, msg)
				}
			}
		}
	}
}

// handle processes one delivery. Acking is the worker's receipt that the
// task reached a terminal state (or that the message can never produce one);
// infrastructure failures leave the entry pending so it redelivers.
func (w *Worker) handle(ctx context.Context, msg worklog.Message) {
	group := worklog.GroupFor(msg.Stream)

	rawID := worklog.TaskID(msg.Values)
	taskID, err := uuid.Parse(rawID)
	if err != nil {
		w.log.Warn("Dropping malformed message", "stream", msg.Stream, "entry_id", msg.ID, "task_id", rawID)
		w.ack(ctx, msg.Stream, group, msg.ID)
		return
	}
	log := w.log.With("task_id", taskID, "stream", msg.Stream)

	task, err := w.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Warn("Dropping message for unknown task", "entry_id", msg.ID)
			w.ack(ctx, msg.Stream, group, msg.ID)
			return
		}
		log.Warn("Task load failed, leaving message for redelivery", "error", err)
		return
	}
	if domain.IsTerminal(task.Status) {
		log.Info("Skipping terminal task", "status", task.Status)
		w.ack(ctx, msg.Stream, group, msg.ID)
		return
	}

	// Resolve the handler before claiming so a misconfigured kind can still
	// be failed from pending.
	h, ok := w.registry.Get(task.Kind)
	if !ok {
		log.Error("No handler registered for task_type", "task_type", task.Kind)
		if w.failTask(ctx, task, worklog.TraceID(msg.Values), task.Kind,
			"no handler registered for task type "+task.Kind, taskerr.ConfigurationError, false) {
			w.ack(ctx, msg.Stream, group, msg.ID)
		}
		return
	}

	claimed, err := w.tasks.Claim(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		log.Warn("Claim failed, leaving message for redelivery", "error", err)
		return
	}
	if !claimed {
		log.Info("Task claimed elsewhere, acking duplicate delivery")
		w.ack(ctx, msg.Stream, group, msg.ID)
		return
	}
	task.Status = domain.StatusProcessing

	tc := NewTaskContext(ctx, task, msg.Values, w.log, w.tasks, w.bus, w.tel)
	outcome, err := w.run(tc, h)
	dur := time.Since(tc.Started)

	kind := taskerr.KindOf(err)
	var pe *panicError
	switch {
	case err == nil:
		if !w.complete(tc, outcome, dur) {
			return
		}
		w.metrics.ObserveTask(task.Kind, domain.StatusCompleted, dur)
		w.ack(ctx, msg.Stream, group, msg.ID)

	case errors.As(err, &pe):
		log.Error("Task handler panic", "task_type", task.Kind, "panic", pe.Val)
		w.metrics.ObserveTask(task.Kind, "panic", dur)
		// No ack: redelivery retries, and the reaper fails the row if the
		// panic is deterministic.

	case kind == taskerr.Cancelled:
		log.Info("Task cancelled mid-flight")
		w.metrics.ObserveTask(task.Kind, domain.StatusCancelled, dur)
		w.ack(ctx, msg.Stream, group, msg.ID)

	case taskerr.Infrastructure(kind) || ctx.Err() != nil:
		log.Warn("Infrastructure failure, leaving message for redelivery", "error", err, "error_type", kind)
		w.metrics.ObserveTask(task.Kind, "redelivered", dur)

	default:
		recoverable := taskerr.Retryable(kind) || taskerr.Healable(kind)
		log.Error("Task failed", "error", err, "error_type", kind, "recoverable", recoverable)
		if w.failTask(ctx, task, tc.TraceID(), tc.Operation(), taskerr.MessageOf(err), kind, recoverable) {
			w.metrics.ObserveTask(task.Kind, domain.StatusFailed, dur)
			w.ack(ctx, msg.Stream, group, msg.ID)
		}
	}
}

// run executes the handler with panic containment.
func (w *Worker) run(tc *TaskContext, h Handler) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = &panicError{Val: r}
		}
	}()
	return h.Run(tc)
}

// complete writes the terminal success state and broadcasts it. Returns
// false when the write failed and the message must stay pending.
func (w *Worker) complete(tc *TaskContext, outcome *Outcome, dur time.Duration) bool {
	if outcome == nil {
		outcome = &Outcome{}
	}
	taskID := tc.Task.ID
	ok, err := w.tasks.Complete(dbctx.Context{Ctx: tc.Ctx}, taskID,
		outcome.Result, outcome.CostUSD, outcome.TokensIn, outcome.TokensOut)
	if err != nil {
		w.log.Warn("Complete write failed, leaving message for redelivery", "task_id", taskID, "error", err)
		return false
	}
	if !ok {
		// The row went terminal first (cancel raced the finish). That side
		// owns the terminal event.
		w.log.Warn("Completion overtaken by terminal state", "task_id", taskID)
		return true
	}

	w.bus.PublishCompleted(tc.Ctx, taskID.String(), outcome.Summary)
	w.tel.OperationCompleted(tc.Operation(), tc.TraceID(), taskID.String(), int(dur.Seconds()), outcome.Summary)
	w.log.Info("Task completed",
		"task_id", taskID,
		"task_type", tc.Task.Kind,
		"duration_seconds", int(dur.Seconds()),
		"cost_usd", outcome.CostUSD,
	)
	return true
}

// failTask writes the terminal failure and broadcasts it. Returns false when
// the store write failed and the message must stay pending.
func (w *Worker) failTask(ctx context.Context, task *domain.Task, traceID, operation, errMsg string, kind taskerr.Kind, recoverable bool) bool {
	ok, err := w.tasks.Fail(dbctx.Context{Ctx: ctx}, task.ID, errMsg, string(kind))
	if err != nil {
		w.log.Warn("Fail write failed, leaving message for redelivery", "task_id", task.ID, "error", err)
		return false
	}
	if !ok {
		w.log.Info("Failure overtaken by terminal state", "task_id", task.ID)
		return true
	}
	w.bus.PublishFailed(ctx, task.ID.String(), errMsg, kind, recoverable)
	w.tel.OperationFailed(operation, traceID, task.ID.String(), errMsg, string(kind))
	return true
}

func (w *Worker) ack(ctx context.Context, stream, group, id string) {
	if err := w.wlog.Ack(ctx, stream, group, id); err != nil {
		w.log.Warn("Ack failed", "stream", stream, "entry_id", id, "error", err)
	}
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
