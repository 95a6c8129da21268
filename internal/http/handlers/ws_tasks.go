package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/http/response"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/realtime"
	"github.com/isoforge/isoforge-backend/internal/services"
)

// TaskSocketHandler streams one task's progress events to a websocket
// client. Each socket carries its own progress subscription; the hub is only
// used as the write-path plumbing.
type TaskSocketHandler struct {
	log      *logger.Logger
	svc      services.TaskService
	sub      *progress.Subscriber
	hub      *realtime.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func NewTaskSocketHandler(baseLog *logger.Logger, svc services.TaskService, sub *progress.Subscriber, hub *realtime.Hub, metrics *observability.Metrics) *TaskSocketHandler {
	return &TaskSocketHandler{
		log:     baseLog.With("handler", "TaskSocketHandler"),
		svc:     svc,
		sub:     sub,
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set WS headers, so origin policy is enforced
			// by the token query parameter instead.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GET /ws/tasks/:id
func (h *TaskSocketHandler) Serve(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("WS upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.WSConnInc("tasks")
		defer h.metrics.WSConnDec("tasks")
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := h.hub.NewClient()
	writeDone := make(chan struct{})
	go func() {
		realtime.WritePump(conn, client, h.log)
		close(writeDone)
	}()
	finish := func() {
		h.hub.CloseClient(client)
		<-writeDone
	}

	// Subscribe before reading the row so a terminal event landing between
	// the two cannot be missed. Forwarded events hold behind the gate until
	// the subscribed/task_status preamble is on the wire.
	gate := make(chan struct{})
	terminal := make(chan struct{})
	var terminalOnce sync.Once
	err = h.sub.ForwardTask(ctx, taskID.String(), func(event map[string]interface{}) {
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}
		h.hub.Send(client, event)
		if event["type"] == progress.TypeComplete || event["type"] == progress.TypeError {
			terminalOnce.Do(func() { close(terminal) })
		}
	})
	if err != nil {
		h.log.Warn("WS progress subscribe failed", "task_id", taskID, "error", err)
		h.hub.Send(client, realtime.Event{
			"type":    "error",
			"code":    "log_unavailable",
			"error":   "Progress feed unavailable",
			"task_id": taskID.String(),
		})
		finish()
		return
	}

	task, err := h.svc.Get(dbctx.New(ctx), taskID)
	if err != nil {
		h.hub.Send(client, realtime.Event{
			"type":    "error",
			"code":    "not_found",
			"error":   "Task not found",
			"task_id": taskID.String(),
		})
		finish()
		return
	}

	h.hub.Send(client, realtime.Event{
		"type":      "subscribed",
		"task_id":   taskID.String(),
		"timestamp": wsTimestamp(),
	})
	h.hub.Send(client, realtime.Event{
		"type": "task_status",
		"task": task,
	})

	if domain.IsTerminal(task.Status) {
		h.hub.Send(client, syntheticTerminal(task))
		finish()
		return
	}
	close(gate)

	readDone := make(chan struct{})
	go func() {
		realtime.ReadPump(conn, h.log, func(msg map[string]interface{}) {
			if msg["type"] == "ping" {
				h.hub.Send(client, realtime.Event{
					"type":      "pong",
					"timestamp": msg["timestamp"],
				})
			}
		})
		close(readDone)
	}()

	select {
	case <-ctx.Done():
	case <-readDone:
	case <-terminal:
	}
	finish()
}

// syntheticTerminal rebuilds the terminal event for a viewer that attached
// after the task finished. The live result summary is not persisted, so the
// completion event carries the row's usage columns instead.
func syntheticTerminal(task *domain.Task) realtime.Event {
	if task.Status == domain.StatusCompleted {
		return realtime.Event{
			"type":            progress.TypeComplete,
			"task_id":         task.ID.String(),
			"progress":        100,
			"current_step":    "Parsing complete!",
			"elapsed_seconds": task.DurationS,
			"timestamp":       wsTimestamp(),
			"result_summary": map[string]interface{}{
				"cost_usd":      task.CostUSD,
				"tokens_input":  task.TokensIn,
				"tokens_output": task.TokensOut,
			},
		}
	}

	kind := taskerr.Kind(task.ErrorKind)
	errMsg := task.Error
	if task.Status == domain.StatusCancelled {
		if kind == "" {
			kind = taskerr.Cancelled
		}
		if errMsg == "" {
			errMsg = "Task cancelled by user"
		}
	}
	event := realtime.Event{
		"type":        progress.TypeError,
		"task_id":     task.ID.String(),
		"error":       errMsg,
		"error_type":  string(kind),
		"recoverable": taskerr.Retryable(kind) || taskerr.Healable(kind),
		"timestamp":   wsTimestamp(),
	}
	if s := progress.Suggestion(kind); s != "" {
		event["suggestion"] = s
	}
	return event
}

func wsTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
