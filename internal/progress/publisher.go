package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// Event types on the progress channel.
const (
	TypeSubscribed = "subscribed"
	TypeTaskStatus = "task_status"
	TypeProgress   = "progress_update"
	TypeMilestone  = "milestone"
	TypeComplete   = "task_complete"
	TypeError      = "task_error"
	TypePong       = "pong"
	TypeErrorInfo  = "error"
)

// Channel returns the pub/sub channel for one task.
func Channel(taskID string) string {
	return "progress:task:" + taskID
}

// Publisher posts progress events to Redis Pub/Sub. Publishing is
// fire-and-forget: failures are logged and swallowed so a dead bus can
// never fail a running pipeline.
type Publisher struct {
	log *logger.Logger
	rdb *redis.Client

	mu      sync.Mutex
	started map[string]time.Time
	now     func() time.Time
}

func NewPublisher(baseLog *logger.Logger, rdb *redis.Client) *Publisher {
	return &Publisher{
		log:     baseLog.With("service", "ProgressPublisher"),
		rdb:     rdb,
		started: make(map[string]time.Time),
		now:     time.Now,
	}
}

// PublishProgress sends a progress_update with elapsed time and, once the
// task is at least 5% in, a linear ETA.
func (p *Publisher) PublishProgress(ctx context.Context, taskID string, progress int, step string, details map[string]interface{}) {
	elapsed := p.elapsed(taskID)

	msg := map[string]interface{}{
		"type":            TypeProgress,
		"task_id":         taskID,
		"progress":        progress,
		"current_step":    step,
		"elapsed_seconds": elapsed,
		"timestamp":       p.timestamp(),
	}
	if progress >= 5 && progress < 100 {
		eta := int(float64(elapsed) / float64(progress) * float64(100-progress))
		msg["eta_seconds"] = eta
		msg["eta_message"] = formatETA(eta)
	}
	if len(details) > 0 {
		msg["details"] = details
	}
	p.publish(ctx, taskID, msg)
}

// PublishMilestone marks a major step without moving the percentage.
func (p *Publisher) PublishMilestone(ctx context.Context, taskID string, milestone string, details map[string]interface{}) {
	msg := map[string]interface{}{
		"type":      TypeMilestone,
		"task_id":   taskID,
		"milestone": milestone,
		"timestamp": p.timestamp(),
	}
	if len(details) > 0 {
		msg["details"] = details
	}
	p.publish(ctx, taskID, msg)
}

// PublishCompleted sends the terminal success event and drops the task's
// start-time entry.
func (p *Publisher) PublishCompleted(ctx context.Context, taskID string, resultSummary map[string]interface{}) {
	elapsed := p.elapsed(taskID)
	msg := map[string]interface{}{
		"type":            TypeComplete,
		"task_id":         taskID,
		"progress":        100,
		"current_step":    "Parsing complete!",
		"elapsed_seconds": elapsed,
		"timestamp":       p.timestamp(),
	}
	if len(resultSummary) > 0 {
		msg["result_summary"] = resultSummary
	}
	p.publish(ctx, taskID, msg)
	p.forget(taskID)
}

// PublishFailed sends the terminal failure event with a per-kind user
// suggestion and drops the task's start-time entry.
func (p *Publisher) PublishFailed(ctx context.Context, taskID string, errMsg string, errKind taskerr.Kind, recoverable bool) {
	msg := map[string]interface{}{
		"type":        TypeError,
		"task_id":     taskID,
		"error":       errMsg,
		"error_type":  string(errKind),
		"recoverable": recoverable,
		"timestamp":   p.timestamp(),
	}
	if s := Suggestion(errKind); s != "" {
		msg["suggestion"] = s
	}
	p.publish(ctx, taskID, msg)
	p.forget(taskID)
}

func (p *Publisher) publish(ctx context.Context, taskID string, msg map[string]interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("Progress event marshal failed", "task_id", taskID, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel(taskID), raw).Err(); err != nil {
		p.log.Warn("Progress publish failed", "task_id", taskID, "error", err)
	}
}

func (p *Publisher) elapsed(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.started[taskID]
	if !ok {
		start = p.now()
		p.started[taskID] = start
	}
	return int(p.now().Sub(start).Seconds())
}

func (p *Publisher) forget(taskID string) {
	p.mu.Lock()
	delete(p.started, taskID)
	p.mu.Unlock()
}

func (p *Publisher) timestamp() string {
	return p.now().UTC().Format(time.RFC3339)
}

func formatETA(seconds int) string {
	if seconds < 60 {
		return "Less than a minute remaining"
	}
	minutes := (seconds + 59) / 60
	if minutes == 1 {
		return "About 1 minute remaining"
	}
	return fmt.Sprintf("About %d minutes remaining", minutes)
}

// Suggestion maps an error kind to the hint shown next to a failed task.
func Suggestion(kind taskerr.Kind) string {
	switch kind {
	case taskerr.FileNotFound, taskerr.FileUnreadable:
		return "Please ensure the file was uploaded correctly and try again."
	case taskerr.UnsupportedFormat, taskerr.FileTooLarge:
		return "Please upload a Word document (.docx) under 50 MB."
	case taskerr.RateLimited, taskerr.ProviderTimeout, taskerr.NetworkDown, taskerr.ProviderError:
		return "The AI service is temporarily unavailable. Your task will be retried automatically."
	case taskerr.MalformedJSON, taskerr.ValidationFailed, taskerr.ParseExtractFailed:
		return "There was an issue parsing your document. Please verify it's a valid Word file."
	case taskerr.QuotaExhausted:
		return "The task exceeded its cost budget. Ask an administrator to raise MAX_COST_PER_TASK_USD."
	default:
		return ""
	}
}
