package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Emitter writes structured telemetry events, one zap Info line per event.
// Every emit is fire-and-forget; telemetry can never fail a caller.
type Emitter struct {
	log     *logger.Logger
	service string
	now     func() time.Time
	newID   func() string
}

func NewEmitter(baseLog *logger.Logger, service string) *Emitter {
	return &Emitter{
		log:     baseLog.With("component", "telemetry"),
		service: service,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Event logs one telemetry event. trace_id links every event in one user
// operation chain; task_id and user_id may be empty.
func (e *Emitter) Event(eventType, traceID, taskID, userID string, data, metadata map[string]interface{}) {
	if e == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	e.log.Info(eventType,
		"event_id", e.newID(),
		"timestamp", e.now().UTC().Format(time.RFC3339),
		"event_type", eventType,
		"service", e.service,
		"trace_id", traceID,
		"task_id", taskID,
		"user_id", userID,
		"data", data,
		"metadata", metadata,
	)
}

func (e *Emitter) OperationStarted(operation, traceID, taskID, userID string, context map[string]interface{}) {
	data := map[string]interface{}{"operation": operation}
	for k, v := range context {
		data[k] = v
	}
	e.Event("operation.started", traceID, taskID, userID, data, nil)
}

// OperationProgress logs a progress step. etaSeconds < 0 means unknown.
func (e *Emitter) OperationProgress(operation, traceID, taskID string, progress int, currentStep string, etaSeconds int) {
	data := map[string]interface{}{
		"operation":    operation,
		"progress":     progress,
		"current_step": currentStep,
	}
	if etaSeconds >= 0 {
		data["eta_seconds"] = etaSeconds
	}
	e.Event("operation.progress", traceID, taskID, "", data, nil)
}

func (e *Emitter) OperationCompleted(operation, traceID, taskID string, durationSeconds int, resultSummary map[string]interface{}) {
	e.Event("operation.completed", traceID, taskID, "", map[string]interface{}{
		"operation":        operation,
		"duration_seconds": durationSeconds,
		"result_summary":   resultSummary,
	}, nil)
}

func (e *Emitter) OperationFailed(operation, traceID, taskID, errMsg, errKind string) {
	e.Event("operation.failed", traceID, taskID, "", map[string]interface{}{
		"operation":  operation,
		"error":      errMsg,
		"error_type": errKind,
	}, nil)
}

func (e *Emitter) AgentStarted(agent, traceID, taskID string, context map[string]interface{}) {
	e.Event("agent.started", traceID, taskID, "", context, map[string]interface{}{"agent": agent})
}

func (e *Emitter) AgentOperation(agent, operation, traceID, taskID string, context map[string]interface{}) {
	data := map[string]interface{}{"operation": operation}
	for k, v := range context {
		data[k] = v
	}
	e.Event("agent.operation", traceID, taskID, "", data, map[string]interface{}{"agent": agent})
}

func (e *Emitter) AgentCompleted(agent, traceID, taskID string, durationSeconds int, resultSummary map[string]interface{}) {
	e.Event("agent.completed", traceID, taskID, "", map[string]interface{}{
		"duration_seconds": durationSeconds,
		"result_summary":   resultSummary,
	}, map[string]interface{}{"agent": agent})
}

func (e *Emitter) AgentFailed(agent, traceID, taskID, errMsg, errKind string) {
	e.Event("agent.failed", traceID, taskID, "", map[string]interface{}{
		"error":      errMsg,
		"error_type": errKind,
	}, map[string]interface{}{"agent": agent})
}

func (e *Emitter) LLMRequest(provider, model, traceID, taskID, promptType string, inputTokens int) {
	data := map[string]interface{}{"prompt_type": promptType}
	if inputTokens > 0 {
		data["input_tokens"] = inputTokens
	}
	e.Event("llm.request", traceID, taskID, "", data, map[string]interface{}{
		"provider": provider,
		"model":    model,
	})
}

func (e *Emitter) LLMResponse(provider, model, traceID, taskID string, durationMS int64, inputTokens, outputTokens int, costUSD float64) {
	e.Event("llm.response", traceID, taskID, "", map[string]interface{}{
		"duration_ms":   durationMS,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      costUSD,
	}, map[string]interface{}{
		"provider": provider,
		"model":    model,
	})
}

func (e *Emitter) Error(errKind, errMsg, traceID, taskID string, context map[string]interface{}) {
	data := map[string]interface{}{
		"error_type":    errKind,
		"error_message": errMsg,
	}
	for k, v := range context {
		data[k] = v
	}
	e.Event("error", traceID, taskID, "", data, nil)
}

// GenerateTraceID mints a trace id for a new operation chain.
func GenerateTraceID() string {
	return uuid.New().String()
}
