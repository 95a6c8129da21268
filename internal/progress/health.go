package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// HealthChannel carries component health alerts for the operations view.
const HealthChannel = "system:health:alerts"

const TypeHealthAlert = "health_alert"

// HealthPublisher posts component health alerts. Like the task publisher it
// never surfaces errors to callers.
type HealthPublisher struct {
	log *logger.Logger
	rdb *redis.Client
	now func() time.Time
}

func NewHealthPublisher(baseLog *logger.Logger, rdb *redis.Client) *HealthPublisher {
	return &HealthPublisher{
		log: baseLog.With("service", "HealthPublisher"),
		rdb: rdb,
		now: time.Now,
	}
}

// Publish sends one alert. metadata may be nil.
func (h *HealthPublisher) Publish(ctx context.Context, component, status, message, severity string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	msg := map[string]interface{}{
		"type":      TypeHealthAlert,
		"component": component,
		"status":    status,
		"message":   message,
		"severity":  severity,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"metadata":  metadata,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("Health alert marshal failed", "component", component, "error", err)
		return
	}
	if err := h.rdb.Publish(ctx, HealthChannel, raw).Err(); err != nil {
		h.log.Warn("Health alert publish failed", "component", component, "error", err)
	}
}

func (h *HealthPublisher) Healthy(ctx context.Context, component, message string, metadata map[string]interface{}) {
	h.Publish(ctx, component, "healthy", message, "info", metadata)
}

func (h *HealthPublisher) Warning(ctx context.Context, component, message string, metadata map[string]interface{}) {
	h.Publish(ctx, component, "warning", message, "warning", metadata)
}

func (h *HealthPublisher) Error(ctx context.Context, component, message string, metadata map[string]interface{}) {
	h.Publish(ctx, component, "error", message, "error", metadata)
}

func (h *HealthPublisher) Critical(ctx context.Context, component, message string, metadata map[string]interface{}) {
	h.Publish(ctx, component, "critical", message, "critical", metadata)
}
