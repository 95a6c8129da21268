package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Subscriber forwards pub/sub events to in-process consumers, one
// subscription per call. The realtime layer runs one Forward per socket.
type Subscriber struct {
	log *logger.Logger
	rdb *redis.Client
}

func NewSubscriber(baseLog *logger.Logger, rdb *redis.Client) *Subscriber {
	return &Subscriber{
		log: baseLog.With("service", "ProgressSubscriber"),
		rdb: rdb,
	}
}

// ForwardTask subscribes to one task's progress channel and invokes onEvent
// for every event until ctx is cancelled. Events missing type or task_id get
// them filled in so consumers always see a complete envelope.
func (s *Subscriber) ForwardTask(ctx context.Context, taskID string, onEvent func(event map[string]interface{})) error {
	return s.forward(ctx, Channel(taskID), func(data map[string]interface{}) {
		if _, ok := data["type"]; !ok {
			data["type"] = TypeProgress
		}
		if _, ok := data["task_id"]; !ok {
			data["task_id"] = taskID
		}
		onEvent(data)
	})
}

// ForwardHealth subscribes to the system health channel. Events missing a
// type are tagged health_alert.
func (s *Subscriber) ForwardHealth(ctx context.Context, onEvent func(event map[string]interface{})) error {
	return s.forward(ctx, HealthChannel, func(data map[string]interface{}) {
		if _, ok := data["type"]; !ok {
			data["type"] = TypeHealthAlert
		}
		onEvent(data)
	})
}

func (s *Subscriber) forward(ctx context.Context, channel string, onEvent func(data map[string]interface{})) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("progress subscriber not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := s.rdb.Subscribe(ctx, channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var data map[string]interface{}
				if err := json.Unmarshal([]byte(m.Payload), &data); err != nil {
					s.log.Warn("Bad progress payload", "channel", channel, "error", err)
					continue
				}
				onEvent(data)
			}
		}
	}()

	return nil
}
