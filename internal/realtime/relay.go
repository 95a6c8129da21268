package realtime

import (
	"context"
	"time"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
)

// Relay pumps the shared health alert feed into the hub so clients attached
// to this process see alerts published by any process.
type Relay struct {
	log *logger.Logger
	sub *progress.Subscriber
	hub *Hub
}

func NewRelay(baseLog *logger.Logger, sub *progress.Subscriber, hub *Hub) *Relay {
	return &Relay{
		log: baseLog.With("component", "WSRelay"),
		sub: sub,
		hub: hub,
	}
}

// Run blocks until ctx is cancelled, retrying when Redis is unreachable at
// attach time. Once attached, go-redis reconnects and resubscribes on its
// own, so a Redis restart only pauses the feed.
func (r *Relay) Run(ctx context.Context) {
	for {
		err := r.sub.ForwardHealth(ctx, func(event map[string]interface{}) {
			r.hub.Broadcast(progress.HealthChannel, event)
		})
		if err == nil {
			r.log.Info("Relay started", "channel", progress.HealthChannel)
			<-ctx.Done()
			r.log.Info("Relay stopped")
			return
		}

		r.log.Warn("Relay subscribe failed; retrying", "error", err)
		select {
		case <-ctx.Done():
			r.log.Info("Relay stopped")
			return
		case <-time.After(5 * time.Second):
		}
	}
}
