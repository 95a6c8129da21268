package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/realtime"
)

// HealthSocketHandler attaches operators to the system health alert feed.
// Unlike task sockets, health clients share one hub-relayed subscription.
type HealthSocketHandler struct {
	log      *logger.Logger
	hub      *realtime.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func NewHealthSocketHandler(baseLog *logger.Logger, hub *realtime.Hub, metrics *observability.Metrics) *HealthSocketHandler {
	return &HealthSocketHandler{
		log:     baseLog.With("handler", "HealthSocketHandler"),
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// GET /ws/system/health
func (h *HealthSocketHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("WS upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.WSConnInc("health")
		defer h.metrics.WSConnDec("health")
	}

	client := h.hub.NewClient()
	h.hub.AddChannel(client, progress.HealthChannel)

	writeDone := make(chan struct{})
	go func() {
		realtime.WritePump(conn, client, h.log)
		close(writeDone)
	}()

	h.hub.Send(client, realtime.Event{
		"type":      "subscribed",
		"channel":   progress.HealthChannel,
		"timestamp": wsTimestamp(),
	})

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
	case <-c.Request.Context().Done():
	case <-readDone:
	}
	h.hub.CloseClient(client)
	<-writeDone
}
