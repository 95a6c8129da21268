package handlers_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	apihttp "github.com/isoforge/isoforge-backend/internal/http"
	"github.com/isoforge/isoforge-backend/internal/http/handlers"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/realtime"
)

func wsTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// dialTaskSocket runs the real router with the real progress subscriber and
// opens a websocket to /ws/tasks/{id}.
func dialTaskSocket(t *testing.T, svc *fakeTaskService, rdb *redis.Client, taskID uuid.UUID) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := handlerTestLogger(t)
	hub := realtime.NewHub(log)
	sub := progress.NewSubscriber(log, rdb)

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Log:               log,
		TaskSocketHandler: handlers.NewTaskSocketHandler(log, svc, sub, hub, nil),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + taskID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event map[string]interface{}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func expectWSClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event map[string]interface{}
	err := conn.ReadJSON(&event)
	if err == nil {
		t.Fatalf("expected close, got event %v", event)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestTaskSocketForwardsProgressFeed(t *testing.T) {
	rdb := wsTestRedis(t)
	taskID := uuid.New()
	svc := &fakeTaskService{
		getFn: func(id uuid.UUID) (*domain.Task, error) {
			return &domain.Task{ID: id, Kind: domain.KindTemplateParse, Status: domain.StatusProcessing, Progress: 10}, nil
		},
	}

	conn := dialTaskSocket(t, svc, rdb, taskID)

	if event := readWSEvent(t, conn); event["type"] != "subscribed" {
		t.Fatalf("first event type = %v, want subscribed", event["type"])
	}
	if event := readWSEvent(t, conn); event["type"] != "task_status" {
		t.Fatalf("second event type = %v, want task_status", event["type"])
	}

	ctx := context.Background()

	// A bare payload without type or task_id: the subscriber fills both in
	// before the socket sees it.
	if err := rdb.Publish(ctx, progress.Channel(taskID.String()),
		`{"progress": 40, "current_step": "Identifying sections"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := readWSEvent(t, conn)
	if event["type"] != progress.TypeProgress {
		t.Fatalf("forwarded type = %v, want %s", event["type"], progress.TypeProgress)
	}
	if event["task_id"] != taskID.String() {
		t.Fatalf("forwarded task_id = %v, want %s", event["task_id"], taskID)
	}
	if event["progress"] != float64(40) {
		t.Fatalf("forwarded progress = %v, want 40", event["progress"])
	}

	// Ping is answered while the feed is live.
	if err := conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": "t-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	event = readWSEvent(t, conn)
	if event["type"] != "pong" || event["timestamp"] != "t-1" {
		t.Fatalf("pong event = %v, want echoed timestamp t-1", event)
	}

	// Terminal event flows through and the server closes the socket.
	progress.NewPublisher(handlerTestLogger(t), rdb).PublishCompleted(ctx, taskID.String(),
		map[string]interface{}{"total_fillable_sections": 3})
	event = readWSEvent(t, conn)
	if event["type"] != progress.TypeComplete {
		t.Fatalf("terminal type = %v, want %s", event["type"], progress.TypeComplete)
	}
	expectWSClose(t, conn)
}

func TestTaskSocketTerminalSnapshot(t *testing.T) {
	rdb := wsTestRedis(t)
	taskID := uuid.New()
	svc := &fakeTaskService{
		getFn: func(id uuid.UUID) (*domain.Task, error) {
			return &domain.Task{
				ID:        id,
				Kind:      domain.KindTemplateParse,
				Status:    domain.StatusCompleted,
				Progress:  100,
				DurationS: 42,
				CostUSD:   0.12,
			}, nil
		},
	}

	conn := dialTaskSocket(t, svc, rdb, taskID)

	if event := readWSEvent(t, conn); event["type"] != "subscribed" {
		t.Fatalf("first event type = %v, want subscribed", event["type"])
	}
	if event := readWSEvent(t, conn); event["type"] != "task_status" {
		t.Fatalf("second event type = %v, want task_status", event["type"])
	}
	event := readWSEvent(t, conn)
	if event["type"] != progress.TypeComplete {
		t.Fatalf("synthetic type = %v, want %s", event["type"], progress.TypeComplete)
	}
	if event["elapsed_seconds"] != float64(42) {
		t.Fatalf("elapsed_seconds = %v, want 42", event["elapsed_seconds"])
	}
	expectWSClose(t, conn)
}

func TestTaskSocketUnknownTask(t *testing.T) {
	rdb := wsTestRedis(t)
	svc := &fakeTaskService{
		getFn: func(id uuid.UUID) (*domain.Task, error) {
			return nil, fmt.Errorf("no row")
		},
	}

	conn := dialTaskSocket(t, svc, rdb, uuid.New())

	event := readWSEvent(t, conn)
	if event["type"] != "error" || event["code"] != "not_found" {
		t.Fatalf("event = %v, want error/not_found", event)
	}
	expectWSClose(t, conn)
}
