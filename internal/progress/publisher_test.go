package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// captureOne subscribes to channel, runs publish, and returns the first
// event delivered.
func captureOne(t *testing.T, rdb *redis.Client, channel string, publish func()) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publish()

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func TestPublishProgressETA(t *testing.T) {
	rdb := testClient(t)
	pub := NewPublisher(testLogger(t), rdb)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return clock }

	// First event pins the start time. Below 5% there is no ETA.
	event := captureOne(t, rdb, Channel("task-1"), func() {
		pub.PublishProgress(context.Background(), "task-1", 0, "Starting document analysis...", nil)
	})
	if event["type"] != TypeProgress {
		t.Fatalf("type = %v, want %q", event["type"], TypeProgress)
	}
	if _, ok := event["eta_seconds"]; ok {
		t.Fatal("eta_seconds present below 5% progress")
	}
	if event["current_step"] != "Starting document analysis..." {
		t.Fatalf("current_step = %v", event["current_step"])
	}

	// Halfway through after 30s means 30s remain.
	clock = clock.Add(30 * time.Second)
	event = captureOne(t, rdb, Channel("task-1"), func() {
		pub.PublishProgress(context.Background(), "task-1", 50, "Identifying template sections with AI...", nil)
	})
	if got := event["elapsed_seconds"].(float64); got != 30 {
		t.Fatalf("elapsed_seconds = %v, want 30", got)
	}
	if got := event["eta_seconds"].(float64); got != 30 {
		t.Fatalf("eta_seconds = %v, want 30", got)
	}
	if event["eta_message"] != "Less than a minute remaining" {
		t.Fatalf("eta_message = %v", event["eta_message"])
	}
}

func TestPublishProgressDetails(t *testing.T) {
	rdb := testClient(t)
	pub := NewPublisher(testLogger(t), rdb)

	event := captureOne(t, rdb, Channel("task-2"), func() {
		pub.PublishProgress(context.Background(), "task-2", 40, "Identifying template sections with AI...", map[string]interface{}{
			"paragraphs": 120,
		})
	})
	details, ok := event["details"].(map[string]interface{})
	if !ok {
		t.Fatalf("details missing: %v", event)
	}
	if details["paragraphs"].(float64) != 120 {
		t.Fatalf("details.paragraphs = %v", details["paragraphs"])
	}
}

func TestPublishCompletedClearsStartTime(t *testing.T) {
	rdb := testClient(t)
	pub := NewPublisher(testLogger(t), rdb)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return clock }

	_ = captureOne(t, rdb, Channel("task-3"), func() {
		pub.PublishProgress(context.Background(), "task-3", 10, "Extracting document content...", nil)
	})

	clock = clock.Add(90 * time.Second)
	event := captureOne(t, rdb, Channel("task-3"), func() {
		pub.PublishCompleted(context.Background(), "task-3", map[string]interface{}{
			"total_sections": 12,
		})
	})
	if event["type"] != TypeComplete {
		t.Fatalf("type = %v, want %q", event["type"], TypeComplete)
	}
	if event["progress"].(float64) != 100 {
		t.Fatalf("progress = %v, want 100", event["progress"])
	}
	if event["current_step"] != "Parsing complete!" {
		t.Fatalf("current_step = %v", event["current_step"])
	}
	if event["elapsed_seconds"].(float64) != 90 {
		t.Fatalf("elapsed_seconds = %v, want 90", event["elapsed_seconds"])
	}

	pub.mu.Lock()
	_, tracked := pub.started["task-3"]
	pub.mu.Unlock()
	if tracked {
		t.Fatal("start time not cleared after completion")
	}
}

func TestPublishFailedEnvelope(t *testing.T) {
	rdb := testClient(t)
	pub := NewPublisher(testLogger(t), rdb)

	event := captureOne(t, rdb, Channel("task-4"), func() {
		pub.PublishFailed(context.Background(), "task-4", "document not found at /uploads/missing.docx", taskerr.FileNotFound, false)
	})
	if event["type"] != TypeError {
		t.Fatalf("type = %v, want %q", event["type"], TypeError)
	}
	if event["error_type"] != string(taskerr.FileNotFound) {
		t.Fatalf("error_type = %v", event["error_type"])
	}
	if event["recoverable"] != false {
		t.Fatalf("recoverable = %v, want false", event["recoverable"])
	}
	if event["suggestion"] != "Please ensure the file was uploaded correctly and try again." {
		t.Fatalf("suggestion = %v", event["suggestion"])
	}
}

func TestSuggestionByKind(t *testing.T) {
	cases := []struct {
		kind taskerr.Kind
		want string
	}{
		{taskerr.FileNotFound, "Please ensure the file was uploaded correctly and try again."},
		{taskerr.RateLimited, "The AI service is temporarily unavailable. Your task will be retried automatically."},
		{taskerr.MalformedJSON, "There was an issue parsing your document. Please verify it's a valid Word file."},
		{taskerr.Internal, ""},
	}
	for _, tc := range cases {
		if got := Suggestion(tc.kind); got != tc.want {
			t.Errorf("Suggestion(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{10, "Less than a minute remaining"},
		{59, "Less than a minute remaining"},
		{60, "About 1 minute remaining"},
		{61, "About 2 minutes remaining"},
		{600, "About 10 minutes remaining"},
	}
	for _, tc := range cases {
		if got := formatETA(tc.seconds); got != tc.want {
			t.Errorf("formatETA(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestForwardTaskFillsMissingFields(t *testing.T) {
	rdb := testClient(t)
	sub := NewSubscriber(testLogger(t), rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan map[string]interface{}, 1)
	if err := sub.ForwardTask(ctx, "task-5", func(event map[string]interface{}) {
		events <- event
	}); err != nil {
		t.Fatalf("ForwardTask: %v", err)
	}

	raw, _ := json.Marshal(map[string]interface{}{"progress": 25})
	if err := rdb.Publish(ctx, Channel("task-5"), raw).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case event := <-events:
		if event["type"] != TypeProgress {
			t.Fatalf("type = %v, want %q", event["type"], TypeProgress)
		}
		if event["task_id"] != "task-5" {
			t.Fatalf("task_id = %v, want task-5", event["task_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event forwarded")
	}
}

func TestHealthPublisherEnvelope(t *testing.T) {
	rdb := testClient(t)
	hp := NewHealthPublisher(testLogger(t), rdb)

	event := captureOne(t, rdb, HealthChannel, func() {
		hp.Warning(context.Background(), "zombie-reaper", "Failed 3 stuck tasks", map[string]interface{}{
			"swept": 3,
		})
	})
	if event["type"] != TypeHealthAlert {
		t.Fatalf("type = %v, want %q", event["type"], TypeHealthAlert)
	}
	if event["component"] != "zombie-reaper" {
		t.Fatalf("component = %v", event["component"])
	}
	if event["status"] != "warning" {
		t.Fatalf("status = %v", event["status"])
	}
	if event["severity"] != "warning" {
		t.Fatalf("severity = %v", event["severity"])
	}
	metadata, ok := event["metadata"].(map[string]interface{})
	if !ok || metadata["swept"].(float64) != 3 {
		t.Fatalf("metadata = %v", event["metadata"])
	}
}
