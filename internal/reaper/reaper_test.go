package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

type sweepCall struct {
	olderThan time.Duration
	errMsg    string
	errKind   string
}

// reapRepo records the two sweep calls and stubs the rest of the store.
type reapRepo struct {
	mu sync.Mutex

	processingCalls []sweepCall
	pendingCalls    []sweepCall
	processing      []domain.Reaped
	pending         []domain.Reaped
	processingErr   error
	pendingErr      error
}

func (r *reapRepo) FailStuckProcessing(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processingCalls = append(r.processingCalls, sweepCall{olderThan, errMsg, errKind})
	return r.processing, r.processingErr
}

func (r *reapRepo) FailStuckPending(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingCalls = append(r.pendingCalls, sweepCall{olderThan, errMsg, errKind})
	return r.pending, r.pendingErr
}

func (r *reapRepo) Create(dbc dbctx.Context, task *domain.Task) error { return nil }

func (r *reapRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	return nil, nil
}

func (r *reapRepo) GetByIdemKey(dbc dbctx.Context, key string) (*domain.Task, error) {
	return nil, nil
}

func (r *reapRepo) List(dbc dbctx.Context, filter taskrepo.ListFilter) ([]*domain.Task, error) {
	return nil, nil
}

func (r *reapRepo) Claim(dbc dbctx.Context, id uuid.UUID) (bool, error) { return false, nil }

func (r *reapRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, progress int, step string) (bool, error) {
	return false, nil
}

func (r *reapRepo) Complete(dbc dbctx.Context, id uuid.UUID, result datatypes.JSON, costUSD float64, tokensIn, tokensOut int) (bool, error) {
	return false, nil
}

func (r *reapRepo) Fail(dbc dbctx.Context, id uuid.UUID, errMsg, errKind string) (bool, error) {
	return false, nil
}

func (r *reapRepo) Cancel(dbc dbctx.Context, id uuid.UUID) (bool, error) { return false, nil }

func (r *reapRepo) Stats(dbc dbctx.Context) (domain.Stats, error) {
	return domain.Stats{}, nil
}

func newReaperFixture(t *testing.T, repo *reapRepo, interval time.Duration) (*Reaper, *redis.Client) {
	t.Helper()
	log := testLogger(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := New(interval, repo, log, progress.NewHealthPublisher(log, rdb), telemetry.NewEmitter(log, "reaper-test"))
	return r, rdb
}

func TestSweepOnceReapsBothPhases(t *testing.T) {
	repo := &reapRepo{
		processing: []domain.Reaped{
			{ID: uuid.New(), Kind: domain.KindTemplateParse},
			{ID: uuid.New(), Kind: domain.KindTemplateEdit},
		},
		pending: []domain.Reaped{
			{ID: uuid.New(), Kind: domain.KindTemplateParse},
		},
	}
	r, rdb := newReaperFixture(t, repo, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := rdb.Subscribe(ctx, progress.HealthChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	if len(repo.processingCalls) != 1 {
		t.Fatalf("FailStuckProcessing called %d times", len(repo.processingCalls))
	}
	call := repo.processingCalls[0]
	if call.olderThan != 15*time.Minute {
		t.Fatalf("processing horizon = %s, want 15m", call.olderThan)
	}
	if call.errMsg != "Task timed out after 15 minutes - worker may have crashed" {
		t.Fatalf("processing error = %q", call.errMsg)
	}
	if call.errKind != "task_timeout" {
		t.Fatalf("processing kind = %q", call.errKind)
	}

	if len(repo.pendingCalls) != 1 {
		t.Fatalf("FailStuckPending called %d times", len(repo.pendingCalls))
	}
	call = repo.pendingCalls[0]
	if call.olderThan != 20*time.Minute {
		t.Fatalf("pending horizon = %s, want 20m", call.olderThan)
	}
	if call.errMsg != "Task never started after 20 minutes - no worker available" {
		t.Fatalf("pending error = %q", call.errMsg)
	}
	if call.errKind != "no_worker" {
		t.Fatalf("pending kind = %q", call.errKind)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("health event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event["severity"] != "warning" {
		t.Fatalf("severity = %v, want warning", event["severity"])
	}
	meta, _ := event["metadata"].(map[string]interface{})
	if meta["stuck_processing"] != float64(2) || meta["stuck_pending"] != float64(1) {
		t.Fatalf("metadata counts = %v", meta)
	}
}

func TestSweepOnceQuietWhenNothingStuck(t *testing.T) {
	repo := &reapRepo{}
	r, rdb := newReaperFixture(t, repo, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := rdb.Subscribe(ctx, progress.HealthChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	if _, err := sub.ReceiveTimeout(ctx, 150*time.Millisecond); err == nil {
		t.Fatal("health event published for an empty sweep")
	}
}

func TestSweepOnceAbortsOnProcessingError(t *testing.T) {
	repo := &reapRepo{processingErr: errors.New("connection refused")}
	r, _ := newReaperFixture(t, repo, time.Minute)

	if err := r.SweepOnce(context.Background()); err == nil {
		t.Fatal("sweep error swallowed")
	}
	if len(repo.pendingCalls) != 0 {
		t.Fatal("pending sweep ran after processing sweep failed")
	}
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	repo := &reapRepo{}
	r, _ := newReaperFixture(t, repo, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		n := len(repo.processingCalls)
		repo.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reaper never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestIntervalFromEnv(t *testing.T) {
	t.Setenv("REAPER_INTERVAL_SECONDS", "120")
	if got := IntervalFromEnv(); got != 2*time.Minute {
		t.Fatalf("interval = %s, want 2m", got)
	}
}
