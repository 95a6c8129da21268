package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/data/repos/testutil"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
)

func repoFixture(t *testing.T) (TaskRepo, dbctx.Context, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewTaskRepo(db, testutil.Logger(t))
	return repo, dbctx.WithTx(context.Background(), tx), tx
}

func mustGet(t *testing.T, repo TaskRepo, dbc dbctx.Context, id uuid.UUID) *domain.Task {
	t.Helper()
	row, err := repo.GetByID(dbc, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return row
}

func setCreatedAt(t *testing.T, tx *gorm.DB, id uuid.UUID, ts time.Time) {
	t.Helper()
	if err := tx.Model(&domain.Task{}).Where("id = ?", id).
		Update("created_at", ts).Error; err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}

func setStartedAt(t *testing.T, tx *gorm.DB, id uuid.UUID, ts time.Time) {
	t.Helper()
	if err := tx.Model(&domain.Task{}).Where("id = ?", id).
		Update("started_at", ts).Error; err != nil {
		t.Fatalf("set started_at: %v", err)
	}
}

func TestCreateFillsDefaults(t *testing.T) {
	repo, dbc, _ := repoFixture(t)

	task := &domain.Task{Kind: domain.KindTemplateParse}
	if err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == uuid.Nil {
		t.Fatal("id not assigned")
	}

	row := mustGet(t, repo, dbc, task.ID)
	if row.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", row.Status)
	}
	if row.Progress != 0 {
		t.Fatalf("progress = %d, want 0", row.Progress)
	}
	if row.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, dbc, _ := repoFixture(t)

	_, err := repo.GetByID(dbc, uuid.New())
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimMovesPendingToProcessing(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)

	ok, err := repo.Claim(dbc, row.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("claim of pending row refused")
	}

	got := mustGet(t, repo, dbc, row.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}

	// A second claim must lose: the row already left pending.
	ok, err = repo.Claim(dbc, row.ID)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if ok {
		t.Fatal("double claim succeeded")
	}
}

func TestClaimMissingRow(t *testing.T) {
	repo, dbc, _ := repoFixture(t)

	ok, err := repo.Claim(dbc, uuid.New())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatal("claimed a row that does not exist")
	}
}

func TestClaimKeepsFirstStartedAt(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusPending)

	firstStart := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	setStartedAt(t, tx, row.ID, firstStart)

	ok, err := repo.Claim(dbc, row.ID)
	if err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}

	got := mustGet(t, repo, dbc, row.ID)
	if got.StartedAt == nil {
		t.Fatal("started_at cleared")
	}
	if diff := got.StartedAt.Sub(firstStart); diff < -time.Second || diff > time.Second {
		t.Fatalf("started_at = %v, want the original %v", got.StartedAt, firstStart)
	}
}

func TestUpdateProgressAdvances(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)

	ok, err := repo.UpdateProgress(dbc, row.ID, 40, "Extracting document structure")
	if err != nil || !ok {
		t.Fatalf("UpdateProgress = %v, %v", ok, err)
	}

	got := mustGet(t, repo, dbc, row.ID)
	if got.Progress != 40 || got.Step != "Extracting document structure" {
		t.Fatalf("row = %d/%q", got.Progress, got.Step)
	}
}

func TestUpdateProgressClampsRegression(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)

	if ok, err := repo.UpdateProgress(dbc, row.ID, 60, "Analyzing sections"); err != nil || !ok {
		t.Fatalf("UpdateProgress = %v, %v", ok, err)
	}

	// A lower value keeps the stored progress but still advances the step.
	ok, err := repo.UpdateProgress(dbc, row.ID, 25, "Validating output")
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if !ok {
		t.Fatal("clamped update reported no row")
	}

	got := mustGet(t, repo, dbc, row.ID)
	if got.Progress != 60 {
		t.Fatalf("progress regressed to %d", got.Progress)
	}
	if got.Step != "Validating output" {
		t.Fatalf("step = %q, want the newer step", got.Step)
	}
}

func TestUpdateProgressBounds(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)

	if ok, err := repo.UpdateProgress(dbc, row.ID, 150, "Over"); err != nil || !ok {
		t.Fatalf("UpdateProgress(150) = %v, %v", ok, err)
	}
	if got := mustGet(t, repo, dbc, row.ID); got.Progress != 100 {
		t.Fatalf("progress = %d, want clamp to 100", got.Progress)
	}
}

func TestUpdateProgressIgnoresNonProcessing(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)

	ok, err := repo.UpdateProgress(dbc, row.ID, 10, "Starting")
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if ok {
		t.Fatal("progress written to a pending row")
	}
}

func TestCompleteTerminalWrite(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)

	result := datatypes.JSON([]byte(`{"template_id":"t-1","sections":12}`))
	ok, err := repo.Complete(dbc, row.ID, result, 0.42, 1200, 800)
	if err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}

	got := mustGet(t, repo, dbc, row.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.CostUSD != 0.42 || got.TokensIn != 1200 || got.TokensOut != 800 {
		t.Fatalf("usage = %v/%d/%d", got.CostUSD, got.TokensIn, got.TokensOut)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	if got.DurationS < 0 {
		t.Fatalf("duration = %d", got.DurationS)
	}
	if string(got.Result) == "" {
		t.Fatal("result not stored")
	}

	// Terminal rows are immutable.
	if ok, _ := repo.Complete(dbc, row.ID, result, 0, 0, 0); ok {
		t.Fatal("completed row completed again")
	}
	if ok, _ := repo.Fail(dbc, row.ID, "late failure", "internal_error"); ok {
		t.Fatal("completed row failed")
	}
	if ok, _ := repo.Cancel(dbc, row.ID); ok {
		t.Fatal("completed row cancelled")
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)

	ok, err := repo.Complete(dbc, row.ID, nil, 0, 0, 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok {
		t.Fatal("pending row completed without a claim")
	}
}

func TestFailFromPendingAndProcessing(t *testing.T) {
	repo, dbc, tx := repoFixture(t)

	pending := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)
	processing := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusProcessing)

	for _, row := range []*domain.Task{pending, processing} {
		ok, err := repo.Fail(dbc, row.ID, "Work log unavailable", "log_unavailable")
		if err != nil || !ok {
			t.Fatalf("Fail(%s) = %v, %v", row.Status, ok, err)
		}
		got := mustGet(t, repo, dbc, row.ID)
		if got.Status != domain.StatusFailed {
			t.Fatalf("status = %s", got.Status)
		}
		if got.Error != "Work log unavailable" || got.ErrorKind != "log_unavailable" {
			t.Fatalf("error = %q/%q", got.Error, got.ErrorKind)
		}
		if got.CompletedAt == nil {
			t.Fatal("completed_at not stamped")
		}
	}
}

func TestCancelGuards(t *testing.T) {
	repo, dbc, tx := repoFixture(t)
	row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateReview, domain.StatusPending)

	ok, err := repo.Cancel(dbc, row.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if got := mustGet(t, repo, dbc, row.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	ok, err = repo.Cancel(dbc, row.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Fatal("cancelled row cancelled again")
	}
}

func TestIdemKeyLookupAndUniqueness(t *testing.T) {
	repo, dbc, _ := repoFixture(t)

	key := "resubmit-window-1"
	first := &domain.Task{Kind: domain.KindTemplateParse, IdemKey: &key}
	if err := repo.Create(dbc, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByIdemKey(dbc, key)
	if err != nil {
		t.Fatalf("GetByIdemKey: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("lookup = %v, want %s", got, first.ID)
	}

	if got, err := repo.GetByIdemKey(dbc, "never-used"); err != nil || got != nil {
		t.Fatalf("miss = %v, %v, want nil,nil", got, err)
	}
	if got, err := repo.GetByIdemKey(dbc, ""); err != nil || got != nil {
		t.Fatalf("empty key = %v, %v, want nil,nil", got, err)
	}

	dup := &domain.Task{Kind: domain.KindTemplateParse, IdemKey: &key}
	err = repo.Create(dbc, dup)
	if !errors.Is(err, errs.ErrStateConflict) {
		t.Fatalf("duplicate key err = %v, want ErrStateConflict", err)
	}
}

func TestListFilters(t *testing.T) {
	repo, dbc, tx := repoFixture(t)

	creator := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	oldParse := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)
	setCreatedAt(t, tx, oldParse.ID, base)

	newParse := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)
	setCreatedAt(t, tx, newParse.ID, base.Add(10*time.Minute))

	edit := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusCompleted)
	setCreatedAt(t, tx, edit.ID, base.Add(20*time.Minute))
	if err := tx.Model(&domain.Task{}).Where("id = ?", edit.ID).
		Update("created_by", creator).Error; err != nil {
		t.Fatalf("set created_by: %v", err)
	}

	all, err := repo.List(dbc, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != edit.ID || all[2].ID != oldParse.ID {
		t.Fatal("not ordered created_at DESC")
	}

	parses, err := repo.List(dbc, ListFilter{Kind: domain.KindTemplateParse})
	if err != nil {
		t.Fatalf("List kind: %v", err)
	}
	if len(parses) != 2 {
		t.Fatalf("kind filter len = %d", len(parses))
	}

	completed, err := repo.List(dbc, ListFilter{Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("List status: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != edit.ID {
		t.Fatalf("status filter = %v", completed)
	}

	mine, err := repo.List(dbc, ListFilter{CreatorID: &creator})
	if err != nil {
		t.Fatalf("List creator: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != edit.ID {
		t.Fatalf("creator filter = %v", mine)
	}

	page, err := repo.List(dbc, ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 1 || page[0].ID != newParse.ID {
		t.Fatal("limit/offset did not land on the second-newest row")
	}
}

func TestFailStuckProcessingSweep(t *testing.T) {
	repo, dbc, tx := repoFixture(t)

	stuck := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)
	setStartedAt(t, tx, stuck.ID, time.Now().UTC().Add(-20*time.Minute))

	fresh := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusProcessing)

	pending := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusPending)
	setCreatedAt(t, tx, pending.ID, time.Now().UTC().Add(-20*time.Minute))

	reaped, err := repo.FailStuckProcessing(dbc, 15*time.Minute, "Task timed out", "task_timeout")
	if err != nil {
		t.Fatalf("FailStuckProcessing: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != stuck.ID || reaped[0].Kind != domain.KindTemplateParse {
		t.Fatalf("reaped = %v", reaped)
	}

	got := mustGet(t, repo, dbc, stuck.ID)
	if got.Status != domain.StatusFailed || got.ErrorKind != "task_timeout" {
		t.Fatalf("stuck row = %s/%s", got.Status, got.ErrorKind)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	if got := mustGet(t, repo, dbc, fresh.ID); got.Status != domain.StatusProcessing {
		t.Fatalf("fresh processing row swept: %s", got.Status)
	}
	if got := mustGet(t, repo, dbc, pending.ID); got.Status != domain.StatusPending {
		t.Fatalf("pending row swept by processing sweep: %s", got.Status)
	}
}

func TestFailStuckPendingSweep(t *testing.T) {
	repo, dbc, tx := repoFixture(t)

	orphan := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateReview, domain.StatusPending)
	setCreatedAt(t, tx, orphan.ID, time.Now().UTC().Add(-30*time.Minute))

	fresh := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateReview, domain.StatusPending)

	reaped, err := repo.FailStuckPending(dbc, 20*time.Minute, "No worker available", "no_worker")
	if err != nil {
		t.Fatalf("FailStuckPending: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != orphan.ID {
		t.Fatalf("reaped = %v", reaped)
	}

	if got := mustGet(t, repo, dbc, orphan.ID); got.Status != domain.StatusFailed || got.ErrorKind != "no_worker" {
		t.Fatalf("orphan = %s/%s", got.Status, got.ErrorKind)
	}
	if got := mustGet(t, repo, dbc, fresh.ID); got.Status != domain.StatusPending {
		t.Fatalf("fresh pending swept: %s", got.Status)
	}
}

func TestStatsAggregates(t *testing.T) {
	repo, dbc, tx := repoFixture(t)

	for i, usage := range []struct {
		cost    float64
		in, out int
	}{
		{0.5, 100, 80},
		{1.5, 50, 40},
	} {
		row := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateParse, domain.StatusProcessing)
		ok, err := repo.Complete(dbc, row.ID, nil, usage.cost, usage.in, usage.out)
		if err != nil || !ok {
			t.Fatalf("Complete #%d = %v, %v", i, ok, err)
		}
	}
	testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusPending)
	failed := testutil.SeedTask(t, dbc.Ctx, tx, domain.KindTemplateEdit, domain.StatusProcessing)
	if ok, err := repo.Fail(dbc, failed.ID, "boom", "internal_error"); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	stats, err := repo.Stats(dbc)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[domain.StatusCompleted] != 2 ||
		stats.ByStatus[domain.StatusPending] != 1 ||
		stats.ByStatus[domain.StatusFailed] != 1 {
		t.Fatalf("by_status = %v", stats.ByStatus)
	}
	if stats.Completed.Total != 2 {
		t.Fatalf("completed total = %d", stats.Completed.Total)
	}
	if stats.Completed.TotalCostUSD != 2.0 || stats.Completed.AvgCostUSD != 1.0 {
		t.Fatalf("cost = %v avg %v", stats.Completed.TotalCostUSD, stats.Completed.AvgCostUSD)
	}
	if stats.Completed.TotalTokensIn != 150 || stats.Completed.TotalTokensOut != 120 {
		t.Fatalf("tokens = %d/%d", stats.Completed.TotalTokensIn, stats.Completed.TotalTokensOut)
	}
}
