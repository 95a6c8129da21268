package tasks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/data/pgerr"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// ListFilter narrows List. Zero values mean "no filter".
type ListFilter struct {
	Status    string
	Kind      string
	CreatorID *uuid.UUID
	Limit     int
	Offset    int
}

// TaskRepo is the durable task store. Every transition is a single guarded
// UPDATE on status; RowsAffected==0 means the row moved first and callers
// treat it as a state conflict, never an exception.
type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	GetByIdemKey(dbc dbctx.Context, key string) (*domain.Task, error)
	List(dbc dbctx.Context, filter ListFilter) ([]*domain.Task, error)
	Claim(dbc dbctx.Context, id uuid.UUID) (bool, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, progress int, step string) (bool, error)
	Complete(dbc dbctx.Context, id uuid.UUID, result datatypes.JSON, costUSD float64, tokensIn, tokensOut int) (bool, error)
	Fail(dbc dbctx.Context, id uuid.UUID, errMsg, errKind string) (bool, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (bool, error)
	FailStuckProcessing(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error)
	FailStuckPending(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error)
	Stats(dbc dbctx.Context) (domain.Stats, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	if err := transaction.WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return pgerr.Map("tasks.Create", err)
	}
	return nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var task domain.Task
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&task).Error; err != nil {
		return nil, pgerr.Map("tasks.GetByID", err)
	}
	return &task, nil
}

func (r *taskRepo) GetByIdemKey(dbc dbctx.Context, key string) (*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return nil, nil
	}
	var task domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("idem_key = ?", key).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, pgerr.Map("tasks.GetByIdemKey", err)
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) List(dbc dbctx.Context, filter ListFilter) ([]*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	q := transaction.WithContext(dbc.Ctx).Model(&domain.Task{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Where("task_type = ?", filter.Kind)
	}
	if filter.CreatorID != nil && *filter.CreatorID != uuid.Nil {
		q = q.Where("created_by = ?", *filter.CreatorID)
	}
	var out []*domain.Task
	if err := q.Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&out).Error; err != nil {
		return nil, pgerr.Map("tasks.List", err)
	}
	return out, nil
}

// Claim moves pending -> processing. started_at survives a re-claim so
// duration always measures from the first start.
func (r *taskRepo) Claim(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]interface{}{
			"status":     domain.StatusProcessing,
			"started_at": gorm.Expr("COALESCE(started_at, now())"),
		})
	if res.Error != nil {
		return false, pgerr.Map("tasks.Claim", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress writes monotonically increasing progress. A lower value is
// clamped to the stored one (step still advances) and logged at Warn.
func (r *taskRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, progress int, step string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status = ? AND progress <= ?", id, domain.StatusProcessing, progress).
		Updates(map[string]interface{}{
			"progress":     progress,
			"current_step": step,
		})
	if res.Error != nil {
		return false, pgerr.Map("tasks.UpdateProgress", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Either the row left processing or the new value would regress. Only
	// the second case keeps the step moving.
	clamp := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status = ? AND progress > ?", id, domain.StatusProcessing, progress).
		Update("current_step", step)
	if clamp.Error != nil {
		return false, pgerr.Map("tasks.UpdateProgress", clamp.Error)
	}
	if clamp.RowsAffected > 0 {
		r.log.Warn("Progress regression clamped to stored value",
			"task_id", id, "requested", progress, "step", step)
		return true, nil
	}
	return false, nil
}

func (r *taskRepo) Complete(dbc dbctx.Context, id uuid.UUID, result datatypes.JSON, costUSD float64, tokensIn, tokensOut int) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]interface{}{
			"status":           domain.StatusCompleted,
			"progress":         100,
			"result":           result,
			"cost_usd":         costUSD,
			"tokens_input":     tokensIn,
			"tokens_output":    tokensOut,
			"completed_at":     gorm.Expr("now()"),
			"duration_seconds": durationExpr(),
		})
	if res.Error != nil {
		return false, pgerr.Map("tasks.Complete", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Fail(dbc dbctx.Context, id uuid.UUID, errMsg, errKind string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status IN ?", id, []string{domain.StatusPending, domain.StatusProcessing}).
		Updates(map[string]interface{}{
			"status":           domain.StatusFailed,
			"error":            errMsg,
			"error_type":       errKind,
			"completed_at":     gorm.Expr("now()"),
			"duration_seconds": durationExpr(),
		})
	if res.Error != nil {
		return false, pgerr.Map("tasks.Fail", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Cancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status IN ?", id, []string{domain.StatusPending, domain.StatusProcessing}).
		Updates(map[string]interface{}{
			"status":           domain.StatusCancelled,
			"completed_at":     gorm.Expr("now()"),
			"duration_seconds": durationExpr(),
		})
	if res.Error != nil {
		return false, pgerr.Map("tasks.Cancel", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) FailStuckProcessing(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error) {
	return r.failStuck(dbc, "tasks.FailStuckProcessing",
		"status = ? AND started_at IS NOT NULL AND started_at < ?",
		domain.StatusProcessing, olderThan, errMsg, errKind)
}

func (r *taskRepo) FailStuckPending(dbc dbctx.Context, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error) {
	return r.failStuck(dbc, "tasks.FailStuckPending",
		"status = ? AND created_at < ?",
		domain.StatusPending, olderThan, errMsg, errKind)
}

func (r *taskRepo) failStuck(dbc dbctx.Context, op, where, status string, olderThan time.Duration, errMsg, errKind string) ([]domain.Reaped, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var rows []domain.Task
	res := transaction.WithContext(dbc.Ctx).
		Model(&rows).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "task_type"}}}).
		Where(where, status, cutoff).
		Updates(map[string]interface{}{
			"status":           domain.StatusFailed,
			"error":            errMsg,
			"error_type":       errKind,
			"completed_at":     gorm.Expr("now()"),
			"duration_seconds": durationExpr(),
		})
	if res.Error != nil {
		return nil, pgerr.Map(op, res.Error)
	}
	reaped := make([]domain.Reaped, 0, len(rows))
	for _, row := range rows {
		reaped = append(reaped, domain.Reaped{ID: row.ID, Kind: row.Kind})
	}
	return reaped, nil
}

func (r *taskRepo) Stats(dbc dbctx.Context) (domain.Stats, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	stats := domain.Stats{ByStatus: map[string]int64{}}

	var counts []struct {
		Status string
		Count  int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return stats, pgerr.Map("tasks.Stats", err)
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
	}

	var agg struct {
		Total          int64
		AvgDurationS   *float64
		TotalCostUSD   *float64
		AvgCostUSD     *float64
		TotalTokensIn  *int64
		TotalTokensOut *int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Select(`COUNT(*) AS total,
			AVG(duration_seconds) AS avg_duration_s,
			SUM(cost_usd) AS total_cost_usd,
			AVG(cost_usd) AS avg_cost_usd,
			SUM(tokens_input) AS total_tokens_in,
			SUM(tokens_output) AS total_tokens_out`).
		Where("status = ?", domain.StatusCompleted).
		Scan(&agg).Error; err != nil {
		return stats, pgerr.Map("tasks.Stats", err)
	}
	stats.Completed = domain.CompletedStats{Total: agg.Total}
	if agg.AvgDurationS != nil {
		stats.Completed.AvgDurationS = *agg.AvgDurationS
	}
	if agg.TotalCostUSD != nil {
		stats.Completed.TotalCostUSD = *agg.TotalCostUSD
	}
	if agg.AvgCostUSD != nil {
		stats.Completed.AvgCostUSD = *agg.AvgCostUSD
	}
	if agg.TotalTokensIn != nil {
		stats.Completed.TotalTokensIn = *agg.TotalTokensIn
	}
	if agg.TotalTokensOut != nil {
		stats.Completed.TotalTokensOut = *agg.TotalTokensOut
	}
	return stats, nil
}

// durationExpr measures wall time from first start (falling back to enqueue)
// to the terminal transition, in whole seconds.
func durationExpr() clause.Expr {
	return gorm.Expr("EXTRACT(EPOCH FROM (now() - COALESCE(started_at, created_at)))::int")
}
