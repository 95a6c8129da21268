package tasks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task statuses. A task moves pending -> processing -> one terminal state;
// pending may also jump straight to failed or cancelled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Task kinds accepted on submit. Each kind maps to its own work-log stream.
const (
	KindTemplateParse  = "template_parse"
	KindTemplateEdit   = "template_edit"
	KindTemplateReview = "template_review"
)

type Task struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind         string         `gorm:"column:task_type;not null;index" json:"task_type"`
	RelatedID    *uuid.UUID     `gorm:"type:uuid;column:related_id;index" json:"related_id,omitempty"`
	Status       string         `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Progress     int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Step         string         `gorm:"column:current_step" json:"current_step,omitempty"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	ErrorKind    string         `gorm:"column:error_type" json:"error_type,omitempty"`
	CostUSD      float64        `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`
	TokensIn     int            `gorm:"column:tokens_input;not null;default:0" json:"tokens_input"`
	TokensOut    int            `gorm:"column:tokens_output;not null;default:0" json:"tokens_output"`
	DurationS    int            `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`
	ProviderID   *uuid.UUID     `gorm:"type:uuid;column:llm_provider_id" json:"llm_provider_id,omitempty"`
	ProviderName string         `gorm:"column:llm_provider" json:"llm_provider,omitempty"`
	Model        string         `gorm:"column:llm_model" json:"llm_model,omitempty"`
	CreatorID    *uuid.UUID     `gorm:"type:uuid;column:created_by;index" json:"created_by,omitempty"`
	TraceID      string         `gorm:"column:trace_id;index" json:"trace_id,omitempty"`
	IdemKey      *string        `gorm:"column:idem_key;uniqueIndex" json:"-"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "ai_tasks" }

func ValidKind(kind string) bool {
	switch kind {
	case KindTemplateParse, KindTemplateEdit, KindTemplateReview:
		return true
	default:
		return false
	}
}

func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Work-log stream names, one per kind. The dispatcher and the workers both
// spell streams through these constants so a rename cannot drift them apart.
const (
	StreamTemplateParse  = "template:parse"
	StreamTemplateEdit   = "template:edit"
	StreamTemplateReview = "template:review"
)

// StreamName maps a task kind to its work-log stream.
func StreamName(kind string) string {
	switch kind {
	case KindTemplateParse:
		return StreamTemplateParse
	case KindTemplateEdit:
		return StreamTemplateEdit
	case KindTemplateReview:
		return StreamTemplateReview
	default:
		return "task:default"
	}
}

// Streams lists every stream a worker consumes, in dispatch order.
func Streams() []string {
	return []string{StreamTemplateParse, StreamTemplateEdit, StreamTemplateReview}
}

// Reaped identifies a row the zombie sweep moved to failed.
type Reaped struct {
	ID   uuid.UUID `json:"id"`
	Kind string    `json:"task_type"`
}

// CompletedStats aggregates terminal-success rows for the statistics endpoint.
type CompletedStats struct {
	Total          int64   `json:"total"`
	AvgDurationS   float64 `json:"avg_duration_seconds"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	AvgCostUSD     float64 `json:"avg_cost_usd"`
	TotalTokensIn  int64   `json:"total_tokens_input"`
	TotalTokensOut int64   `json:"total_tokens_output"`
}

type Stats struct {
	ByStatus  map[string]int64 `json:"by_status"`
	Completed CompletedStats   `json:"completed"`
}
