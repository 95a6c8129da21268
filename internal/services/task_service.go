package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	providerrepo "github.com/isoforge/isoforge-backend/internal/data/repos/providers"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	providerdomain "github.com/isoforge/isoforge-backend/internal/domain/providers"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/progress"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

// SubmitInput is one task submission. Kind decides which of the kind-specific
// fields matter; the HTTP layer fills them from the request body.
type SubmitInput struct {
	Kind      string
	Provider  string
	TraceID   string
	IdemKey   string
	CreatorID *uuid.UUID

	// template_parse
	TemplateFileID     *uuid.UUID
	FilePath           string
	OriginalFilename   string
	CustomParsingRules string
	ISOStandard        string

	// template_edit / template_review
	TemplateID       *uuid.UUID
	EditInstructions string
}

// Submission is the accepted task. Duplicate marks an idempotent replay that
// returned a previously created row instead of enqueueing again.
type Submission struct {
	Task      *domain.Task
	Duplicate bool
}

// TaskService owns the submit side of the task lifecycle: validation,
// provider resolution, idempotent insert, and the hand-off to the work log.
// The worker owns everything after dispatch.
type TaskService interface {
	Submit(dbc dbctx.Context, in SubmitInput) (*Submission, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	List(dbc dbctx.Context, filter taskrepo.ListFilter) ([]*domain.Task, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	Statistics(dbc dbctx.Context) (domain.Stats, error)
}

type taskService struct {
	log       *logger.Logger
	tasks     taskrepo.TaskRepo
	providers providerrepo.ProviderRepo
	wlog      worklog.Log
	rdb       *redis.Client
	bus       *progress.Publisher
	tel       *telemetry.Emitter
	idemTTL   time.Duration
}

func NewTaskService(
	baseLog *logger.Logger,
	tasks taskrepo.TaskRepo,
	providers providerrepo.ProviderRepo,
	wlog worklog.Log,
	rdb *redis.Client,
	bus *progress.Publisher,
	tel *telemetry.Emitter,
	idemTTL time.Duration,
) TaskService {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &taskService{
		log:       baseLog.With("service", "TaskService"),
		tasks:     tasks,
		providers: providers,
		wlog:      wlog,
		rdb:       rdb,
		bus:       bus,
		tel:       tel,
		idemTTL:   idemTTL,
	}
}

// Submit validates the submission, stamps the resolved provider onto a new
// pending row, and appends the dispatch entry. A row is never left pending
// without a matching work-log entry: when the append fails the row is failed
// with log_unavailable before the error surfaces.
func (s *taskService) Submit(dbc dbctx.Context, in SubmitInput) (*Submission, error) {
	if !domain.ValidKind(in.Kind) {
		return nil, fmt.Errorf("unknown task kind %q: %w", in.Kind, errs.ErrInvalidArgument)
	}
	if err := validateSubmit(in); err != nil {
		return nil, err
	}

	provider, err := s.resolveProvider(dbc, in.Provider)
	if err != nil {
		return nil, err
	}

	traceID := in.TraceID
	if traceID == "" {
		traceID = telemetry.GenerateTraceID()
	}

	task := &domain.Task{
		ID:           uuid.New(),
		Kind:         in.Kind,
		RelatedID:    relatedID(in),
		Status:       domain.StatusPending,
		ProviderID:   &provider.ID,
		ProviderName: provider.Name,
		Model:        provider.Model,
		CreatorID:    in.CreatorID,
		TraceID:      traceID,
	}

	if in.IdemKey != "" {
		prior, err := s.checkIdemKey(dbc, in.IdemKey, task.ID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			s.log.Info("Idempotent replay", "idem_key", in.IdemKey, "task_id", prior.ID)
			return &Submission{Task: prior, Duplicate: true}, nil
		}
		key := in.IdemKey
		task.IdemKey = &key
	}

	if err := s.tasks.Create(dbc, task); err != nil {
		// A concurrent submit with the same key won the insert.
		if in.IdemKey != "" && errors.Is(err, errs.ErrStateConflict) {
			prior, gerr := s.tasks.GetByIdemKey(dbc, in.IdemKey)
			if gerr == nil && prior != nil {
				s.log.Info("Idempotent replay after insert race", "idem_key", in.IdemKey, "task_id", prior.ID)
				return &Submission{Task: prior, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	if _, err := s.wlog.Append(dbc.Ctx, domain.StreamName(task.Kind), s.encodePayload(task, in)); err != nil {
		s.log.Error("Dispatch append failed, failing the task", "task_id", task.ID, "error", err)
		if _, ferr := s.tasks.Fail(dbc, task.ID,
			"Task could not be dispatched to the work log", string(taskerr.LogUnavailable)); ferr != nil {
			s.log.Error("Could not fail undispatched task", "task_id", task.ID, "error", ferr)
		}
		return nil, err
	}

	s.tel.OperationStarted(operationName(task.Kind, in), traceID, task.ID.String(), uuidString(in.CreatorID),
		map[string]interface{}{
			"task_type":    task.Kind,
			"llm_provider": provider.Name,
			"llm_model":    provider.Model,
		})
	s.log.Info("Task submitted",
		"task_id", task.ID,
		"task_type", task.Kind,
		"llm_provider", provider.Name,
		"trace_id", traceID,
	)
	return &Submission{Task: task}, nil
}

func (s *taskService) Get(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.GetByID(dbc, id)
}

func (s *taskService) List(dbc dbctx.Context, filter taskrepo.ListFilter) ([]*domain.Task, error) {
	return s.tasks.List(dbc, filter)
}

// Cancel moves a non-terminal task to cancelled and broadcasts the terminal
// event. The worker never publishes for cancelled tasks, so this is the only
// place the event originates.
func (s *taskService) Cancel(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminal(task.Status) {
		return nil, fmt.Errorf("task is %s: %w", task.Status, errs.ErrAlreadyTerminal)
	}

	ok, err := s.tasks.Cancel(dbc, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		status := task.Status
		if current, gerr := s.tasks.GetByID(dbc, id); gerr == nil {
			status = current.Status
		}
		return nil, fmt.Errorf("task is %s: %w", status, errs.ErrAlreadyTerminal)
	}
	task.Status = domain.StatusCancelled

	const msg = "Task cancelled by user"
	s.bus.PublishFailed(dbc.Ctx, id.String(), msg, taskerr.Cancelled, false)
	s.tel.OperationFailed(task.Kind, task.TraceID, id.String(), msg, string(taskerr.Cancelled))
	s.log.Info("Task cancelled", "task_id", id, "task_type", task.Kind)
	return task, nil
}

func (s *taskService) Statistics(dbc dbctx.Context) (domain.Stats, error) {
	return s.tasks.Stats(dbc)
}

// resolveProvider returns the named provider or the default parser. Both
// must exist and be enabled; a submission can never ride on a provider an
// operator has switched off.
func (s *taskService) resolveProvider(dbc dbctx.Context, name string) (*providerdomain.Provider, error) {
	if name != "" {
		p, err := s.providers.GetByName(dbc, name)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, taskerr.Newf(taskerr.ConfigurationError, "LLM provider %q is not available", name)
		}
		return p, nil
	}
	p, err := s.providers.GetDefaultParser(dbc)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, taskerr.New(taskerr.ConfigurationError, "no enabled default LLM provider is configured")
	}
	return p, nil
}

// checkIdemKey claims the key in Redis with SET NX and falls back to the
// store when the key already exists. Returns the prior task on a replay, nil
// when the caller owns the key. The unique ai_tasks.idem_key column covers
// the window when Redis restarts mid-TTL.
func (s *taskService) checkIdemKey(dbc dbctx.Context, key string, taskID uuid.UUID) (*domain.Task, error) {
	claimed, err := s.rdb.SetNX(dbc.Ctx, idemRedisKey(key), taskID.String(), s.idemTTL).Result()
	if err != nil {
		s.log.Warn("Idempotency key claim failed, relying on the store index", "error", err)
		return s.tasks.GetByIdemKey(dbc, key)
	}
	if claimed {
		return nil, nil
	}
	prior, err := s.tasks.GetByIdemKey(dbc, key)
	if err != nil {
		return nil, err
	}
	// Redis holds the key but no row exists: a previous submit died between
	// claim and insert. Proceed; the unique column resolves any race.
	return prior, nil
}

func (s *taskService) encodePayload(task *domain.Task, in SubmitInput) map[string]interface{} {
	switch task.Kind {
	case domain.KindTemplateEdit:
		return worklog.EditPayload{
			TaskID:           task.ID.String(),
			TemplateID:       uuidString(in.TemplateID),
			EditInstructions: in.EditInstructions,
			LLMProvider:      task.ProviderName,
			CreatedBy:        uuidString(in.CreatorID),
			TraceID:          task.TraceID,
		}.Encode()
	case domain.KindTemplateReview:
		return worklog.ReviewPayload{
			TaskID:      task.ID.String(),
			TemplateID:  uuidString(in.TemplateID),
			LLMProvider: task.ProviderName,
			CreatedBy:   uuidString(in.CreatorID),
			TraceID:     task.TraceID,
		}.Encode()
	default:
		return worklog.ParsePayload{
			TaskID:             task.ID.String(),
			TemplateFileID:     uuidString(in.TemplateFileID),
			FilePath:           in.FilePath,
			OriginalFilename:   in.OriginalFilename,
			CustomParsingRules: in.CustomParsingRules,
			ISOStandard:        in.ISOStandard,
			LLMProvider:        task.ProviderName,
			CreatedBy:          uuidString(in.CreatorID),
			TraceID:            task.TraceID,
		}.Encode()
	}
}

func validateSubmit(in SubmitInput) error {
	switch in.Kind {
	case domain.KindTemplateParse:
		if in.FilePath == "" {
			return fmt.Errorf("missing file_path: %w", errs.ErrInvalidArgument)
		}
		if in.OriginalFilename == "" {
			return fmt.Errorf("missing original_filename: %w", errs.ErrInvalidArgument)
		}
	case domain.KindTemplateEdit:
		if in.TemplateID == nil {
			return fmt.Errorf("missing template_id: %w", errs.ErrInvalidArgument)
		}
		if in.EditInstructions == "" {
			return fmt.Errorf("missing edit_instructions: %w", errs.ErrInvalidArgument)
		}
	case domain.KindTemplateReview:
		if in.TemplateID == nil {
			return fmt.Errorf("missing template_id: %w", errs.ErrInvalidArgument)
		}
	}
	return nil
}

func relatedID(in SubmitInput) *uuid.UUID {
	if in.Kind == domain.KindTemplateParse {
		return in.TemplateFileID
	}
	return in.TemplateID
}

func operationName(kind string, in SubmitInput) string {
	switch kind {
	case domain.KindTemplateEdit:
		return "Edit Template: " + uuidString(in.TemplateID)
	case domain.KindTemplateReview:
		return "Review Template: " + uuidString(in.TemplateID)
	default:
		name := in.OriginalFilename
		if name == "" {
			name = in.FilePath
		}
		return "Parse Template: " + name
	}
}

func idemRedisKey(key string) string {
	return "tasks:idem:" + key
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
