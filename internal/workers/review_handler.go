package workers

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/isoforge/isoforge-backend/internal/agents"
	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/llm"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/services"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

// ReviewHandler asks the model for an advisory quality report on a template.
// Reviews never mutate the template.
type ReviewHandler struct {
	log       *logger.Logger
	agent     *agents.TemplateAgent
	templates services.TemplateService
	maxCost   float64
}

func NewReviewHandler(
	baseLog *logger.Logger,
	agent *agents.TemplateAgent,
	templates services.TemplateService,
	maxCostUSD float64,
) *ReviewHandler {
	return &ReviewHandler{
		log:       baseLog.With("handler", "ReviewHandler"),
		agent:     agent,
		templates: templates,
		maxCost:   maxCostUSD,
	}
}

func (h *ReviewHandler) Kind() string { return domain.KindTemplateReview }

func (h *ReviewHandler) Run(tc *TaskContext) (*Outcome, error) {
	payload, err := worklog.DecodeReviewPayload(tc.Values)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.ConfigurationError, "invalid review payload", err)
	}

	tc.BeginOperation("Review Template: "+payload.TemplateID, map[string]interface{}{
		"template_id": payload.TemplateID,
	})
	if err := tc.Progress(0, "Initializing reviewer...", map[string]interface{}{"template_id": payload.TemplateID}); err != nil {
		return nil, err
	}

	templateID, err := uuid.Parse(payload.TemplateID)
	if err != nil {
		return nil, taskerr.Newf(taskerr.ConfigurationError, "Template not found: %s", payload.TemplateID)
	}

	if err := tc.Progress(30, "Loading template...", nil); err != nil {
		return nil, err
	}
	tmpl, err := h.templates.GetByID(dbctx.Context{Ctx: tc.Ctx}, templateID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, taskerr.Newf(taskerr.ConfigurationError, "Template not found: %s", payload.TemplateID)
		}
		return nil, err
	}
	var structure map[string]interface{}
	if err := json.Unmarshal(tmpl.Structure, &structure); err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "stored template structure is unreadable", err)
	}

	out, err := h.agent.ReviewTemplate(tc.Ctx, agents.ReviewInput{
		Structure:  structure,
		TemplateID: payload.TemplateID,
		TraceID:    tc.TraceID(),
		TaskID:     tc.Task.ID.String(),
		Budget:     llm.NewBudget(h.maxCost),
	}, func(pct int, step string) error {
		return tc.Progress(pct, step, nil)
	})
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(out.Review)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "marshal review", err)
	}

	summary := map[string]interface{}{
		"score":            out.Score,
		"issues":           listLen(out.Review, "issues"),
		"suggestions":      listLen(out.Review, "suggestions"),
		"cost_usd":         roundCost(out.Usage.CostUSD),
		"duration_seconds": tc.ElapsedSeconds(),
	}

	return &Outcome{
		Result:    datatypes.JSON(result),
		Summary:   summary,
		CostUSD:   out.Usage.CostUSD,
		TokensIn:  out.Usage.TokensIn,
		TokensOut: out.Usage.TokensOut,
	}, nil
}

func listLen(m map[string]interface{}, key string) int {
	if list, ok := m[key].([]interface{}); ok {
		return len(list)
	}
	return 0
}
