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

// EditHandler applies natural-language edit instructions to an existing
// template and saves the result as a new version.
type EditHandler struct {
	log       *logger.Logger
	agent     *agents.TemplateAgent
	templates services.TemplateService
	maxCost   float64
}

func NewEditHandler(
	baseLog *logger.Logger,
	agent *agents.TemplateAgent,
	templates services.TemplateService,
	maxCostUSD float64,
) *EditHandler {
	return &EditHandler{
		log:       baseLog.With("handler", "EditHandler"),
		agent:     agent,
		templates: templates,
		maxCost:   maxCostUSD,
	}
}

func (h *EditHandler) Kind() string { return domain.KindTemplateEdit }

func (h *EditHandler) Run(tc *TaskContext) (*Outcome, error) {
	payload, err := worklog.DecodeEditPayload(tc.Values)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.ConfigurationError, "invalid edit payload", err)
	}

	tc.BeginOperation("Edit Template: "+payload.TemplateID, map[string]interface{}{
		"template_id":         payload.TemplateID,
		"instructions_length": len(payload.EditInstructions),
	})
	if err := tc.Progress(0, "Initializing editor...", map[string]interface{}{"template_id": payload.TemplateID}); err != nil {
		return nil, err
	}

	templateID, err := uuid.Parse(payload.TemplateID)
	if err != nil {
		return nil, taskerr.Newf(taskerr.ConfigurationError, "Template not found: %s", payload.TemplateID)
	}

	if err := tc.Progress(20, "Loading current template...", nil); err != nil {
		return nil, err
	}
	tmpl, err := h.templates.GetByID(dbctx.Context{Ctx: tc.Ctx}, templateID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, taskerr.Newf(taskerr.ConfigurationError, "Template not found: %s", payload.TemplateID)
		}
		return nil, err
	}
	var current map[string]interface{}
	if err := json.Unmarshal(tmpl.Structure, &current); err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "stored template structure is unreadable", err)
	}

	if err := tc.Progress(40, "Applying edit instructions with AI...", nil); err != nil {
		return nil, err
	}
	out, err := h.agent.EditTemplate(tc.Ctx, agents.EditInput{
		Structure:    current,
		Instructions: payload.EditInstructions,
		TemplateID:   payload.TemplateID,
		TraceID:      tc.TraceID(),
		TaskID:       tc.Task.ID.String(),
		Budget:       llm.NewBudget(h.maxCost),
	}, func(pct int, step string) error {
		return tc.Progress(pct, step, nil)
	})
	if err != nil {
		return nil, err
	}

	if err := tc.Progress(90, "Saving new version...", nil); err != nil {
		return nil, err
	}
	structure, err := structureFromMap(out.Template)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "edited template structure is unreadable", err)
	}
	var editedBy *uuid.UUID
	if id, perr := uuid.Parse(payload.CreatedBy); perr == nil {
		editedBy = &id
	}
	update, err := h.templates.UpdateStructure(dbctx.Context{Ctx: tc.Ctx}, templateID, structure, payload.EditInstructions, editedBy)
	if err != nil {
		return nil, err
	}
	h.log.Info("Saved edited template",
		"task_id", tc.Task.ID,
		"template_id", templateID,
		"new_version", update.VersionNumber,
		"change_summary", update.ChangeSummary,
	)

	result, err := json.Marshal(out.Template)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "marshal edited template", err)
	}

	summary := map[string]interface{}{
		"fixed_sections":    metaInt(out.Template, "total_fixed_sections"),
		"fillable_sections": metaInt(out.Template, "total_fillable_sections"),
		"semantic_tags":     metaList(out.Template, "semantic_tags_used"),
		"new_version":       update.VersionNumber,
		"change_summary":    update.ChangeSummary,
		"cost_usd":          roundCost(out.Usage.CostUSD),
		"duration_seconds":  tc.ElapsedSeconds(),
		"changes_applied":   true,
	}

	return &Outcome{
		Result:    datatypes.JSON(result),
		Summary:   summary,
		CostUSD:   out.Usage.CostUSD,
		TokensIn:  out.Usage.TokensIn,
		TokensOut: out.Usage.TokensOut,
	}, nil
}
