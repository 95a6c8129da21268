package workers

import (
	"encoding/json"
	"math"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/isoforge/isoforge-backend/internal/agents"
	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	templdomain "github.com/isoforge/isoforge-backend/internal/domain/templates"
	"github.com/isoforge/isoforge-backend/internal/files"
	"github.com/isoforge/isoforge-backend/internal/llm"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/services"
	"github.com/isoforge/isoforge-backend/internal/worklog"
)

const defaultISOStandard = "ISO 9001:2015"

// ParseHandler turns an uploaded Word document into a draft template.
type ParseHandler struct {
	log       *logger.Logger
	agent     *agents.TemplateAgent
	store     files.Store
	templates services.TemplateService
	provider  string
	model     string
	maxCost   float64
}

func NewParseHandler(
	baseLog *logger.Logger,
	agent *agents.TemplateAgent,
	store files.Store,
	templates services.TemplateService,
	providerName, model string,
	maxCostUSD float64,
) *ParseHandler {
	return &ParseHandler{
		log:       baseLog.With("handler", "ParseHandler"),
		agent:     agent,
		store:     store,
		templates: templates,
		provider:  providerName,
		model:     model,
		maxCost:   maxCostUSD,
	}
}

func (h *ParseHandler) Kind() string { return domain.KindTemplateParse }

func (h *ParseHandler) Run(tc *TaskContext) (*Outcome, error) {
	payload, err := worklog.DecodeParsePayload(tc.Values)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.ConfigurationError, "invalid parse payload", err)
	}

	fileName := payload.OriginalFilename
	if fileName == "" {
		fileName = filepath.Base(payload.FilePath)
	}
	iso := payload.ISOStandard
	if iso == "" {
		iso = defaultISOStandard
	}

	tc.BeginOperation("Parse Template: "+fileName, map[string]interface{}{
		"file_name":        fileName,
		"iso_standard":     iso,
		"has_custom_rules": payload.CustomParsingRules != "",
	})
	if err := tc.Progress(0, "Initializing parser...", map[string]interface{}{"iso_standard": iso}); err != nil {
		return nil, err
	}

	if !files.AllowedExtension(fileName) {
		return nil, taskerr.Newf(taskerr.UnsupportedFormat,
			"Invalid file format: %s. Only .docx/.doc supported.", strings.ToLower(filepath.Ext(fileName)))
	}
	doc, err := h.store.Open(tc.Ctx, payload.FilePath)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	if doc.Size() > files.MaxDocumentBytes {
		return nil, taskerr.Newf(taskerr.FileTooLarge,
			"File too large: %.1fMB. Maximum 50MB.", float64(doc.Size())/(1024*1024))
	}

	if err := tc.Progress(10, "Starting document analysis...", nil); err != nil {
		return nil, err
	}

	out, err := h.agent.ParseDocument(tc.Ctx, agents.ParseInput{
		File:        doc,
		Size:        doc.Size(),
		FileName:    fileName,
		ISOStandard: iso,
		CustomRules: payload.CustomParsingRules,
		TraceID:     tc.TraceID(),
		TaskID:      tc.Task.ID.String(),
		Budget:      llm.NewBudget(h.maxCost),
	}, func(pct int, step string) error {
		return tc.Progress(pct, step, nil)
	})
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(out.Template)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Internal, "marshal parsed template", err)
	}

	h.saveDraft(tc, payload, iso, out.Template)

	summary := map[string]interface{}{
		"fixed_sections":              metaInt(out.Template, "total_fixed_sections"),
		"fillable_sections":           metaInt(out.Template, "total_fillable_sections"),
		"completion_estimate_minutes": metaInt(out.Template, "completion_estimate_minutes"),
		"semantic_tags":               metaList(out.Template, "semantic_tags_used"),
		"cost_usd":                    roundCost(out.Usage.CostUSD),
		"duration_seconds":            tc.ElapsedSeconds(),
		"llm_provider":                h.provider,
		"llm_model":                   h.model,
	}

	return &Outcome{
		Result:    datatypes.JSON(result),
		Summary:   summary,
		CostUSD:   out.Usage.CostUSD,
		TokensIn:  out.Usage.TokensIn,
		TokensOut: out.Usage.TokensOut,
	}, nil
}

// saveDraft persists the parsed structure as a draft template. The parse
// still succeeds if this write fails; the structure lives in the task result
// either way.
func (h *ParseHandler) saveDraft(tc *TaskContext, payload worklog.ParsePayload, iso string, template map[string]interface{}) {
	structure, err := structureFromMap(template)
	if err != nil {
		h.log.Warn("Draft template decode failed", "task_id", tc.Task.ID, "error", err)
		return
	}

	var fileID *uuid.UUID
	if id, err := uuid.Parse(payload.TemplateFileID); err == nil {
		fileID = &id
	}
	var createdBy *uuid.UUID
	if id, err := uuid.Parse(payload.CreatedBy); err == nil {
		createdBy = &id
	}

	created, err := h.templates.CreateInitial(dbctx.Context{Ctx: tc.Ctx}, services.CreateTemplateInput{
		Name:        structure.DocumentTitle,
		ISOStandard: iso,
		FileID:      fileID,
		CreatedBy:   createdBy,
		Structure:   structure,
	})
	if err != nil {
		h.log.Warn("Draft template creation failed", "task_id", tc.Task.ID, "error", err)
		return
	}
	h.log.Info("Created draft template", "task_id", tc.Task.ID, "template_id", created.ID)
}

func structureFromMap(m map[string]interface{}) (*templdomain.Structure, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var s templdomain.Structure
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// metaInt reads a numeric field from the template's metadata object. JSON
// numbers decode as float64.
func metaInt(template map[string]interface{}, key string) int {
	meta, _ := template["metadata"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// metaList reads a list field from metadata. Freshly enriched templates hold
// []string; templates round-tripped through JSON hold []interface{}.
func metaList(template map[string]interface{}, key string) []interface{} {
	meta, _ := template["metadata"].(map[string]interface{})
	if meta == nil {
		return []interface{}{}
	}
	switch v := meta[key].(type) {
	case []interface{}:
		return v
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []interface{}{}
	}
}

// roundCost matches the four-decimal dollars shown on the dashboard.
func roundCost(costUSD float64) float64 {
	return math.Round(costUSD*10000) / 10000
}
