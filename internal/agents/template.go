// Package agents holds the structured-output pipeline that turns model
// responses into validated template structures. The TemplateAgent owns
// prompt construction, JSON extraction and repair, validation, and the
// single self-heal pass; transport concerns (retries, rate limits, cost)
// stay in the llm gateway.
package agents

import (
	"context"
	"io"
	"math"
	"sort"
	"time"

	"github.com/isoforge/isoforge-backend/internal/llm"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
)

const agentName = "TemplateAgent"

// ProgressFunc reports pipeline progress. Returning an error aborts the
// pipeline at the next checkpoint; the worker uses this to honor
// cancellation between LLM calls.
type ProgressFunc func(progress int, step string) error

// Usage accumulates token and cost totals across every gateway call an
// operation makes, including the self-heal call.
type Usage struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Calls     int
}

func (u *Usage) add(res *llm.Result) {
	u.TokensIn += res.TokensIn
	u.TokensOut += res.TokensOut
	u.CostUSD += res.CostUSD
	u.Calls++
}

type ParseInput struct {
	File        io.ReaderAt
	Size        int64
	FileName    string
	ISOStandard string
	CustomRules string
	TraceID     string
	TaskID      string
	Budget      *llm.Budget
}

type ParseOutput struct {
	Template map[string]interface{}
	Usage    Usage
	Warnings []Issue
}

type EditInput struct {
	Structure    map[string]interface{}
	Instructions string
	TemplateID   string
	TraceID      string
	TaskID       string
	Budget       *llm.Budget
}

type EditOutput struct {
	Template map[string]interface{}
	Usage    Usage
	Warnings []Issue
}

type ReviewInput struct {
	Structure  map[string]interface{}
	TemplateID string
	TraceID    string
	TaskID     string
	Budget     *llm.Budget
}

type ReviewOutput struct {
	Review map[string]interface{}
	Score  float64
	Usage  Usage
}

// TemplateAgent parses, edits, and reviews ISO policy templates.
type TemplateAgent struct {
	log             *logger.Logger
	gateway         llm.Gateway
	tel             *telemetry.Emitter
	selfHealEnabled bool
	now             func() time.Time
}

func NewTemplateAgent(log *logger.Logger, gateway llm.Gateway, tel *telemetry.Emitter) *TemplateAgent {
	return &TemplateAgent{
		log:             log.With("component", agentName),
		gateway:         gateway,
		tel:             tel,
		selfHealEnabled: envutil.Bool("ENABLE_TEMPLATE_SELF_HEALING", true),
		now:             time.Now,
	}
}

// ParseDocument runs the full parse pipeline: extract the document, identify
// fixed vs fillable sections with the model, validate (self-healing once if
// needed), and enrich with metadata.
func (a *TemplateAgent) ParseDocument(ctx context.Context, in ParseInput, onProgress ProgressFunc) (*ParseOutput, error) {
	operation := "Parse Template: " + in.FileName
	a.log.Info("Starting document parsing", "file_name", in.FileName)
	if in.TraceID != "" {
		a.tel.AgentStarted(agentName, in.TraceID, in.TaskID, map[string]interface{}{
			"operation":        operation,
			"file_name":        in.FileName,
			"iso_standard":     in.ISOStandard,
			"has_custom_rules": in.CustomRules != "",
		})
	}
	start := a.now()

	out, err := a.parseDocument(ctx, in, onProgress)
	if err != nil {
		if in.TraceID != "" {
			a.tel.AgentFailed(agentName, in.TraceID, in.TaskID, taskerr.MessageOf(err), string(taskerr.KindOf(err)))
		}
		return nil, err
	}

	duration := int(a.now().Sub(start).Seconds())
	fixed := len(sectionList(out.Template, "fixed_sections"))
	fillable := len(sectionList(out.Template, "fillable_sections"))
	a.log.Info("Parsing complete", "fixed_sections", fixed, "fillable_sections", fillable, "duration_seconds", duration)
	if in.TraceID != "" {
		a.tel.AgentCompleted(agentName, in.TraceID, in.TaskID, duration, map[string]interface{}{
			"operation":         operation,
			"fixed_sections":    fixed,
			"fillable_sections": fillable,
		})
	}
	return out, nil
}

func (a *TemplateAgent) parseDocument(ctx context.Context, in ParseInput, onProgress ProgressFunc) (*ParseOutput, error) {
	if err := report(onProgress, 40, "Loading Word document..."); err != nil {
		return nil, err
	}
	content, err := ExtractDocument(in.File, in.Size)
	if err != nil {
		return nil, err
	}
	a.log.Info("Document extracted", "paragraphs", len(content.Paragraphs), "tables", len(content.Tables))

	if err := report(onProgress, 70, "Analyzing document structure with AI..."); err != nil {
		return nil, err
	}
	var usage Usage
	res, err := a.gateway.Generate(ctx, llm.Request{
		Prompt:      BuildSectionIdentificationPrompt(content, in.ISOStandard, in.CustomRules),
		Temperature: 0.3,
		MaxTokens:   16384,
		Purpose:     "section_identification",
		TraceID:     in.TraceID,
		TaskID:      in.TaskID,
		Budget:      in.Budget,
	})
	if err != nil {
		return nil, err
	}
	usage.add(res)

	template, err := a.decodeResponse(res.Content)
	if err != nil {
		return nil, err
	}
	a.log.Info("Sections identified",
		"fixed_sections", len(sectionList(template, "fixed_sections")),
		"fillable_sections", len(sectionList(template, "fillable_sections")))

	if err := report(onProgress, 85, "Validating and self-healing template..."); err != nil {
		return nil, err
	}
	template, warnings, err := a.validateAndHeal(ctx, template, healContext{
		docTitle:    content.Metadata.Title,
		isoStandard: in.ISOStandard,
		customRules: in.CustomRules,
		traceID:     in.TraceID,
		taskID:      in.TaskID,
		budget:      in.Budget,
	}, &usage)
	if err != nil {
		return nil, err
	}

	if err := report(onProgress, 95, "Finalizing template..."); err != nil {
		return nil, err
	}
	template = EnrichTemplate(template, in.FileName, a.now())

	return &ParseOutput{Template: template, Usage: usage, Warnings: warnings}, nil
}

// EditTemplate applies natural-language instructions to an existing
// structure. The model returns the complete edited template, which goes
// through the same validation and self-heal path as a fresh parse. Parse-time
// metadata is kept; totals and tags are recounted and an edit timestamp is
// stamped.
func (a *TemplateAgent) EditTemplate(ctx context.Context, in EditInput, onProgress ProgressFunc) (*EditOutput, error) {
	operation := "Edit Template: " + in.TemplateID
	a.log.Info("Starting template edit", "template_id", in.TemplateID, "instructions_length", len(in.Instructions))
	if in.TraceID != "" {
		a.tel.AgentStarted(agentName, in.TraceID, in.TaskID, map[string]interface{}{
			"operation":           operation,
			"template_id":         in.TemplateID,
			"instructions_length": len(in.Instructions),
		})
	}
	start := a.now()

	out, err := a.editTemplate(ctx, in, onProgress)
	if err != nil {
		if in.TraceID != "" {
			a.tel.AgentFailed(agentName, in.TraceID, in.TaskID, taskerr.MessageOf(err), string(taskerr.KindOf(err)))
		}
		return nil, err
	}

	duration := int(a.now().Sub(start).Seconds())
	a.log.Info("Edit complete", "template_id", in.TemplateID, "duration_seconds", duration)
	if in.TraceID != "" {
		a.tel.AgentCompleted(agentName, in.TraceID, in.TaskID, duration, map[string]interface{}{
			"operation":         operation,
			"fixed_sections":    len(sectionList(out.Template, "fixed_sections")),
			"fillable_sections": len(sectionList(out.Template, "fillable_sections")),
		})
	}
	return out, nil
}

func (a *TemplateAgent) editTemplate(ctx context.Context, in EditInput, onProgress ProgressFunc) (*EditOutput, error) {
	var usage Usage
	res, err := a.gateway.Generate(ctx, llm.Request{
		Prompt:      BuildEditPrompt(in.Structure, in.Instructions),
		Temperature: 0.3,
		MaxTokens:   16384,
		Purpose:     "template_edit",
		TraceID:     in.TraceID,
		TaskID:      in.TaskID,
		Budget:      in.Budget,
	})
	if err != nil {
		return nil, err
	}
	usage.add(res)

	edited, err := a.decodeResponse(res.Content)
	if err != nil {
		return nil, err
	}

	if err := report(onProgress, 70, "Validating edited template..."); err != nil {
		return nil, err
	}
	edited, warnings, err := a.validateAndHeal(ctx, edited, healContext{
		docTitle: documentTitle(in.Structure),
		traceID:  in.TraceID,
		taskID:   in.TaskID,
		budget:   in.Budget,
	}, &usage)
	if err != nil {
		return nil, err
	}

	refreshEditMetadata(edited, in.Structure, a.now())
	return &EditOutput{Template: edited, Usage: usage, Warnings: warnings}, nil
}

// ReviewTemplate asks the model for an advisory quality report. Review output
// never self-heals; it only has to be a well-formed object with a numeric
// score.
func (a *TemplateAgent) ReviewTemplate(ctx context.Context, in ReviewInput, onProgress ProgressFunc) (*ReviewOutput, error) {
	operation := "Review Template: " + in.TemplateID
	a.log.Info("Starting template review", "template_id", in.TemplateID)
	if in.TraceID != "" {
		a.tel.AgentStarted(agentName, in.TraceID, in.TaskID, map[string]interface{}{
			"operation":   operation,
			"template_id": in.TemplateID,
		})
	}
	start := a.now()

	out, err := a.reviewTemplate(ctx, in, onProgress)
	if err != nil {
		if in.TraceID != "" {
			a.tel.AgentFailed(agentName, in.TraceID, in.TaskID, taskerr.MessageOf(err), string(taskerr.KindOf(err)))
		}
		return nil, err
	}

	duration := int(a.now().Sub(start).Seconds())
	a.log.Info("Review complete", "template_id", in.TemplateID, "score", out.Score, "duration_seconds", duration)
	if in.TraceID != "" {
		a.tel.AgentCompleted(agentName, in.TraceID, in.TaskID, duration, map[string]interface{}{
			"operation": operation,
			"score":     out.Score,
		})
	}
	return out, nil
}

func (a *TemplateAgent) reviewTemplate(ctx context.Context, in ReviewInput, onProgress ProgressFunc) (*ReviewOutput, error) {
	if err := report(onProgress, 60, "Reviewing template quality..."); err != nil {
		return nil, err
	}
	var usage Usage
	res, err := a.gateway.Generate(ctx, llm.Request{
		Prompt:      BuildReviewPrompt(in.Structure),
		Temperature: 0.3,
		MaxTokens:   8192,
		Purpose:     "template_review",
		TraceID:     in.TraceID,
		TaskID:      in.TaskID,
		Budget:      in.Budget,
	})
	if err != nil {
		return nil, err
	}
	usage.add(res)

	review, err := a.decodeResponse(res.Content)
	if err != nil {
		return nil, err
	}
	score, ok := asNumber(review["score"])
	if !ok {
		return nil, taskerr.New(taskerr.ValidationFailed, "review output has no numeric score")
	}

	return &ReviewOutput{Review: review, Score: score, Usage: usage}, nil
}

// decodeResponse extracts the JSON payload from a model response and parses
// it, repairing when needed.
func (a *TemplateAgent) decodeResponse(content string) (map[string]interface{}, error) {
	payload, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.ParseExtractFailed, "model response contained no JSON payload", err)
	}
	decoded, method, err := DecodeTemplate(payload)
	if err != nil {
		return nil, err
	}
	if method != "none" {
		a.log.Warn("Model JSON required repair", "repair_method", method)
	}
	return decoded, nil
}

type healContext struct {
	docTitle    string
	isoStandard string
	customRules string
	traceID     string
	taskID      string
	budget      *llm.Budget
}

// validateAndHeal validates a decoded structure and, when structural errors
// exist and healing is enabled, gives the model one chance to fix its own
// output. A structure that still fails after the heal pass is rejected.
func (a *TemplateAgent) validateAndHeal(ctx context.Context, template map[string]interface{}, hc healContext, usage *Usage) (map[string]interface{}, []Issue, error) {
	errors, warnings := ValidateTemplate(template)
	for _, w := range warnings {
		a.log.Warn("Template semantic issue", "issue", w.String())
	}
	if len(errors) == 0 {
		return template, warnings, nil
	}

	a.log.Warn("Template has structural errors", "count", len(errors))
	for _, e := range errors {
		a.log.Warn("Template structural error", "issue", e.String())
	}

	if !a.selfHealEnabled {
		a.log.Error("Self-healing is disabled, cannot fix template")
		return nil, nil, taskerr.New(taskerr.ValidationFailed, "Template validation failed: "+JoinIssues(errors))
	}

	a.log.Info("Attempting self-healing with LLM")
	healed, err := a.selfHeal(ctx, template, errors, hc, usage)
	if err != nil {
		a.log.Error("Self-healing attempt failed", "error", err)
		// The heal call itself failed; surface the original validation errors.
		return nil, nil, taskerr.Wrap(taskerr.ValidationFailed, "Template validation failed: "+JoinIssues(errors), err)
	}

	healedErrors, healedWarnings := ValidateTemplate(healed)
	if len(healedErrors) > 0 {
		a.log.Error("Self-healing failed, errors remain", "count", len(healedErrors))
		for _, e := range healedErrors {
			a.log.Error("Template structural error", "issue", e.String())
		}
		return nil, nil, taskerr.New(taskerr.ValidationFailed, "Template validation failed after self-heal: "+JoinIssues(healedErrors))
	}

	a.log.Info("Template self-healed successfully")
	for _, w := range healedWarnings {
		a.log.Warn("Template semantic issue after heal", "issue", w.String())
	}
	return healed, healedWarnings, nil
}

func (a *TemplateAgent) selfHeal(ctx context.Context, original map[string]interface{}, issues []Issue, hc healContext, usage *Usage) (map[string]interface{}, error) {
	res, err := a.gateway.Generate(ctx, llm.Request{
		Prompt:      BuildSelfHealPrompt(original, issues, hc.docTitle, hc.isoStandard, hc.customRules),
		Temperature: 0.1,
		MaxTokens:   16384,
		Purpose:     "self_heal_template",
		TraceID:     hc.traceID,
		TaskID:      hc.taskID,
		Budget:      hc.budget,
	})
	if err != nil {
		return nil, err
	}
	usage.add(res)

	healed, err := a.decodeResponse(res.Content)
	if err != nil {
		return nil, err
	}
	a.log.Info("Self-heal call completed",
		"fixed_sections", len(sectionList(healed, "fixed_sections")),
		"fillable_sections", len(sectionList(healed, "fillable_sections")))
	return healed, nil
}

// EnrichTemplate stamps parse metadata onto a validated structure.
func EnrichTemplate(template map[string]interface{}, sourceFile string, now time.Time) map[string]interface{} {
	fillable := sectionList(template, "fillable_sections")
	template["metadata"] = map[string]interface{}{
		"source_file":                 sourceFile,
		"parsed_at":                   now.UTC().Format(time.RFC3339),
		"total_fixed_sections":        len(sectionList(template, "fixed_sections")),
		"total_fillable_sections":     len(fillable),
		"semantic_tags_used":          uniqueTags(fillable),
		"completion_estimate_minutes": estimateCompletionMinutes(len(fillable)),
	}
	return template
}

// refreshEditMetadata keeps parse-time metadata through an edit. The model
// may drop or mangle the metadata block, so fall back to the pre-edit copy,
// then recount totals and stamp the edit time.
func refreshEditMetadata(edited, original map[string]interface{}, now time.Time) {
	metadata, _ := edited["metadata"].(map[string]interface{})
	if metadata == nil {
		metadata = map[string]interface{}{}
		if prior, ok := original["metadata"].(map[string]interface{}); ok {
			for k, v := range prior {
				metadata[k] = v
			}
		}
	}
	fillable := sectionList(edited, "fillable_sections")
	metadata["total_fixed_sections"] = len(sectionList(edited, "fixed_sections"))
	metadata["total_fillable_sections"] = len(fillable)
	metadata["semantic_tags_used"] = uniqueTags(fillable)
	metadata["last_edited_at"] = now.UTC().Format(time.RFC3339)
	edited["metadata"] = metadata
}

// estimateCompletionMinutes assumes 2.5 minutes per fillable section, with a
// 5 minute floor for review.
func estimateCompletionMinutes(fillableCount int) int {
	if fillableCount == 0 {
		return 5
	}
	estimate := int(math.Ceil(float64(fillableCount) * 2.5))
	if estimate < 5 {
		return 5
	}
	return estimate
}

func uniqueTags(fillable []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, section := range fillable {
		tags, _ := section["semantic_tags"].([]interface{})
		for _, t := range tags {
			if tag, ok := t.(string); ok {
				seen[tag] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func documentTitle(template map[string]interface{}) string {
	if title, ok := template["document_title"].(string); ok && title != "" {
		return title
	}
	return "Untitled"
}

func report(onProgress ProgressFunc, progress int, step string) error {
	if onProgress == nil {
		return nil
	}
	if err := onProgress(progress, step); err != nil {
		return taskerr.Wrap(taskerr.Cancelled, "operation cancelled", err)
	}
	return nil
}
