package agents

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/isoforge/isoforge-backend/internal/llm"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { log.Sync() })
	return log
}

type fakeReply struct {
	content string
	err     error
}

// fakeGateway returns scripted replies in call order and records every
// request for assertions. The last script entry repeats once exhausted.
type fakeGateway struct {
	calls  []llm.Request
	script []fakeReply
}

func (f *fakeGateway) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, req)
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	reply := f.script[idx]
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.Result{
		Content:    reply.content,
		TokensIn:   1000,
		TokensOut:  500,
		DurationMS: 12,
		CostUSD:    0.01,
		Model:      "claude-sonnet-4-5-20250929",
	}, nil
}

func (f *fakeGateway) Model() string { return "claude-sonnet-4-5-20250929" }

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAgent(t *testing.T, gw llm.Gateway) *TemplateAgent {
	t.Helper()
	agent := NewTemplateAgent(testLogger(t), gw, nil)
	agent.selfHealEnabled = true
	agent.now = func() time.Time { return testClock }
	return agent
}

type progressRecorder struct {
	pcts   []int
	steps  []string
	failAt int
}

func (r *progressRecorder) fn(progress int, step string) error {
	r.pcts = append(r.pcts, progress)
	r.steps = append(r.steps, step)
	if r.failAt > 0 && progress >= r.failAt {
		return errors.New("cancel requested")
	}
	return nil
}

const validTemplateJSON = `{
  "document_title": "ISMS 5.30 Business Continuity",
  "fixed_sections": [
    {"id": "general", "title": "General", "content": "This policy applies to all systems.", "section_type": "policy_statement"}
  ],
  "fillable_sections": [
    {"id": "backup_strategy", "title": "Backup Strategy", "location": "Section 5.2", "type": "paragraph",
     "semantic_tags": ["backup", "storage"], "current_content": "Nightly backups", "format": "Paragraph",
     "placeholder": "Describe your backups", "is_mandatory": true, "mandatory_confidence": 0.9}
  ]
}`

// Same structure with document_title removed, which fails validation with
// exactly one structural error.
const invalidTemplateJSON = `{
  "fixed_sections": [
    {"id": "general", "title": "General", "content": "This policy applies to all systems.", "section_type": "policy_statement"}
  ],
  "fillable_sections": [
    {"id": "backup_strategy", "title": "Backup Strategy", "type": "paragraph", "semantic_tags": ["backup"]}
  ]
}`

func parseInput(t *testing.T) ParseInput {
	t.Helper()
	raw := buildTestDocx(t, testDocumentXML, testCoreXML)
	return ParseInput{
		File:        bytes.NewReader(raw),
		Size:        int64(len(raw)),
		FileName:    "iso_27001_bcp.docx",
		ISOStandard: "ISO 27001:2022",
		TraceID:     "trace-1",
		TaskID:      "task-1",
	}
}

func TestParseDocumentHappyPath(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{
		{content: "```json\n" + validTemplateJSON + "\n```"},
	}}
	agent := newTestAgent(t, gw)
	rec := &progressRecorder{}

	out, err := agent.ParseDocument(context.Background(), parseInput(t), rec.fn)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	if len(gw.calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(gw.calls))
	}
	call := gw.calls[0]
	if call.Purpose != "section_identification" || call.Temperature != 0.3 || call.MaxTokens != 16384 {
		t.Errorf("unexpected call parameters: purpose=%s temp=%v max=%d", call.Purpose, call.Temperature, call.MaxTokens)
	}
	if !strings.Contains(call.Prompt, "Identify FIXED vs FILLABLE sections") {
		t.Error("prompt missing task statement")
	}
	if !strings.Contains(call.Prompt, "ISO Standard: ISO 27001:2022") {
		t.Error("prompt missing ISO standard")
	}
	if !strings.Contains(call.Prompt, "Business Continuity Policy") {
		t.Error("prompt missing document content")
	}

	wantPcts := []int{40, 70, 85, 95}
	if len(rec.pcts) != len(wantPcts) {
		t.Fatalf("progress calls = %v, want %v", rec.pcts, wantPcts)
	}
	for i, want := range wantPcts {
		if rec.pcts[i] != want {
			t.Errorf("progress[%d] = %d, want %d", i, rec.pcts[i], want)
		}
	}
	if rec.steps[0] != "Loading Word document..." || rec.steps[3] != "Finalizing template..." {
		t.Errorf("unexpected step labels: %v", rec.steps)
	}

	metadata, ok := out.Template["metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("template missing metadata: %v", out.Template)
	}
	if metadata["source_file"] != "iso_27001_bcp.docx" {
		t.Errorf("source_file = %v", metadata["source_file"])
	}
	if metadata["parsed_at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("parsed_at = %v", metadata["parsed_at"])
	}
	if metadata["total_fixed_sections"] != 1 || metadata["total_fillable_sections"] != 1 {
		t.Errorf("section totals = %v/%v", metadata["total_fixed_sections"], metadata["total_fillable_sections"])
	}
	tags, _ := metadata["semantic_tags_used"].([]string)
	if len(tags) != 2 || tags[0] != "backup" || tags[1] != "storage" {
		t.Errorf("semantic_tags_used = %v", metadata["semantic_tags_used"])
	}
	if metadata["completion_estimate_minutes"] != 5 {
		t.Errorf("completion_estimate_minutes = %v, want 5", metadata["completion_estimate_minutes"])
	}

	if out.Usage.Calls != 1 || out.Usage.TokensIn != 1000 || out.Usage.TokensOut != 500 || out.Usage.CostUSD != 0.01 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", out.Warnings)
	}
}

func TestParseDocumentSelfHeals(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{
		{content: invalidTemplateJSON},
		{content: validTemplateJSON},
	}}
	agent := newTestAgent(t, gw)

	out, err := agent.ParseDocument(context.Background(), parseInput(t), nil)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	if len(gw.calls) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(gw.calls))
	}
	heal := gw.calls[1]
	if heal.Purpose != "self_heal_template" || heal.Temperature != 0.1 {
		t.Errorf("unexpected heal call: purpose=%s temp=%v", heal.Purpose, heal.Temperature)
	}
	if !strings.Contains(heal.Prompt, "VALIDATION ERRORS FOUND:") {
		t.Error("heal prompt missing error list header")
	}
	if !strings.Contains(heal.Prompt, "missing_field: Missing required top-level field: 'document_title'") {
		t.Error("heal prompt missing the validation error")
	}
	if !strings.Contains(heal.Prompt, "ORIGINAL OUTPUT (with errors):") {
		t.Error("heal prompt missing original output")
	}

	if out.Template["document_title"] != "ISMS 5.30 Business Continuity" {
		t.Errorf("healed template not used: %v", out.Template["document_title"])
	}
	if out.Usage.Calls != 2 || out.Usage.TokensIn != 2000 {
		t.Errorf("usage should cover both calls: %+v", out.Usage)
	}
}

func TestParseDocumentFailsWhenHealLeavesErrors(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{
		{content: invalidTemplateJSON},
		{content: invalidTemplateJSON},
	}}
	agent := newTestAgent(t, gw)

	_, err := agent.ParseDocument(context.Background(), parseInput(t), nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.ValidationFailed {
		t.Errorf("kind = %s, want %s", kind, taskerr.ValidationFailed)
	}
	if !strings.Contains(taskerr.MessageOf(err), "after self-heal") {
		t.Errorf("message should note the failed heal: %s", taskerr.MessageOf(err))
	}
	if len(gw.calls) != 2 {
		t.Errorf("expected exactly one heal attempt, got %d calls", len(gw.calls))
	}
}

func TestParseDocumentHealDisabled(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{{content: invalidTemplateJSON}}}
	agent := newTestAgent(t, gw)
	agent.selfHealEnabled = false

	_, err := agent.ParseDocument(context.Background(), parseInput(t), nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.ValidationFailed {
		t.Errorf("kind = %s, want %s", kind, taskerr.ValidationFailed)
	}
	if len(gw.calls) != 1 {
		t.Errorf("healing disabled should not call the gateway again, got %d calls", len(gw.calls))
	}
}

func TestParseDocumentHealCallFails(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{
		{content: invalidTemplateJSON},
		{err: taskerr.New(taskerr.ProviderError, "upstream exploded")},
	}}
	agent := newTestAgent(t, gw)

	_, err := agent.ParseDocument(context.Background(), parseInput(t), nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.ValidationFailed {
		t.Errorf("kind = %s, want %s", kind, taskerr.ValidationFailed)
	}
	// A failed heal call reports the original validation errors, not the
	// provider error.
	msg := taskerr.MessageOf(err)
	if !strings.Contains(msg, "'document_title'") || strings.Contains(msg, "after self-heal") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestParseDocumentNoJSONInResponse(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{{content: "I am unable to analyze this document."}}}
	agent := newTestAgent(t, gw)

	_, err := agent.ParseDocument(context.Background(), parseInput(t), nil)
	if err == nil {
		t.Fatal("expected extraction failure")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.ParseExtractFailed {
		t.Errorf("kind = %s, want %s", kind, taskerr.ParseExtractFailed)
	}
}

func TestParseDocumentCancelledByProgress(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{{content: validTemplateJSON}}}
	agent := newTestAgent(t, gw)
	rec := &progressRecorder{failAt: 40}

	_, err := agent.ParseDocument(context.Background(), parseInput(t), rec.fn)
	if err == nil {
		t.Fatal("expected cancellation")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.Cancelled {
		t.Errorf("kind = %s, want %s", kind, taskerr.Cancelled)
	}
	if len(gw.calls) != 0 {
		t.Errorf("cancelled before analysis should not call gateway, got %d calls", len(gw.calls))
	}
}

func TestEditTemplate(t *testing.T) {
	edited := `{
  "document_title": "ISMS 5.30 Business Continuity",
  "fixed_sections": [
    {"id": "general", "title": "General", "content": "This policy applies to all systems.", "section_type": "policy_statement"}
  ],
  "fillable_sections": [
    {"id": "backup_strategy", "title": "Backup Strategy", "type": "paragraph", "semantic_tags": ["backup", "storage"]},
    {"id": "recovery_objectives", "title": "Recovery Objectives", "type": "field", "semantic_tags": ["rto", "rpo"]}
  ]
}`
	gw := &fakeGateway{script: []fakeReply{{content: edited}}}
	agent := newTestAgent(t, gw)
	rec := &progressRecorder{}

	structure := validTemplate()
	structure["metadata"] = map[string]interface{}{
		"source_file": "iso_27001_bcp.docx",
		"parsed_at":   "2025-05-01T08:00:00Z",
	}

	out, err := agent.EditTemplate(context.Background(), EditInput{
		Structure:    structure,
		Instructions: "Add a fillable section for RTO and RPO targets.",
		TemplateID:   "7c9f2d7e",
		TraceID:      "trace-2",
		TaskID:       "task-2",
	}, rec.fn)
	if err != nil {
		t.Fatalf("EditTemplate: %v", err)
	}

	if len(gw.calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(gw.calls))
	}
	call := gw.calls[0]
	if call.Purpose != "template_edit" || call.Temperature != 0.3 {
		t.Errorf("unexpected call: purpose=%s temp=%v", call.Purpose, call.Temperature)
	}
	if !strings.Contains(call.Prompt, "Add a fillable section for RTO and RPO targets.") {
		t.Error("prompt missing instructions")
	}
	if !strings.Contains(call.Prompt, "CURRENT TEMPLATE STRUCTURE:") {
		t.Error("prompt missing current structure")
	}

	if len(rec.pcts) != 1 || rec.pcts[0] != 70 || rec.steps[0] != "Validating edited template..." {
		t.Errorf("unexpected progress: %v %v", rec.pcts, rec.steps)
	}

	metadata, _ := out.Template["metadata"].(map[string]interface{})
	if metadata == nil {
		t.Fatal("edited template lost its metadata")
	}
	if metadata["source_file"] != "iso_27001_bcp.docx" {
		t.Errorf("parse metadata not preserved: %v", metadata)
	}
	if metadata["total_fillable_sections"] != 2 {
		t.Errorf("totals not recounted: %v", metadata["total_fillable_sections"])
	}
	if metadata["last_edited_at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("last_edited_at = %v", metadata["last_edited_at"])
	}
	tags, _ := metadata["semantic_tags_used"].([]string)
	if len(tags) != 4 {
		t.Errorf("semantic_tags_used = %v", tags)
	}
}

func TestReviewTemplate(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{
		{content: `{"score": 0.82, "issues": [{"section_id": "backup_strategy", "severity": "warning", "message": "Vague placeholder"}], "suggestions": ["Add RTO targets"]}`},
	}}
	agent := newTestAgent(t, gw)
	rec := &progressRecorder{}

	out, err := agent.ReviewTemplate(context.Background(), ReviewInput{
		Structure:  validTemplate(),
		TemplateID: "7c9f2d7e",
		TraceID:    "trace-3",
	}, rec.fn)
	if err != nil {
		t.Fatalf("ReviewTemplate: %v", err)
	}

	if out.Score != 0.82 {
		t.Errorf("score = %v, want 0.82", out.Score)
	}
	issues, _ := out.Review["issues"].([]interface{})
	if len(issues) != 1 {
		t.Errorf("issues = %v", out.Review["issues"])
	}
	if len(rec.pcts) != 1 || rec.pcts[0] != 60 || rec.steps[0] != "Reviewing template quality..." {
		t.Errorf("unexpected progress: %v %v", rec.pcts, rec.steps)
	}
	if gw.calls[0].Purpose != "template_review" {
		t.Errorf("purpose = %s", gw.calls[0].Purpose)
	}
}

func TestReviewTemplateMissingScore(t *testing.T) {
	gw := &fakeGateway{script: []fakeReply{{content: `{"issues": [], "suggestions": []}`}}}
	agent := newTestAgent(t, gw)

	_, err := agent.ReviewTemplate(context.Background(), ReviewInput{Structure: validTemplate()}, nil)
	if err == nil {
		t.Fatal("expected failure for missing score")
	}
	if kind := taskerr.KindOf(err); kind != taskerr.ValidationFailed {
		t.Errorf("kind = %s, want %s", kind, taskerr.ValidationFailed)
	}
}

func TestEstimateCompletionMinutes(t *testing.T) {
	cases := []struct {
		fillable int
		want     int
	}{
		{0, 5},
		{1, 5},
		{2, 5},
		{3, 8},
		{10, 25},
		{40, 100},
	}
	for _, tc := range cases {
		if got := estimateCompletionMinutes(tc.fillable); got != tc.want {
			t.Errorf("estimateCompletionMinutes(%d) = %d, want %d", tc.fillable, got, tc.want)
		}
	}
}
