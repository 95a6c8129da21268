package worklog

import (
	"fmt"
	"time"

	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
)

// Payloads travel as flat string maps so that any stream consumer can read
// the envelope without knowing the kind. Nested values are not allowed;
// anything structured is JSON-encoded by the producer.

type ParsePayload struct {
	TaskID             string
	TemplateFileID     string
	FilePath           string
	OriginalFilename   string
	CustomParsingRules string
	ISOStandard        string
	LLMProvider        string
	CreatedBy          string
	TraceID            string
}

func (p ParsePayload) Encode() map[string]interface{} {
	return map[string]interface{}{
		"task_id":              p.TaskID,
		"task_type":            domain.KindTemplateParse,
		"template_file_id":     p.TemplateFileID,
		"file_path":            p.FilePath,
		"original_filename":    p.OriginalFilename,
		"custom_parsing_rules": p.CustomParsingRules,
		"iso_standard":         p.ISOStandard,
		"llm_provider":         p.LLMProvider,
		"created_by":           p.CreatedBy,
		"trace_id":             p.TraceID,
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}
}

type EditPayload struct {
	TaskID           string
	TemplateID       string
	EditInstructions string
	LLMProvider      string
	CreatedBy        string
	TraceID          string
}

func (p EditPayload) Encode() map[string]interface{} {
	return map[string]interface{}{
		"task_id":           p.TaskID,
		"task_type":         domain.KindTemplateEdit,
		"template_id":       p.TemplateID,
		"edit_instructions": p.EditInstructions,
		"llm_provider":      p.LLMProvider,
		"created_by":        p.CreatedBy,
		"trace_id":          p.TraceID,
		"created_at":        time.Now().UTC().Format(time.RFC3339),
	}
}

type ReviewPayload struct {
	TaskID      string
	TemplateID  string
	LLMProvider string
	CreatedBy   string
	TraceID     string
}

func (p ReviewPayload) Encode() map[string]interface{} {
	return map[string]interface{}{
		"task_id":      p.TaskID,
		"task_type":    domain.KindTemplateReview,
		"template_id":  p.TemplateID,
		"llm_provider": p.LLMProvider,
		"created_by":   p.CreatedBy,
		"trace_id":     p.TraceID,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
}

func DecodeParsePayload(values map[string]interface{}) (ParsePayload, error) {
	p := ParsePayload{
		TaskID:             str(values, "task_id"),
		TemplateFileID:     str(values, "template_file_id"),
		FilePath:           str(values, "file_path"),
		OriginalFilename:   str(values, "original_filename"),
		CustomParsingRules: str(values, "custom_parsing_rules"),
		ISOStandard:        str(values, "iso_standard"),
		LLMProvider:        str(values, "llm_provider"),
		CreatedBy:          str(values, "created_by"),
		TraceID:            str(values, "trace_id"),
	}
	if p.TaskID == "" {
		return p, fmt.Errorf("parse payload missing task_id")
	}
	if p.FilePath == "" {
		return p, fmt.Errorf("parse payload missing file_path")
	}
	return p, nil
}

func DecodeEditPayload(values map[string]interface{}) (EditPayload, error) {
	p := EditPayload{
		TaskID:           str(values, "task_id"),
		TemplateID:       str(values, "template_id"),
		EditInstructions: str(values, "edit_instructions"),
		LLMProvider:      str(values, "llm_provider"),
		CreatedBy:        str(values, "created_by"),
		TraceID:          str(values, "trace_id"),
	}
	if p.TaskID == "" {
		return p, fmt.Errorf("edit payload missing task_id")
	}
	if p.TemplateID == "" {
		return p, fmt.Errorf("edit payload missing template_id")
	}
	return p, nil
}

func DecodeReviewPayload(values map[string]interface{}) (ReviewPayload, error) {
	p := ReviewPayload{
		TaskID:      str(values, "task_id"),
		TemplateID:  str(values, "template_id"),
		LLMProvider: str(values, "llm_provider"),
		CreatedBy:   str(values, "created_by"),
		TraceID:     str(values, "trace_id"),
	}
	if p.TaskID == "" {
		return p, fmt.Errorf("review payload missing task_id")
	}
	if p.TemplateID == "" {
		return p, fmt.Errorf("review payload missing template_id")
	}
	return p, nil
}

// TaskID reads the envelope id from any kind of payload.
func TaskID(values map[string]interface{}) string {
	return str(values, "task_id")
}

// TraceID reads the propagated trace id, if the producer set one.
func TraceID(values map[string]interface{}) string {
	return str(values, "trace_id")
}

func str(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
