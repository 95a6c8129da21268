package agents

import (
	"fmt"
	"strings"
	"testing"
)

func validTemplate() map[string]interface{} {
	return map[string]interface{}{
		"document_title": "ISMS 5.30 Business Continuity",
		"fixed_sections": []interface{}{
			map[string]interface{}{
				"id":           "general",
				"title":        "General",
				"content":      "This policy applies to all systems.",
				"section_type": "policy_statement",
			},
		},
		"fillable_sections": []interface{}{
			map[string]interface{}{
				"id":                   "backup_strategy",
				"title":                "Backup Strategy",
				"type":                 "paragraph",
				"semantic_tags":        []interface{}{"backup", "storage"},
				"is_mandatory":         true,
				"mandatory_confidence": 0.9,
			},
		},
	}
}

func hasIssue(issues []Issue, kind, fragment string) bool {
	for _, issue := range issues {
		if issue.Kind == kind && strings.Contains(issue.Message, fragment) {
			return true
		}
	}
	return false
}

func TestValidateTemplateClean(t *testing.T) {
	errors, warnings := ValidateTemplate(validTemplate())
	if len(errors) != 0 {
		t.Errorf("unexpected errors: %v", errors)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestValidateTemplateMissingTopLevelFields(t *testing.T) {
	errors, warnings := ValidateTemplate(map[string]interface{}{})
	if len(errors) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errors), errors)
	}
	for _, field := range []string{"document_title", "fixed_sections", "fillable_sections"} {
		if !hasIssue(errors, "missing_field", fmt.Sprintf("'%s'", field)) {
			t.Errorf("missing error for field %s: %v", field, errors)
		}
	}
	if !hasIssue(warnings, "no_sections", "no sections at all") {
		t.Errorf("expected no_sections warning, got %v", warnings)
	}
}

func TestValidateTemplateTopLevelTypes(t *testing.T) {
	errors, _ := ValidateTemplate(map[string]interface{}{
		"document_title":    42,
		"fixed_sections":    "nope",
		"fillable_sections": map[string]interface{}{},
	})
	if !hasIssue(errors, "invalid_type", "document_title must be a string") {
		t.Errorf("missing document_title type error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "fixed_sections must be a list") {
		t.Errorf("missing fixed_sections type error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "fillable_sections must be a list") {
		t.Errorf("missing fillable_sections type error: %v", errors)
	}

	errors, _ = ValidateTemplate(map[string]interface{}{
		"document_title":    "   ",
		"fixed_sections":    []interface{}{},
		"fillable_sections": []interface{}{},
	})
	if !hasIssue(errors, "invalid_value", "document_title cannot be empty") {
		t.Errorf("missing empty title error: %v", errors)
	}
}

func TestValidateTemplateFixedSections(t *testing.T) {
	template := validTemplate()
	template["fixed_sections"] = []interface{}{
		map[string]interface{}{"id": "a", "title": 42},
		"not an object",
	}
	errors, _ := ValidateTemplate(template)

	if !hasIssue(errors, "missing_field", "Fixed section 0 ('a') missing required field: 'content'") {
		t.Errorf("missing content error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "Fixed section 0: 'title' must be a string") {
		t.Errorf("missing title type error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "Fixed section 1 must be an object") {
		t.Errorf("missing non-object error: %v", errors)
	}
}

func TestValidateTemplateFillableSections(t *testing.T) {
	template := validTemplate()
	template["fillable_sections"] = []interface{}{
		map[string]interface{}{
			"title":                "No ID",
			"type":                 "diagram",
			"semantic_tags":        []interface{}{},
			"is_mandatory":         "yes",
			"mandatory_confidence": 1.5,
		},
		map[string]interface{}{
			"id":            "b",
			"title":         "B",
			"type":          "table",
			"semantic_tags": []interface{}{"ok", 7},
		},
	}
	errors, _ := ValidateTemplate(template)

	if !hasIssue(errors, "missing_field", "Fillable section 0 ('unknown') missing required field: 'id'") {
		t.Errorf("missing id error: %v", errors)
	}
	if !hasIssue(errors, "invalid_value", "'type' must be one of: table, paragraph, list, field (got: 'diagram')") {
		t.Errorf("missing type value error: %v", errors)
	}
	if !hasIssue(errors, "invalid_value", "'semantic_tags' cannot be empty") {
		t.Errorf("missing empty tags error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "'is_mandatory' must be a boolean") {
		t.Errorf("missing is_mandatory type error: %v", errors)
	}
	if !hasIssue(errors, "invalid_value", "'mandatory_confidence' must be between 0 and 1 (got: 1.5)") {
		t.Errorf("missing confidence range error: %v", errors)
	}
	if !hasIssue(errors, "invalid_type", "Fillable section 1 ('b'): semantic_tags must contain strings") {
		t.Errorf("missing tag type error: %v", errors)
	}
}

func TestValidateTemplateWarnings(t *testing.T) {
	template := validTemplate()
	template["fillable_sections"] = []interface{}{
		map[string]interface{}{
			"id":                   "dup",
			"title":                "One",
			"type":                 "field",
			"semantic_tags":        []interface{}{"x"},
			"is_mandatory":         true,
			"mandatory_confidence": 0.5,
		},
		map[string]interface{}{
			"id":            "dup",
			"title":         "Two",
			"type":          "field",
			"semantic_tags": []interface{}{"y"},
		},
	}
	errors, warnings := ValidateTemplate(template)
	if len(errors) != 0 {
		t.Fatalf("unexpected errors: %v", errors)
	}

	if !hasIssue(warnings, "duplicate_id", "Duplicate IDs in fillable sections: [dup]") {
		t.Errorf("missing duplicate_id warning: %v", warnings)
	}
	if !hasIssue(warnings, "low_confidence_mandatory", "Section 'dup' marked mandatory but has low confidence: 0.5") {
		t.Errorf("missing low_confidence_mandatory warning: %v", warnings)
	}
}

func TestValidateTemplateExcessiveSections(t *testing.T) {
	template := validTemplate()
	sections := make([]interface{}, 0, 151)
	for i := 0; i < 151; i++ {
		sections = append(sections, map[string]interface{}{
			"id":            fmt.Sprintf("section_%d", i),
			"title":         fmt.Sprintf("Section %d", i),
			"type":          "field",
			"semantic_tags": []interface{}{"tag"},
		})
	}
	template["fillable_sections"] = sections
	errors, warnings := ValidateTemplate(template)
	if len(errors) != 0 {
		t.Fatalf("unexpected errors: %v", errors)
	}
	if !hasIssue(warnings, "excessive_sections", "Unusually high section count: 152") {
		t.Errorf("missing excessive_sections warning: %v", warnings)
	}
}

func TestValidateTemplateUntaggedWarning(t *testing.T) {
	template := validTemplate()
	template["fillable_sections"] = []interface{}{
		map[string]interface{}{
			"id":            "a",
			"title":         "A",
			"type":          "field",
			"semantic_tags": []interface{}{},
		},
	}
	_, warnings := ValidateTemplate(template)
	if !hasIssue(warnings, "missing_semantic_tags", "1 fillable sections have no semantic tags") {
		t.Errorf("missing missing_semantic_tags warning: %v", warnings)
	}
}

func TestIssueString(t *testing.T) {
	err := errorIssue("missing_field", "Missing required top-level field: '%s'", "document_title")
	if err.String() != "[ERROR] missing_field: Missing required top-level field: 'document_title'" {
		t.Errorf("unexpected error string: %s", err.String())
	}
	warn := warningIssue("no_sections", "Template has no sections at all")
	if warn.String() != "[WARNING] no_sections: Template has no sections at all" {
		t.Errorf("unexpected warning string: %s", warn.String())
	}
}
