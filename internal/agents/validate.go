package agents

import (
	"fmt"
	"sort"
	"strings"
)

// Severity separates blocking validation failures from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding. Error-severity issues block
// persistence and are fed verbatim into the self-heal prompt, so messages
// must name the exact section and field.
type Issue struct {
	Kind     string
	Message  string
	Severity Severity
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(i.Severity)), i.Kind, i.Message)
}

func errorIssue(kind, format string, args ...interface{}) Issue {
	return Issue{Kind: kind, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}

func warningIssue(kind, format string, args ...interface{}) Issue {
	return Issue{Kind: kind, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning}
}

// JoinIssues renders issues as a single semicolon-separated line for error
// messages and logs.
func JoinIssues(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}

// ValidateTemplate checks a decoded template structure on two levels:
// structural problems (missing fields, wrong types, bad values) come back as
// errors, logical inconsistencies as warnings.
func ValidateTemplate(template map[string]interface{}) (errors, warnings []Issue) {
	errors = validateStructure(template)
	warnings = validateSemantics(template)
	return errors, warnings
}

func validateStructure(template map[string]interface{}) []Issue {
	var errs []Issue

	for _, field := range []string{"document_title", "fixed_sections", "fillable_sections"} {
		if _, ok := template[field]; !ok {
			errs = append(errs, errorIssue("missing_field", "Missing required top-level field: '%s'", field))
		}
	}

	if v, ok := template["document_title"]; ok {
		title, isString := v.(string)
		switch {
		case !isString:
			errs = append(errs, errorIssue("invalid_type", "document_title must be a string"))
		case strings.TrimSpace(title) == "":
			errs = append(errs, errorIssue("invalid_value", "document_title cannot be empty"))
		}
	}

	if v, ok := template["fixed_sections"]; ok {
		sections, isList := v.([]interface{})
		if !isList {
			errs = append(errs, errorIssue("invalid_type", "fixed_sections must be a list"))
		} else {
			for i, section := range sections {
				errs = append(errs, validateFixedSection(section, i)...)
			}
		}
	}

	if v, ok := template["fillable_sections"]; ok {
		sections, isList := v.([]interface{})
		if !isList {
			errs = append(errs, errorIssue("invalid_type", "fillable_sections must be a list"))
		} else {
			for i, section := range sections {
				errs = append(errs, validateFillableSection(section, i)...)
			}
		}
	}

	return errs
}

func validateFixedSection(raw interface{}, index int) []Issue {
	section, ok := raw.(map[string]interface{})
	if !ok {
		return []Issue{errorIssue("invalid_type", "Fixed section %d must be an object", index)}
	}

	var errs []Issue
	for _, field := range []string{"id", "title", "content"} {
		if _, ok := section[field]; !ok {
			errs = append(errs, errorIssue("missing_field",
				"Fixed section %d ('%s') missing required field: '%s'", index, sectionID(section), field))
		}
	}
	for _, field := range []string{"id", "title", "content"} {
		if v, ok := section[field]; ok {
			if _, isString := v.(string); !isString {
				errs = append(errs, errorIssue("invalid_type",
					"Fixed section %d: '%s' must be a string", index, field))
			}
		}
	}
	return errs
}

func validateFillableSection(raw interface{}, index int) []Issue {
	section, ok := raw.(map[string]interface{})
	if !ok {
		return []Issue{errorIssue("invalid_type", "Fillable section %d must be an object", index)}
	}

	var errs []Issue
	for _, field := range []string{"id", "title", "type", "semantic_tags"} {
		if _, ok := section[field]; !ok {
			errs = append(errs, errorIssue("missing_field",
				"Fillable section %d ('%s') missing required field: '%s'", index, sectionID(section), field))
		}
	}
	for _, field := range []string{"id", "title"} {
		if v, ok := section[field]; ok {
			if _, isString := v.(string); !isString {
				errs = append(errs, errorIssue("invalid_type",
					"Fillable section %d: '%s' must be a string", index, field))
			}
		}
	}

	if v, ok := section["type"]; ok {
		sectionType, isString := v.(string)
		switch {
		case !isString:
			errs = append(errs, errorIssue("invalid_type",
				"Fillable section %d: 'type' must be a string", index))
		case sectionType != "table" && sectionType != "paragraph" && sectionType != "list" && sectionType != "field":
			errs = append(errs, errorIssue("invalid_value",
				"Fillable section %d: 'type' must be one of: table, paragraph, list, field (got: '%s')", index, sectionType))
		}
	}

	if v, ok := section["semantic_tags"]; ok {
		tags, isList := v.([]interface{})
		switch {
		case !isList:
			errs = append(errs, errorIssue("invalid_type",
				"Fillable section %d ('%s'): 'semantic_tags' must be a list", index, sectionID(section)))
		case len(tags) == 0:
			errs = append(errs, errorIssue("invalid_value",
				"Fillable section %d ('%s'): 'semantic_tags' cannot be empty", index, sectionID(section)))
		default:
			for _, tag := range tags {
				if _, isString := tag.(string); !isString {
					errs = append(errs, errorIssue("invalid_type",
						"Fillable section %d ('%s'): semantic_tags must contain strings", index, sectionID(section)))
					break
				}
			}
		}
	}

	if v, ok := section["mandatory_confidence"]; ok {
		confidence, isNumber := asNumber(v)
		switch {
		case !isNumber:
			errs = append(errs, errorIssue("invalid_type",
				"Fillable section %d ('%s'): 'mandatory_confidence' must be a number", index, sectionID(section)))
		case confidence < 0 || confidence > 1:
			errs = append(errs, errorIssue("invalid_value",
				"Fillable section %d ('%s'): 'mandatory_confidence' must be between 0 and 1 (got: %v)", index, sectionID(section), v))
		}
	}

	if v, ok := section["is_mandatory"]; ok {
		if _, isBool := v.(bool); !isBool {
			errs = append(errs, errorIssue("invalid_type",
				"Fillable section %d ('%s'): 'is_mandatory' must be a boolean", index, sectionID(section)))
		}
	}

	return errs
}

func validateSemantics(template map[string]interface{}) []Issue {
	var warnings []Issue

	fillable := sectionList(template, "fillable_sections")
	fixed := sectionList(template, "fixed_sections")
	fillableIDs := collectIDs(fillable)
	fixedIDs := collectIDs(fixed)

	if dups := duplicateIDs(fillableIDs); len(dups) > 0 {
		warnings = append(warnings, warningIssue("duplicate_id",
			"Duplicate IDs in fillable sections: %v", dups))
	}
	if dups := duplicateIDs(fixedIDs); len(dups) > 0 {
		warnings = append(warnings, warningIssue("duplicate_id",
			"Duplicate IDs in fixed sections: %v", dups))
	}

	for _, section := range fillable {
		mandatory, _ := section["is_mandatory"].(bool)
		confidence, _ := asNumber(section["mandatory_confidence"])
		if mandatory && confidence < 0.85 {
			warnings = append(warnings, warningIssue("low_confidence_mandatory",
				"Section '%s' marked mandatory but has low confidence: %v", sectionID(section), confidence))
		}
	}

	total := len(fillableIDs) + len(fixedIDs)
	if total > 150 {
		warnings = append(warnings, warningIssue("excessive_sections",
			"Unusually high section count: %d (may indicate parsing issue)", total))
	} else if total == 0 {
		warnings = append(warnings, warningIssue("no_sections", "Template has no sections at all"))
	}

	untagged := 0
	for _, section := range fillable {
		tags, _ := section["semantic_tags"].([]interface{})
		if len(tags) == 0 {
			untagged++
		}
	}
	if untagged > 0 {
		warnings = append(warnings, warningIssue("missing_semantic_tags",
			"%d fillable sections have no semantic tags", untagged))
	}

	return warnings
}

func sectionID(section map[string]interface{}) string {
	if id, ok := section["id"].(string); ok {
		return id
	}
	return "unknown"
}

func sectionList(template map[string]interface{}, key string) []map[string]interface{} {
	raw, _ := template[key].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, v := range raw {
		if section, ok := v.(map[string]interface{}); ok {
			out = append(out, section)
		}
	}
	return out
}

func collectIDs(sections []map[string]interface{}) []string {
	var ids []string
	for _, section := range sections {
		if id, ok := section["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func duplicateIDs(ids []string) []string {
	seen := make(map[string]int, len(ids))
	for _, id := range ids {
		seen[id]++
	}
	var dups []string
	for id, n := range seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
