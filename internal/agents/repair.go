package agents

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// DecodeTemplate parses a model response into a template structure, running
// a sequence of repairs when the payload is not valid JSON. Model output is
// most often broken by truncation, so the repairs target trailing commas,
// unclosed containers, and mid-element cuts, in that order. The returned
// method names the repair that succeeded ("none" for a clean parse) and is
// recorded in telemetry so repair rates stay visible.
func DecodeTemplate(raw string) (map[string]interface{}, string, error) {
	var out map[string]interface{}
	direct := json.Unmarshal([]byte(raw), &out)
	if direct == nil {
		return out, "none", nil
	}

	// Strategy 1: trailing commas before a closing bracket.
	repaired := strings.ReplaceAll(raw, ",]", "]")
	repaired = strings.ReplaceAll(repaired, ",}", "}")
	out = nil
	if err := json.Unmarshal([]byte(repaired), &out); err == nil {
		return out, "removed_trailing_commas", nil
	}

	// Strategy 2: close containers left open by truncation. When the cut
	// landed mid-element, drop back to the last element boundary first.
	openBraces := strings.Count(raw, "{") - strings.Count(raw, "}")
	openBrackets := strings.Count(raw, "[") - strings.Count(raw, "]")
	if openBraces > 0 || openBrackets > 0 {
		repaired = raw
		tail := repaired
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		if strings.Contains(tail, `,"`) {
			repaired = repaired[:strings.LastIndex(repaired, `,"`)]
		} else if strings.Contains(tail, `",{`) {
			repaired = repaired[:strings.LastIndex(repaired, `",{`)+2]
		}
		repaired += strings.Repeat("]", openBrackets) + strings.Repeat("}", openBraces)
		out = nil
		if err := json.Unmarshal([]byte(repaired), &out); err == nil {
			return out, "closed_truncated_json", nil
		}
	}

	// Strategy 3: keep the valid prefix up to the syntax error, cut at the
	// last complete section object, and close the top-level shape.
	var syntaxErr *json.SyntaxError
	if errors.As(direct, &syntaxErr) && syntaxErr.Offset > 0 {
		valid := raw
		if syntaxErr.Offset < int64(len(valid)) {
			valid = valid[:syntaxErr.Offset]
		}
		if cut := strings.LastIndex(valid, "}}"); cut > 0 {
			repaired = valid[:cut+2] + "]}"
			out = nil
			if err := json.Unmarshal([]byte(repaired), &out); err == nil {
				return out, "extracted_valid_portion", nil
			}
		}
	}

	return nil, "", taskerr.Wrap(taskerr.MalformedJSON, "response is not valid JSON and could not be repaired", direct)
}
