package llm

import (
	"errors"
	"strings"
)

var (
	// ErrNoJSONFound means the response carried no object or array at all.
	ErrNoJSONFound = errors.New("no JSON object or array found in response")
	// ErrUnbalancedDelimiters means an opener was found without a matching
	// closer anywhere after it.
	ErrUnbalancedDelimiters = errors.New("no matching closing delimiter found for JSON")
)

// ExtractJSON pulls the JSON payload out of a model response. Markdown code
// fences are stripped first, then the substring from the first { or [ to the
// last matching closer is returned. Interior noise is left for the JSON
// parser and the repair pass to deal with.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	if i := strings.Index(text, "```json"); i >= 0 {
		start := i + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			text = strings.TrimSpace(text[start : start+end])
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		start := i + len("```")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			text = strings.TrimSpace(text[start : start+end])
		}
	}

	braceAt := strings.IndexByte(text, '{')
	bracketAt := strings.IndexByte(text, '[')

	if braceAt == -1 && bracketAt == -1 {
		return "", ErrNoJSONFound
	}

	var start int
	var closer byte
	switch {
	case braceAt == -1:
		start, closer = bracketAt, ']'
	case bracketAt == -1:
		start, closer = braceAt, '}'
	case braceAt < bracketAt:
		start, closer = braceAt, '}'
	default:
		start, closer = bracketAt, ']'
	}

	end := strings.LastIndexByte(text, closer)
	if end == -1 || end < start {
		return "", ErrUnbalancedDelimiters
	}

	return text[start : end+1], nil
}
