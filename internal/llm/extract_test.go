package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is the template:\n```json\n{\"sections\": [{\"id\": \"1\"}]}\n```\nLet me know if you need changes."
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"sections": [{"id": "1"}]}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
	if !json.Valid([]byte(got)) {
		t.Fatalf("extracted payload is not valid JSON: %q", got)
	}
}

func TestExtractJSONBareFence(t *testing.T) {
	text := "```\n{\"a\": 1}\n```"
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"a": 1}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	text := `Sure! The structure is {"a": {"b": 2}} as requested.`
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"a": {"b": 2}}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONArray(t *testing.T) {
	text := `The rows: [1, {"a": 2}, 3] end.`
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `[1, {"a": 2}, 3]` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONPrefersEarlierOpener(t *testing.T) {
	text := `[{"a": 1}]`
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `[{"a": 1}]` {
		t.Fatalf("expected whole array, got %q", got)
	}
}

func TestExtractJSONUnclosedFence(t *testing.T) {
	// A fence with no closing marker is not stripped, but brace scanning
	// still finds the object inside it.
	text := "```json\n{\"a\": 1}"
	got, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"a": 1}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	_, err := ExtractJSON("I could not produce a structure for this document.")
	if !errors.Is(err, ErrNoJSONFound) {
		t.Fatalf("expected ErrNoJSONFound, got %v", err)
	}
}

func TestExtractJSONUnbalanced(t *testing.T) {
	_, err := ExtractJSON(`{"a": 1`)
	if !errors.Is(err, ErrUnbalancedDelimiters) {
		t.Fatalf("expected ErrUnbalancedDelimiters, got %v", err)
	}
}
