package templates

// Fillable section types the pipeline accepts.
const (
	TypeTable     = "table"
	TypeParagraph = "paragraph"
	TypeList      = "list"
	TypeField     = "field"
)

func ValidFillableType(t string) bool {
	switch t {
	case TypeTable, TypeParagraph, TypeList, TypeField:
		return true
	default:
		return false
	}
}

// Structure is the parsed document skeleton stored in templates.structure
// and snapshotted into every version row. Field names are the wire contract
// shared with the parsing pipeline and the dashboard.
type Structure struct {
	DocumentTitle    string            `json:"document_title"`
	FixedSections    []FixedSection    `json:"fixed_sections"`
	FillableSections []FillableSection `json:"fillable_sections"`
	Metadata         *Metadata         `json:"metadata,omitempty"`
}

// FixedSection is boilerplate carried verbatim into generated documents.
type FixedSection struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// FillableSection is a slot the document author completes.
type FillableSection struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Type                string   `json:"type"`
	Description         string   `json:"description,omitempty"`
	SemanticTags        []string `json:"semantic_tags"`
	IsMandatory         bool     `json:"is_mandatory"`
	MandatoryConfidence float64  `json:"mandatory_confidence"`
}

type Metadata struct {
	SourceFile                string   `json:"source_file,omitempty"`
	ParsedAt                  string   `json:"parsed_at,omitempty"`
	TotalFixedSections        int      `json:"total_fixed_sections"`
	TotalFillableSections     int      `json:"total_fillable_sections"`
	SemanticTagsUsed          []string `json:"semantic_tags_used,omitempty"`
	CompletionEstimateMinutes int      `json:"completion_estimate_minutes,omitempty"`
}

// MandatoryCount tallies fillable sections flagged mandatory.
func (s *Structure) MandatoryCount() int {
	n := 0
	for _, f := range s.FillableSections {
		if f.IsMandatory {
			n++
		}
	}
	return n
}

// TagCount tallies semantic tags across all fillable sections, duplicates
// included. ChangeSummary diffs on totals, not sets.
func (s *Structure) TagCount() int {
	n := 0
	for _, f := range s.FillableSections {
		n += len(f.SemanticTags)
	}
	return n
}
