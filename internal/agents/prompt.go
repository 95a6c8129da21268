package agents

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxPromptParagraphs = 200
	maxPromptTables     = 5
	maxPromptTableRows  = 3
)

// BuildSectionIdentificationPrompt renders the fixed-vs-fillable analysis
// prompt. Caps keep it bounded regardless of document size: the first 200
// paragraphs and the first 3 rows of the first 5 tables.
func BuildSectionIdentificationPrompt(content *DocumentContent, isoStandard, customRules string) string {
	var paragraphs strings.Builder
	count := len(content.Paragraphs)
	if count > maxPromptParagraphs {
		count = maxPromptParagraphs
	}
	for i := 0; i < count; i++ {
		p := content.Paragraphs[i]
		if i > 0 {
			paragraphs.WriteString("\n\n")
		}
		if p.Level > 0 {
			fmt.Fprintf(&paragraphs, "[Level %d] %s", p.Level, p.Text)
		} else {
			paragraphs.WriteString(p.Text)
		}
	}

	var tables strings.Builder
	if len(content.Tables) > 0 {
		fmt.Fprintf(&tables, "\n\nTABLES FOUND: %d tables\n", len(content.Tables))
		tableCount := len(content.Tables)
		if tableCount > maxPromptTables {
			tableCount = maxPromptTables
		}
		for i := 0; i < tableCount; i++ {
			fmt.Fprintf(&tables, "\nTable %d:\n", i+1)
			rows := content.Tables[i]
			rowCount := len(rows)
			if rowCount > maxPromptTableRows {
				rowCount = maxPromptTableRows
			}
			for r := 0; r < rowCount; r++ {
				fmt.Fprintf(&tables, "  %s\n", strings.Join(rows[r], " | "))
			}
		}
	}

	iso := strings.TrimSpace(isoStandard)
	if iso == "" {
		iso = "Not specified"
	}
	rulesLine := ""
	if strings.TrimSpace(customRules) != "" {
		rulesLine = "CUSTOM RULES: " + customRules + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert at analyzing ISO policy documents.

TASK: Identify FIXED vs FILLABLE sections in this document.

DOCUMENT METADATA:
- Title: %s
- Paragraphs: %d
- Tables: %d
- ISO Standard: %s

DOCUMENT CONTENT:
%s
%s

%s`, content.Metadata.Title, content.Metadata.ParagraphCount, content.Metadata.TableCount, iso,
		paragraphs.String(), tables.String(), rulesLine)
	b.WriteString(sectionPromptInstructions)
	return b.String()
}

const sectionPromptInstructions = `
---

INSTRUCTIONS:

Analyze this ISO policy document and categorize ALL content into:

1. **FIXED SECTIONS** (same for all companies):
   - Policy statements (General, Goal, Definition)
   - Standard procedures that don't change
   - Generic compliance requirements
   - Document control metadata tables (dates, versions, approvers)

   Example: "This policy applies to all parties operating within the company's network..."
   → This is FIXED - wording stays the same for everyone

2. **FILLABLE SECTIONS** (company-specific content):
   - "Relevant systems: _____"
   - Risk assessment tables with company details
   - "Our company uses _____"
   - Specific system names, technologies, processes
   - RTO/RPO values
   - Any content that varies per company

   Example: "Priority Level 1 - Relevant systems: Server DC & DevSRV"
   → This is FILLABLE - each company has different systems

For each FILLABLE section, identify:
- **location**: Where in document (section title, paragraph number)
- **type**: "table", "paragraph", "list", "field"
- **semantic_tags**: What kind of info is needed (e.g., ["infrastructure", "backup", "systems"])
- **current_content**: What's currently in the reference doc (as example)
- **format**: How content should be structured
- **is_mandatory**: true/false - Is this field required for compliance?
- **mandatory_confidence**: 0.0-1.0 - How confident are you this is mandatory?

DETECTING MANDATORY FIELDS:
Look for strong indicators near the field:
- HIGH CONFIDENCE (0.85-1.0): "mandatory", "required", "must be completed", "obligatory", "[MANDATORY]", "[REQUIRED]"
- MEDIUM CONFIDENCE (0.6-0.84): "must", "shall", "is required for"
- LOW CONFIDENCE (0.0-0.59): "should", "recommended" (DO NOT mark as mandatory)

ONLY mark is_mandatory=true if confidence >= 0.85 (be conservative - false positives are worse than false negatives)

Return ONLY valid JSON (no markdown):

{
  "document_title": "ISMS XX Title",
  "fixed_sections": [
    {
      "id": "general",
      "title": "General",
      "content": "This policy applies to all systems. [BE CONCISE - 1-2 sentences max]",
      "section_type": "policy_statement"
    },
    {
      "id": "goal",
      "title": "Goal",
      "content": "Ensure business continuity compliance. [SHORT]",
      "section_type": "policy_statement"
    }
  ],
  "fillable_sections": [
    {
      "id": "risk_assessment_table",
      "title": "Risk Assessment",
      "location": "Section 5.1",
      "type": "table",
      "semantic_tags": ["infrastructure", "hosting", "disaster-recovery", "cloud"],
      "current_content": "Example: Natural Disasters | Low | Our production servers...",
      "format": "Table with columns: Disaster type, Level of Impact, Anticipated Effect/Risk",
      "placeholder": "Describe your infrastructure, disaster recovery, and risk mitigation",
      "is_mandatory": true,
      "mandatory_confidence": 0.95
    },
    {
      "id": "priority_level_1_systems",
      "title": "Priority Level 1 - Relevant Systems",
      "location": "Section 5.6",
      "type": "list",
      "semantic_tags": ["critical-systems", "priorities", "infrastructure"],
      "current_content": "Server DC & DevSRV",
      "format": "Comma-separated list of system names",
      "placeholder": "List your most critical systems (RTO 0-8 hours)",
      "is_mandatory": false,
      "mandatory_confidence": 0.4
    },
    {
      "id": "backup_strategy",
      "title": "Data Backup And Recovery Options",
      "location": "Section 5.2",
      "type": "paragraph",
      "semantic_tags": ["backup", "disaster-recovery", "cloud", "storage"],
      "current_content": "Example text about backup procedures...",
      "format": "Paragraph describing backup approach",
      "placeholder": "Describe your backup and recovery strategy",
      "is_mandatory": true,
      "mandatory_confidence": 0.88
    }
  ]
}

IMPORTANT:
- Document control tables (dates, approvers) are FIXED structure (though content fills in)
- Be thorough - find ALL fillable spots
- Semantic tags help map customer answers to sections
- One customer answer might fill multiple fillable sections!
- Current content shows what's in reference doc (as example)

JSON FORMATTING REQUIREMENTS:
- Return ONLY valid JSON (no markdown, no code fences, no explanations)
- BE CONCISE: Keep "content" fields to 2-3 sentences maximum
- FIXED sections: Just include first paragraph/sentence (not full text)
- FILLABLE sections: Describe what's needed, not full examples
- Ensure all arrays and objects are properly closed
- No trailing commas after last array/object elements
- All strings must be properly quoted
- Use double quotes (not single quotes)
- Validate JSON syntax before responding
- CRITICAL: If document has >20 sections, group similar policy sections together

RESPONSE SIZE LIMIT:
- Keep total response under 60KB (approximately 15K tokens)
- Prioritize fillable sections over fixed sections
- For fixed sections, just include title + first sentence
- Focus on COMPLETENESS over verbosity

Extract everything carefully. This is critical for semantic mapping!
`

// BuildSelfHealPrompt asks the model to fix its own output given the exact
// validation failures. Context lines keep the fix anchored to the document.
func BuildSelfHealPrompt(original map[string]interface{}, issues []Issue, docTitle, isoStandard, customRules string) string {
	originalJSON, err := json.MarshalIndent(original, "", "  ")
	if err != nil {
		originalJSON = []byte("{}")
	}

	var errorList strings.Builder
	for i, issue := range issues {
		fmt.Fprintf(&errorList, "  %d. %s\n", i+1, issue.String())
	}

	iso := strings.TrimSpace(isoStandard)
	if iso == "" {
		iso = "Not specified"
	}

	var b strings.Builder
	b.WriteString("You previously generated a template structure with some validation errors.\n\n")
	b.WriteString("ORIGINAL OUTPUT (with errors):\n")
	b.WriteString("```json\n")
	b.Write(originalJSON)
	b.WriteString("\n```\n\n")
	b.WriteString("VALIDATION ERRORS FOUND:\n")
	b.WriteString(errorList.String())
	b.WriteString(`
INSTRUCTIONS:
Please fix ONLY the specific errors listed above.

Guidelines:
- Keep all existing section IDs unchanged
- Preserve all semantic tags
- Maintain all content that is correct
- Only fix the structural issues mentioned
- Ensure the output is valid JSON
- Do NOT add new sections or remove existing ones unless necessary to fix the errors

CONTEXT (for reference):
`)
	fmt.Fprintf(&b, "- Document: %s\n", docTitle)
	fmt.Fprintf(&b, "- ISO Standard: %s\n", iso)
	if strings.TrimSpace(customRules) != "" {
		fmt.Fprintf(&b, "- Custom Rules: %s\n", customRules)
	}
	b.WriteString("\nReturn ONLY the corrected JSON structure (no explanations, no markdown):")
	return b.String()
}

// BuildEditPrompt renders the natural-language edit request against the
// current structure. The model must return the complete edited template.
func BuildEditPrompt(structure map[string]interface{}, instructions string) string {
	structureJSON, err := json.MarshalIndent(structure, "", "  ")
	if err != nil {
		structureJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("You are an expert at editing ISO policy document templates.\n\n")
	b.WriteString("CURRENT TEMPLATE STRUCTURE:\n")
	b.WriteString("```json\n")
	b.Write(structureJSON)
	b.WriteString("\n```\n\n")
	b.WriteString("EDIT INSTRUCTIONS:\n")
	b.WriteString(instructions)
	b.WriteString(`

---

INSTRUCTIONS:

Apply the requested changes to the template structure.

Guidelines:
- Return the COMPLETE edited template, not a diff
- Keep the top-level shape: document_title, fixed_sections, fillable_sections, metadata
- Keep section IDs stable unless an instruction explicitly renames or removes a section
- Preserve semantic tags on sections the instructions do not touch
- Keep is_mandatory flags and confidences unless the instructions change them

JSON FORMATTING REQUIREMENTS:
- Return ONLY valid JSON (no markdown, no code fences, no explanations)
- Ensure all arrays and objects are properly closed
- No trailing commas after last array/object elements
- Use double quotes (not single quotes)

Return the complete edited template now:`)
	return b.String()
}

// BuildReviewPrompt asks for an advisory quality report on a stored template.
func BuildReviewPrompt(structure map[string]interface{}) string {
	structureJSON, err := json.MarshalIndent(structure, "", "  ")
	if err != nil {
		structureJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("You are an expert ISO compliance auditor.\n\n")
	b.WriteString("TEMPLATE STRUCTURE:\n")
	b.WriteString("```json\n")
	b.Write(structureJSON)
	b.WriteString("\n```\n\n")
	b.WriteString(`TASK: Review this template for quality and compliance readiness.

Evaluate:
- Coverage: do the fixed sections carry the expected policy statements?
- Fillable fields: is every company-specific spot captured, with a clear placeholder?
- Semantic tags: does every fillable section carry tags useful for mapping answers?
- Mandatory flags: are mandatory fields marked conservatively (confidence >= 0.85)?

Return ONLY valid JSON (no markdown):

{
  "score": 0.82,
  "issues": [
    {"section_id": "backup_strategy", "severity": "warning", "message": "Placeholder does not say what format is expected"}
  ],
  "suggestions": [
    "Add semantic tags to the risk assessment table"
  ]
}

- score: overall quality from 0.0 to 1.0
- issues: concrete problems, tied to a section_id where possible
- suggestions: improvements that are not defects

Keep total response under 20KB.`)
	return b.String()
}
