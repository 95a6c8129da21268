package agents

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// Paragraph is one non-empty body paragraph with its resolved heading level.
// Level 0 means body text or an unnumbered style like Title.
type Paragraph struct {
	Text  string
	Style string
	Level int
}

// DocumentMetadata mirrors docProps/core.xml plus extraction counts.
type DocumentMetadata struct {
	Title          string
	Author         string
	Created        string
	Modified       string
	ParagraphCount int
	TableCount     int
}

// DocumentContent is the extracted body of a .docx file.
type DocumentContent struct {
	Paragraphs []Paragraph
	Tables     [][][]string
	Metadata   DocumentMetadata
}

type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
	Tables     []docxTable     `xml:"tbl"`
}

type docxParagraph struct {
	Props docxParaProps `xml:"pPr"`
	Runs  []docxRun     `xml:"r"`
}

type docxParaProps struct {
	Style struct {
		Val string `xml:"val,attr"`
	} `xml:"pStyle"`
}

type docxRun struct {
	Texts []string `xml:"t"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type coreProperties struct {
	Title    string `xml:"title"`
	Creator  string `xml:"creator"`
	Created  string `xml:"created"`
	Modified string `xml:"modified"`
}

// ExtractDocument reads a .docx archive: body paragraphs with heading levels,
// tables as 2-D cell text, and the core properties. Empty paragraphs are
// dropped, matching what the prompt builder expects.
func ExtractDocument(file io.ReaderAt, size int64) (*DocumentContent, error) {
	archive, err := zip.NewReader(file, size)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "failed to read Word document", err)
	}

	docXML, err := readZipFile(archive, "word/document.xml")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.UnsupportedFormat, "archive has no word/document.xml; not a .docx file", err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "failed to decode word/document.xml", err)
	}

	content := &DocumentContent{}
	for _, p := range doc.Body.Paragraphs {
		text := strings.TrimSpace(paragraphText(p))
		if text == "" {
			continue
		}
		style := strings.TrimSpace(p.Props.Style.Val)
		if style == "" {
			style = "Normal"
		}
		content.Paragraphs = append(content.Paragraphs, Paragraph{
			Text:  text,
			Style: style,
			Level: headingLevel(style),
		})
	}

	for _, tbl := range doc.Body.Tables {
		rows := make([][]string, 0, len(tbl.Rows))
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				parts := make([]string, 0, len(cell.Paragraphs))
				for _, cp := range cell.Paragraphs {
					parts = append(parts, paragraphText(cp))
				}
				cells = append(cells, strings.TrimSpace(strings.Join(parts, "\n")))
			}
			rows = append(rows, cells)
		}
		content.Tables = append(content.Tables, rows)
	}

	content.Metadata = extractCoreProperties(archive)
	content.Metadata.ParagraphCount = len(content.Paragraphs)
	content.Metadata.TableCount = len(content.Tables)
	return content, nil
}

func readZipFile(archive *zip.Reader, name string) ([]byte, error) {
	f, err := archive.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func paragraphText(p docxParagraph) string {
	var b strings.Builder
	for _, run := range p.Runs {
		for _, t := range run.Texts {
			b.WriteString(t)
		}
	}
	return b.String()
}

// headingLevel resolves a style id like Heading1..Heading9 to its level.
// Anything else, Title included, is level 0.
func headingLevel(style string) int {
	s := strings.ToLower(style)
	if !strings.HasPrefix(s, "heading") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "heading")))
	if err != nil || n < 1 || n > 9 {
		return 0
	}
	return n
}

func extractCoreProperties(archive *zip.Reader) DocumentMetadata {
	meta := DocumentMetadata{Title: "Untitled", Author: "Unknown"}
	raw, err := readZipFile(archive, "docProps/core.xml")
	if err != nil {
		return meta
	}
	var props coreProperties
	if err := xml.Unmarshal(raw, &props); err != nil {
		return meta
	}
	if t := strings.TrimSpace(props.Title); t != "" {
		meta.Title = t
	}
	if a := strings.TrimSpace(props.Creator); a != "" {
		meta.Author = a
	}
	meta.Created = strings.TrimSpace(props.Created)
	meta.Modified = strings.TrimSpace(props.Modified)
	return meta
}
