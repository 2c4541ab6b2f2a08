package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Document is a parsed file split into pages.
type Document struct {
	Pages    []Page
	Metadata map[string]string
}

// Text joins all pages with a newline.
func (d Document) Text() string {
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n")
}

// HasText reports whether any page contains non-whitespace text.
func (d Document) HasText() bool {
	for _, p := range d.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// Parser extracts the pages of one kind of file.
type Parser interface {
	Parse(filePath string) (Document, error)
}

// ParserManager picks a Parser by file type.
type ParserManager struct {
	fileTypeDetector func(string) string
	parsers          map[string]Parser
}

// NewParserManager returns a manager with the PDF and plain text parsers
// registered.
func NewParserManager() *ParserManager {
	pm := &ParserManager{
		fileTypeDetector: defaultFileTypeDetector,
		parsers:          make(map[string]Parser),
	}
	pm.parsers["pdf"] = NewPDFParser()
	pm.parsers["text"] = NewTextParser()
	return pm
}

// Parse routes filePath to the parser registered for its type.
func (pm *ParserManager) Parse(filePath string) (Document, error) {
	GlobalLogger.Debug("Starting to parse file", "path", filePath)
	if _, err := os.Stat(filePath); err != nil {
		return Document{}, fmt.Errorf("file not found: %w", err)
	}
	fileType := pm.fileTypeDetector(filePath)
	parser, ok := pm.parsers[fileType]
	if !ok {
		return Document{}, fmt.Errorf("no parser available for file type: %s", fileType)
	}
	doc, err := parser.Parse(filePath)
	if err != nil {
		GlobalLogger.Error("Failed to parse document", "path", filePath, "error", err)
		return Document{}, err
	}
	GlobalLogger.Debug("Parsed document", "path", filePath, "type", fileType, "pages", len(doc.Pages))
	return doc, nil
}

func defaultFileTypeDetector(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pdf":
		return "pdf"
	case ".txt":
		return "text"
	default:
		return "unknown"
	}
}

// SetFileTypeDetector replaces the extension based detection.
func (pm *ParserManager) SetFileTypeDetector(detector func(string) string) {
	pm.fileTypeDetector = detector
}

// AddParser registers or replaces the parser for fileType.
func (pm *ParserManager) AddParser(fileType string, parser Parser) {
	pm.parsers[fileType] = parser
}

// PDFParser extracts plain text page by page with ledongthuc/pdf.
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

// Parse returns one Page per PDF page. Pages without content keep their
// number and get empty text. ledongthuc/pdf panics on malformed objects;
// those panics come back as errors.
func (p *PDFParser) Parse(filePath string) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = Document{}, fmt.Errorf("malformed PDF %s: %v", filepath.Base(filePath), r)
		}
	}()

	file, err := os.Open(filePath)
	if err != nil {
		return Document{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Document{}, fmt.Errorf("failed to get file info: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return Document{}, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	numPages := reader.NumPage()
	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Document{}, fmt.Errorf("failed to extract text from page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}

	return Document{
		Pages: pages,
		Metadata: map[string]string{
			"file_type": "pdf",
			"file_path": filePath,
		},
	}, nil
}

// TextParser reads plain text files; form feeds separate pages.
type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Parse(filePath string) (Document, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read file: %w", err)
	}
	parts := strings.Split(string(content), "\f")
	pages := make([]Page, len(parts))
	for i, part := range parts {
		pages[i] = Page{Number: i + 1, Text: part}
	}
	return Document{
		Pages: pages,
		Metadata: map[string]string{
			"file_type": "text",
			"file_path": filePath,
		},
	}, nil
}
