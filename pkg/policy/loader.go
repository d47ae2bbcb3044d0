package policy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\r\f\v]+`)
	blockNodes = "p, li, h1, h2, h3, h4, h5, h6, tr, pre, blockquote, div, section, article, table, ul, ol"
)

// Loader reads policy documents from disk as plain text.
type Loader struct{}

// NewLoader creates a document loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Supported reports whether path has an extension the loader understands.
func (l *Loader) Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".html", ".htm":
		return true
	}
	return false
}

// Load returns the text of the document at path. Plain text and markdown are
// returned verbatim; HTML is reduced to its visible text.
func (l *Loader) Load(path string) (string, error) {
	if !l.Supported(path) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		doc, err := goquery.NewDocumentFromReader(f)
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", path, err)
		}
		return htmlText(doc), nil
	default:
		data, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return string(data), nil
	}
}

// htmlText extracts visible text, keeping block elements as paragraphs.
func htmlText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockNodes).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	lines := strings.Split(root.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	text := blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
