// Package docload turns uploaded files into clean text ready for chunking.
//
// Supported formats:
//   - .txt          — passthrough with whitespace normalization
//   - .md/.markdown — heading-aware markdown
//   - .html/.htm    — converted to markdown, falling back to cleaned text
//   - .pdf          — page-aware text extraction via pdfcpu
//
// The format is dispatched by file extension; the declared MIME type is
// advisory only.
package docload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/moisson/extract"
)

// Format identifies a supported upload type.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ErrUnsupportedFormat is returned for extensions the loader cannot parse.
var ErrUnsupportedFormat = errors.New("docload: unsupported format")

// PageText is the text of one PDF page. Non-paginated formats produce a
// single page numbered 0.
type PageText struct {
	Number int
	Text   string
}

// Doc is the loaded document.
type Doc struct {
	Format Format
	Title  string
	Text   string
	Pages  []PageText
}

// Loader parses uploaded files.
type Loader struct {
	md     *converter.Converter
	logger *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	ld := &Loader{
		logger: slog.Default(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, o := range opts {
		o(ld)
	}
	return ld
}

// Detect maps a filename to its format.
func Detect(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text":
		return FormatTXT, nil
	case ".md", ".markdown":
		return FormatMD, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Load parses the file contents into clean text.
func (ld *Loader) Load(ctx context.Context, filename string, data []byte) (*Doc, error) {
	format, err := Detect(filename)
	if err != nil {
		return nil, err
	}
	ld.logger.Debug("docload: loading", "filename", filename, "format", format, "bytes", len(data))

	switch format {
	case FormatTXT:
		return loadText(data)
	case FormatMD:
		return loadMarkdown(data)
	case FormatHTML:
		return ld.loadHTML(data)
	case FormatPDF:
		return loadPDF(ctx, data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

func loadText(data []byte) (*Doc, error) {
	text := normalizeLines(string(data))
	return &Doc{
		Format: FormatTXT,
		Title:  firstLine(text),
		Text:   text,
		Pages:  []PageText{{Text: text}},
	}, nil
}

func loadMarkdown(data []byte) (*Doc, error) {
	text := normalizeLines(string(data))
	title := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title = strings.TrimSpace(strings.Trim(trimmed, "# "))
			break
		}
	}
	if title == "" {
		title = firstLine(text)
	}
	return &Doc{
		Format: FormatMD,
		Title:  title,
		Text:   text,
		Pages:  []PageText{{Text: text}},
	}, nil
}

// loadHTML converts to markdown; when the converter fails or produces
// nothing, the cleaned plain text stands in.
func (ld *Loader) loadHTML(data []byte) (*Doc, error) {
	cleaned, cleanErr := extract.Clean(data)

	title, fallback := "", ""
	if cleanErr == nil {
		title, fallback = cleaned.Title, cleaned.Text
	}

	text, err := ld.md.ConvertString(string(data))
	if err != nil || strings.TrimSpace(text) == "" {
		if fallback == "" {
			if cleanErr != nil {
				return nil, fmt.Errorf("docload: html: %w", cleanErr)
			}
			return nil, fmt.Errorf("docload: html: %w", err)
		}
		ld.logger.Debug("docload: markdown conversion failed, using cleaned text", "error", err)
		text = fallback
	}
	text = strings.TrimSpace(text)

	return &Doc{
		Format: FormatHTML,
		Title:  title,
		Text:   text,
		Pages:  []PageText{{Text: text}},
	}, nil
}

func normalizeLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func printable(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
