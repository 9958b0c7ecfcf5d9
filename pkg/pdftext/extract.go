// Package pdftext turns uploaded PDF bytes into plain text for prompting.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrExtraction is returned when no usable text can be read from a document.
var ErrExtraction = errors.New("pdf text extraction failed")

// Extractor reads text from PDF documents. When UsePdftotext is set and the
// poppler binary is installed it is tried first; the Go library is the fallback.
type Extractor struct {
	UsePdftotext bool
	// MaxPages bounds how many pages are read; zero means all.
	MaxPages int
}

// IsPDF reports whether data starts with the PDF magic header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-"))
}

// Extract returns the normalized text of data. Pages are separated by blank lines.
func (e Extractor) Extract(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty document", ErrExtraction)
	}
	if !IsPDF(data) {
		return "", fmt.Errorf("%w: missing pdf header", ErrExtraction)
	}
	if e.UsePdftotext {
		if text, err := e.extractWithPdftotext(ctx, data); err == nil && text != "" {
			return text, nil
		}
	}
	return e.extractWithGoLib(data)
}

func (e Extractor) extractWithPdftotext(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", "-enc", "UTF-8", "-", "-")
	cmd.Stdin = bytes.NewReader(data)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	pages := strings.Split(string(output), "\f")
	return joinPages(pages, e.MaxPages), nil
}

func (e Extractor) extractWithGoLib(data []byte) (text string, err error) {
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: %v", ErrExtraction, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrExtraction, err)
	}
	total := reader.NumPage()
	if e.MaxPages > 0 && total > e.MaxPages {
		total = e.MaxPages
	}
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, pageText)
	}
	text = joinPages(pages, 0)
	if text == "" {
		return "", fmt.Errorf("%w: no text extracted from PDF", ErrExtraction)
	}
	return text, nil
}

func joinPages(pages []string, limit int) string {
	if limit > 0 && len(pages) > limit {
		pages = pages[:limit]
	}
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		if p = NormalizeText(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// NormalizeText strips NULs and invalid UTF-8 and collapses whitespace runs.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// Preview returns at most n runes of text, with "..." appended when cut.
func Preview(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
