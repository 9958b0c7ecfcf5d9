package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/pdftext"
)

const pdfContentType = "application/pdf"

// Upload is the result of storing a new document.
type Upload struct {
	Pdf         domain.PdfRecord
	TextPreview string
}

// UploadPdf stores the bytes and extracted text of a new PDF owned by ownerID.
// The object write and text extraction run concurrently; if extraction fails
// the stored object is removed and the error wraps pdftext.ErrExtraction.
func (a *App) UploadPdf(ctx context.Context, ownerID, filename, contentType string, data []byte) (Upload, error) {
	if a.objects == nil {
		return Upload{}, fmt.Errorf("object storage not configured")
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return Upload{}, fmt.Errorf("%w: filename required", ErrInvalidInput)
	}
	if !isPDFUpload(filename, contentType, data) {
		a.metrics.UploadFinished("unsupported")
		return Upload{}, ErrUnsupportedFile
	}

	id := util.NewResourceID()
	record := domain.PdfRecord{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filename,
		SizeBytes:   int64(len(data)),
		ContentType: pdfContentType,
		StorageKey:  buildStorageKey(ownerID, id, filename),
		UploadedAt:  a.now().UTC(),
	}

	var text string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.objects.Put(gctx, record.StorageKey, bytes.NewReader(data), record.SizeBytes, pdfContentType)
	})
	g.Go(func() error {
		var err error
		text, err = a.extractor.Extract(gctx, data)
		return err
	})
	if err := g.Wait(); err != nil {
		_ = a.objects.Delete(context.WithoutCancel(ctx), record.StorageKey)
		if errors.Is(err, pdftext.ErrExtraction) {
			a.metrics.UploadFinished("extraction_failed")
			return Upload{}, err
		}
		a.metrics.UploadFinished("error")
		return Upload{}, fmt.Errorf("store pdf: %w", err)
	}
	record.ExtractedText = text
	if err := a.store.SavePdf(ctx, record); err != nil {
		_ = a.objects.Delete(context.WithoutCancel(ctx), record.StorageKey)
		a.metrics.UploadFinished("error")
		return Upload{}, fmt.Errorf("save pdf: %w", err)
	}
	a.metrics.UploadFinished("ok")
	a.logger(ctx).Info("pdf_uploaded", "pdf_id", id, "user_id", ownerID, "size_bytes", record.SizeBytes, "text_chars", len(text))
	return Upload{Pdf: record, TextPreview: pdftext.Preview(text, previewRunes)}, nil
}

// ListPdfs returns the caller's documents, newest first.
func (a *App) ListPdfs(ctx context.Context, ownerID string) ([]domain.PdfRecord, error) {
	items, err := a.store.ListPdfsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pdfs: %w", err)
	}
	return items, nil
}

// GetPdf returns a document the caller may read. When includeText is set
// the extracted text is filled in, re-extracting it if it was never stored.
func (a *App) GetPdf(ctx context.Context, userID, pdfID string, includeText bool) (domain.PdfRecord, error) {
	pdf, err := a.loadPdf(ctx, userID, pdfID)
	if err != nil {
		return domain.PdfRecord{}, err
	}
	if includeText && !pdf.HasText() {
		text, err := a.documentText(ctx, pdf)
		if err != nil {
			return domain.PdfRecord{}, err
		}
		pdf.ExtractedText = text
	}
	return pdf, nil
}

func (a *App) loadPdf(ctx context.Context, userID, pdfID string) (domain.PdfRecord, error) {
	pdfID = strings.TrimSpace(pdfID)
	if pdfID == "" {
		return domain.PdfRecord{}, fmt.Errorf("%w: pdf id required", ErrInvalidInput)
	}
	pdf, ok, err := a.store.GetPdf(ctx, pdfID)
	if err != nil {
		return domain.PdfRecord{}, fmt.Errorf("load pdf: %w", err)
	}
	if !ok {
		return domain.PdfRecord{}, ErrPdfNotFound
	}
	if a.requirePdfOwnership && pdf.OwnerID != userID {
		a.logger(ctx).Warn("security_event", "event", "pdf_access", "outcome", "forbidden", "user_id", userID, "pdf_id", pdfID)
		return domain.PdfRecord{}, ErrForbidden
	}
	return pdf, nil
}

// documentText returns the stored text of pdf, extracting it from the stored
// bytes on first use when it is missing. Concurrent callers share one extraction.
func (a *App) documentText(ctx context.Context, pdf domain.PdfRecord) (string, error) {
	if pdf.HasText() {
		return pdf.ExtractedText, nil
	}
	if a.objects == nil || strings.TrimSpace(pdf.StorageKey) == "" {
		return "", nil
	}
	v, err, _ := a.reextract.Do(pdf.ID, func() (any, error) {
		rc, err := a.objects.Get(ctx, pdf.StorageKey)
		if err != nil {
			return "", fmt.Errorf("open stored pdf: %w", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("read stored pdf: %w", err)
		}
		text, err := a.extractor.Extract(ctx, data)
		if err != nil {
			return "", err
		}
		if err := a.store.SetPdfText(ctx, pdf.ID, text); err != nil {
			return "", fmt.Errorf("save extracted text: %w", err)
		}
		a.logger(ctx).Info("pdf_text_reextracted", "pdf_id", pdf.ID, "text_chars", len(text))
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func isPDFUpload(filename, contentType string, data []byte) bool {
	if !pdftext.IsPDF(data) {
		return false
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == pdfContentType {
		return true
	}
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

func buildStorageKey(ownerID, pdfID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "document.pdf"
	}
	return path.Join("pdfs", ownerID, pdfID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
