package app

import (
	"errors"

	"pdfchat/pkg/pdftext"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrPdfNotFound    = errors.New("pdf not found")
	// ErrForbidden means the caller does not own the thread or document.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means the request names a different pdf than the thread is bound to.
	ErrConflict = errors.New("thread is bound to a different pdf")
	// ErrNoContext means the policy requires a document and none is available.
	ErrNoContext       = errors.New("no document context available")
	ErrUpstream        = errors.New("model upstream failure")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnsupportedFile = errors.New("only PDF files are supported")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrThreadNotFound):
		return "thread_not_found"
	case errors.Is(err, ErrPdfNotFound):
		return "pdf_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNoContext):
		return "no_context"
	case errors.Is(err, ErrUpstream):
		return "upstream_failure"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnsupportedFile):
		return "unsupported_file"
	case errors.Is(err, pdftext.ErrExtraction):
		return "extraction_failed"
	default:
		return "internal"
	}
}
