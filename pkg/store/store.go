package store

import (
	"context"
	"errors"

	"pdfchat/pkg/domain"
)

// ErrThreadNotFound is returned by thread mutations that target a missing thread.
var ErrThreadNotFound = errors.New("thread not found")

// UserStore persists anonymous users.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
}

// PdfStore persists uploaded document metadata and extracted text.
type PdfStore interface {
	SavePdf(ctx context.Context, p domain.PdfRecord) error
	GetPdf(ctx context.Context, id string) (domain.PdfRecord, bool, error)
	ListPdfsByOwner(ctx context.Context, ownerID string) ([]domain.PdfRecord, error)
	// SetPdfText fills extracted text for a record that was stored without it.
	SetPdfText(ctx context.Context, id, text string) error
	DeletePdf(ctx context.Context, id string) error
}

// ThreadStore owns conversation threads. AppendMessage calls on the same
// thread are serialized and each assigns the next sequence number.
type ThreadStore interface {
	CreateThread(ctx context.Context, ownerID, pdfID string) (domain.Thread, error)
	GetThread(ctx context.Context, id string) (domain.Thread, bool, error)
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Message, error)
	CheckOwnership(ctx context.Context, threadID, ownerID string) (bool, error)
	ListThreadsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ThreadSummary, error)
}

// Store is the full persistence surface used by the chat service.
type Store interface {
	UserStore
	PdfStore
	ThreadStore
	Close() error
}
