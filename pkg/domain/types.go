package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus records how an assistant turn ended. User turns are always complete.
type MessageStatus string

const (
	MessageComplete  MessageStatus = "complete"
	MessageCancelled MessageStatus = "cancelled"
	MessageFailed    MessageStatus = "failed"
)

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// PdfRecord is an uploaded document. It is immutable after upload except for
// ExtractedText, which may be filled in once by lazy re-extraction.
type PdfRecord struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"sizeBytes"`
	ContentType   string    `json:"contentType"`
	StorageKey    string    `json:"-"`
	ExtractedText string    `json:"-"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// HasText reports whether the record carries usable document context.
func (p PdfRecord) HasText() bool {
	return strings.TrimSpace(p.ExtractedText) != ""
}

// Thread is a conversation bound to one owner and at most one PDF for its lifetime.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	PdfID     string    `json:"pdfId,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// ThreadSummary is a thread without its message bodies.
type ThreadSummary struct {
	ID           string    `json:"id"`
	PdfID        string    `json:"pdfId,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Message struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status,omitempty"`
	Meta      MessageMeta   `json:"meta,omitzero"`
	CreatedAt time.Time     `json:"createdAt"`
}

// MessageMeta is stream bookkeeping stored alongside an assistant turn.
type MessageMeta struct {
	Model      string `json:"model,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}
