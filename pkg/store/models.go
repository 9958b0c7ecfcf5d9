package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

type PdfModel struct {
	ID          string    `gorm:"primaryKey"`
	OwnerID     string    `gorm:"not null;index"`
	Filename    string    `gorm:"not null"`
	ContentType string    `gorm:"not null"`
	SizeBytes   int64     `gorm:"not null"`
	StorageKey  string    `gorm:"not null"`
	UploadedAt  time.Time `gorm:"not null;index"`
}

// PdfContentModel keeps extracted text apart from metadata so listing
// documents never loads whole books of text.
type PdfContentModel struct {
	PdfID       string `gorm:"primaryKey"`
	TextContent string `gorm:"type:text;not null"`
}

type ThreadModel struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	PdfID     *string   `gorm:"index"`
	NextSeq   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        string         `gorm:"primaryKey"`
	ThreadID  string         `gorm:"not null;uniqueIndex:ux_thread_seq,priority:1"`
	Seq       int64          `gorm:"not null;uniqueIndex:ux_thread_seq,priority:2"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Status    string         `gorm:"not null"`
	Meta      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}
