package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
)

const migrateLockID int64 = 51750917

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db          *gorm.DB
	appendLocks *threadLocks
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &PdfModel{}, &PdfContentModel{}, &ThreadModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, appendLocks: newThreadLocks()}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := UserModel{ID: u.ID, CreatedAt: u.CreatedAt}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return domain.User{ID: model.ID, CreatedAt: model.CreatedAt}, true, nil
}

// SavePdf writes metadata and content in one transaction.
func (s *GormStore) SavePdf(ctx context.Context, p domain.PdfRecord) error {
	meta := pdfToModel(p)
	content := PdfContentModel{PdfID: p.ID, TextContent: p.ExtractedText}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"filename", "content_type", "size_bytes", "storage_key"}),
		}).Create(&meta).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pdf_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"text_content"}),
		}).Create(&content).Error
	})
}

func (s *GormStore) GetPdf(ctx context.Context, id string) (domain.PdfRecord, bool, error) {
	var model PdfModel
	db := s.db.WithContext(ctx)
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PdfRecord{}, false, nil
		}
		return domain.PdfRecord{}, false, err
	}
	rec := pdfFromModel(model)
	var content PdfContentModel
	err := db.First(&content, "pdf_id = ?", id).Error
	switch {
	case err == nil:
		rec.ExtractedText = content.TextContent
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return domain.PdfRecord{}, false, err
	}
	return rec, true, nil
}

// ListPdfsByOwner returns metadata only, newest first.
func (s *GormStore) ListPdfsByOwner(ctx context.Context, ownerID string) ([]domain.PdfRecord, error) {
	var models []PdfModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("uploaded_at DESC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.PdfRecord, 0, len(models))
	for _, model := range models {
		items = append(items, pdfFromModel(model))
	}
	return items, nil
}

func (s *GormStore) SetPdfText(ctx context.Context, id, text string) error {
	content := PdfContentModel{PdfID: id, TextContent: text}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pdf_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text_content"}),
	}).Create(&content).Error
}

func (s *GormStore) DeletePdf(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PdfContentModel{}, "pdf_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&PdfModel{}, "id = ?", id).Error
	})
}

// CreateThread inserts a thread with a fresh server-owned id.
func (s *GormStore) CreateThread(ctx context.Context, ownerID, pdfID string) (domain.Thread, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Thread{}, fmt.Errorf("owner id required")
	}
	now := time.Now().UTC()
	t := domain.Thread{
		ID:        util.NewResourceID(),
		OwnerID:   ownerID,
		PdfID:     strings.TrimSpace(pdfID),
		Messages:  []domain.Message{},
		CreatedAt: now,
	}
	model := threadToModel(t)
	model.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

// GetThread loads the thread and its messages from one read transaction.
func (s *GormStore) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var (
		thread domain.Thread
		found  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ThreadModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		var msgs []MessageModel
		if err := tx.Where("thread_id = ?", id).Order("seq ASC").Find(&msgs).Error; err != nil {
			return err
		}
		thread = threadFromModel(model)
		thread.Messages = make([]domain.Message, 0, len(msgs))
		for _, m := range msgs {
			msg, err := messageFromModel(m)
			if err != nil {
				return err
			}
			thread.Messages = append(thread.Messages, msg)
		}
		found = true
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.Thread{}, false, err
	}
	return thread, found, nil
}

// AppendMessage serializes writers twice: an in-process per-thread mutex, then
// a row lock on the thread that also hands out the next sequence number, so
// several service instances can share one database.
func (s *GormStore) AppendMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Message, error) {
	release := s.appendLocks.Lock(threadID)
	defer release()

	msg = normalizeMessage(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread ThreadModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrThreadNotFound
			}
			return err
		}
		msg.Seq = thread.NextSeq + 1
		model, err := messageToModel(threadID, msg)
		if err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ThreadModel{}).Where("id = ?", threadID).Updates(map[string]any{
			"next_seq":   msg.Seq,
			"updated_at": time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *GormStore) CheckOwnership(ctx context.Context, threadID, ownerID string) (bool, error) {
	var model ThreadModel
	if err := s.db.WithContext(ctx).Select("id", "owner_id").First(&model, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrThreadNotFound
		}
		return false, err
	}
	return ownerID != "" && model.OwnerID == ownerID, nil
}

// ListThreadsByOwner returns summaries, newest first.
func (s *GormStore) ListThreadsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ThreadSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ThreadModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.ThreadSummary, 0, len(models))
	for _, model := range models {
		pdfID := ""
		if model.PdfID != nil {
			pdfID = *model.PdfID
		}
		items = append(items, domain.ThreadSummary{
			ID:           model.ID,
			PdfID:        pdfID,
			MessageCount: int(model.NextSeq),
			CreatedAt:    model.CreatedAt,
		})
	}
	return items, nil
}

func pdfToModel(p domain.PdfRecord) PdfModel {
	return PdfModel{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		StorageKey:  p.StorageKey,
		UploadedAt:  p.UploadedAt,
	}
}

func pdfFromModel(m PdfModel) domain.PdfRecord {
	return domain.PdfRecord{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Filename:    m.Filename,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		StorageKey:  m.StorageKey,
		UploadedAt:  m.UploadedAt,
	}
}

func threadToModel(t domain.Thread) ThreadModel {
	var pdfID *string
	if t.PdfID != "" {
		value := t.PdfID
		pdfID = &value
	}
	return ThreadModel{
		ID:        t.ID,
		OwnerID:   t.OwnerID,
		PdfID:     pdfID,
		CreatedAt: t.CreatedAt,
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	t := domain.Thread{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		CreatedAt: m.CreatedAt,
	}
	if m.PdfID != nil {
		t.PdfID = *m.PdfID
	}
	return t
}

func messageToModel(threadID string, msg domain.Message) (MessageModel, error) {
	var meta datatypes.JSON
	if msg.Meta != (domain.MessageMeta{}) {
		raw, err := json.Marshal(msg.Meta)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode message meta: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	return MessageModel{
		ID:        msg.ID,
		ThreadID:  threadID,
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Status:    string(msg.Status),
		Meta:      meta,
		CreatedAt: msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		Status:    domain.MessageStatus(m.Status),
		CreatedAt: m.CreatedAt,
	}
	if len(m.Meta) > 0 {
		if err := json.Unmarshal(m.Meta, &msg.Meta); err != nil {
			return domain.Message{}, fmt.Errorf("decode meta of message %s: %w", m.ID, err)
		}
	}
	return msg, nil
}
