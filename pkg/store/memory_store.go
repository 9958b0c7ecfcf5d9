package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
)

// MemoryStore keeps everything in-process. It is used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	pdfs    map[string]domain.PdfRecord
	threads map[string]*memoryThread

	appendLocks *threadLocks
}

type memoryThread struct {
	thread  domain.Thread
	nextSeq int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		pdfs:        make(map[string]domain.PdfRecord),
		threads:     make(map[string]*memoryThread),
		appendLocks: newThreadLocks(),
	}
}

// CreateUser stores a new user; ids must be unique.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SavePdf(_ context.Context, p domain.PdfRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pdfs[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPdf(_ context.Context, id string) (domain.PdfRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pdfs[id]
	return p, ok, nil
}

// ListPdfsByOwner returns the owner's documents, newest first.
func (m *MemoryStore) ListPdfsByOwner(_ context.Context, ownerID string) ([]domain.PdfRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.PdfRecord, 0)
	for _, p := range m.pdfs {
		if p.OwnerID == ownerID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UploadedAt.Equal(res[j].UploadedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UploadedAt.After(res[j].UploadedAt)
	})
	return res, nil
}

func (m *MemoryStore) SetPdfText(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pdfs[id]
	if !ok {
		return fmt.Errorf("pdf %s not found", id)
	}
	p.ExtractedText = text
	m.pdfs[id] = p
	return nil
}

func (m *MemoryStore) DeletePdf(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pdfs, id)
	return nil
}

// CreateThread allocates a new thread. Concurrent calls for the same owner and
// pdf always produce distinct threads.
func (m *MemoryStore) CreateThread(_ context.Context, ownerID, pdfID string) (domain.Thread, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Thread{}, fmt.Errorf("owner id required")
	}
	t := domain.Thread{
		ID:        util.NewResourceID(),
		OwnerID:   ownerID,
		PdfID:     strings.TrimSpace(pdfID),
		Messages:  []domain.Message{},
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = &memoryThread{thread: t}
	return cloneThread(t), nil
}

// GetThread returns a snapshot; later appends do not affect the returned value.
func (m *MemoryStore) GetThread(_ context.Context, id string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.threads[id]
	if !ok {
		return domain.Thread{}, false, nil
	}
	return cloneThread(rec.thread), true, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, threadID string, msg domain.Message) (domain.Message, error) {
	release := m.appendLocks.Lock(threadID)
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.threads[threadID]
	if !ok {
		return domain.Message{}, ErrThreadNotFound
	}
	rec.nextSeq++
	msg = normalizeMessage(msg)
	msg.Seq = rec.nextSeq
	rec.thread.Messages = append(rec.thread.Messages, msg)
	return msg, nil
}

func (m *MemoryStore) CheckOwnership(_ context.Context, threadID, ownerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.threads[threadID]
	if !ok {
		return false, ErrThreadNotFound
	}
	return ownerID != "" && rec.thread.OwnerID == ownerID, nil
}

// ListThreadsByOwner returns the owner's threads, newest first.
func (m *MemoryStore) ListThreadsByOwner(_ context.Context, ownerID string, limit int) ([]domain.ThreadSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ThreadSummary, 0)
	for _, rec := range m.threads {
		if rec.thread.OwnerID != ownerID {
			continue
		}
		res = append(res, domain.ThreadSummary{
			ID:           rec.thread.ID,
			PdfID:        rec.thread.PdfID,
			MessageCount: len(rec.thread.Messages),
			CreatedAt:    rec.thread.CreatedAt,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneThread(t domain.Thread) domain.Thread {
	msgs := make([]domain.Message, len(t.Messages))
	copy(msgs, t.Messages)
	t.Messages = msgs
	return t
}

func normalizeMessage(msg domain.Message) domain.Message {
	if msg.ID == "" {
		msg.ID = util.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = domain.MessageComplete
	}
	return msg
}
