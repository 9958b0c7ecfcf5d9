package app

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"pdfchat/internal/util"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/identity"
	"pdfchat/pkg/storage"
	"pdfchat/pkg/store"
)

const testSecret = "test-session-secret-0123456789"

// step is one scripted Recv result. If block is set Recv waits for the
// stream context to end. before runs first when non-nil.
type step struct {
	text   string
	err    error
	block  bool
	before func()
}

type fakeStreamer struct {
	mu       sync.Mutex
	steps    []step
	startErr error
	calls    int
	prompts  [][]ai.Message
}

func (f *fakeStreamer) Model() string { return "fake-model" }

func (f *fakeStreamer) StreamChat(ctx context.Context, messages []ai.Message) (ai.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, append([]ai.Message(nil), messages...))
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{ctx: ctx, steps: append([]step(nil), f.steps...)}, nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStreamer) lastPrompt() []ai.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeStream struct {
	ctx    context.Context
	steps  []step
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.steps) == 0 {
		return "", io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.before != nil {
		st.before()
	}
	if st.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return st.text, st.err
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	start   *StreamStart
	chunks  []string
	ends    []StreamEnd
	openErr error
	// failAfter makes Chunk fail once this many chunks were accepted; 0 disables.
	failAfter int
	onChunk   func(text string)
}

func (s *recordingSink) Open(start StreamStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.start = &start
	return nil
}

func (s *recordingSink) Chunk(text string) error {
	s.mu.Lock()
	if s.failAfter > 0 && len(s.chunks) >= s.failAfter {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.chunks = append(s.chunks, text)
	hook := s.onChunk
	s.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (s *recordingSink) Close(end StreamEnd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, end)
}

func (s *recordingSink) threadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start == nil {
		return ""
	}
	return s.start.ThreadID
}

func (s *recordingSink) end(t *testing.T) StreamEnd {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ends) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(s.ends))
	}
	return s.ends[0]
}

type fakeExtractor struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type testEnv struct {
	app       *App
	store     *store.MemoryStore
	ids       *identity.Provider
	model     *fakeStreamer
	objects   *memObjects
	extractor *fakeExtractor
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ids, err := identity.NewProvider(st, identity.Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	env := &testEnv{
		store:     st,
		ids:       ids,
		model:     &fakeStreamer{steps: []step{{text: "Hello"}, {text: ", world"}}},
		objects:   newMemObjects(),
		extractor: &fakeExtractor{text: "extracted text"},
	}
	cfg := Config{
		Store:               st,
		Objects:             env.objects,
		Identity:            ids,
		Model:               env.model,
		Extractor:           env.extractor,
		QueryTimeout:        5 * time.Second,
		RequirePdfOwnership: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

// login returns a valid credential for a fresh user.
func (e *testEnv) login(t *testing.T) (string, string) {
	t.Helper()
	ident, err := e.ids.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return ident.Token, ident.UserID
}

func (e *testEnv) savePdf(t *testing.T, ownerID, text string) domain.PdfRecord {
	t.Helper()
	rec := domain.PdfRecord{
		ID:            util.NewResourceID(),
		OwnerID:       ownerID,
		Filename:      "doc.pdf",
		ContentType:   pdfContentType,
		ExtractedText: text,
		UploadedAt:    time.Now().UTC(),
	}
	if err := e.store.SavePdf(context.Background(), rec); err != nil {
		t.Fatalf("save pdf: %v", err)
	}
	return rec
}

func (e *testEnv) thread(t *testing.T, id string) domain.Thread {
	t.Helper()
	th, ok, err := e.store.GetThread(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get thread %s: ok=%v err=%v", id, ok, err)
	}
	return th
}
