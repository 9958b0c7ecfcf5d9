package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"pdfchat/internal/metrics"
	"pdfchat/internal/util"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/identity"
	"pdfchat/pkg/storage"
	"pdfchat/pkg/store"
)

const (
	defaultQueryTimeout = 120 * time.Second
	commitTimeout       = 5 * time.Second
	previewRunes        = 500
)

// Authenticator resolves a presented credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (identity.Identity, error)
	NeedsBootstrap(credential string) bool
}

// TextExtractor turns PDF bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Identity  Authenticator
	Model     ai.Streamer
	Extractor TextExtractor
	Metrics   metrics.Recorder
	Cancels   *CancelRegistry

	QueryTimeout        time.Duration
	MaxPromptChars      int
	KeepRecentMessages  int
	RequireDocument     bool
	RequirePdfOwnership bool
}

// App is the core application service wiring together storage, identity,
// prompt assembly and model streaming.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	identity  Authenticator
	model     ai.Streamer
	extractor TextExtractor
	metrics   metrics.Recorder
	cancels   *CancelRegistry
	assembler *Assembler

	queryTimeout        time.Duration
	requireDocument     bool
	requirePdfOwnership bool

	reextract singleflight.Group
	now       func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity provider required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("generation model required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("text extractor required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	cancels := cfg.Cancels
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &App{
		store:     cfg.Store,
		objects:   cfg.Objects,
		identity:  cfg.Identity,
		model:     cfg.Model,
		extractor: cfg.Extractor,
		metrics:   recorder,
		cancels:   cancels,
		assembler: NewAssembler(AssemblerConfig{
			MaxChars:        cfg.MaxPromptChars,
			KeepRecent:      cfg.KeepRecentMessages,
			RequireDocument: cfg.RequireDocument,
		}),
		queryTimeout:        timeout,
		requireDocument:     cfg.RequireDocument,
		requirePdfOwnership: cfg.RequirePdfOwnership,
		now:                 time.Now,
	}, nil
}

// Authenticate resolves the caller and records how the identity was obtained.
func (a *App) Authenticate(ctx context.Context, credential string) (identity.Identity, error) {
	ident, err := a.identity.Authenticate(ctx, credential)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	switch {
	case errors.Is(ident.Recovered, identity.ErrExpired):
		a.metrics.IdentityIssued("expired")
		logger.Info("security_event", "event", "identity_recovered", "outcome", "expired", "user_id", ident.UserID)
	case ident.Recovered != nil:
		a.metrics.IdentityIssued("invalid")
		logger.Warn("security_event", "event", "identity_recovered", "outcome", "invalid_credential", "user_id", ident.UserID)
	case ident.Created:
		a.metrics.IdentityIssued("new")
		logger.Info("security_event", "event", "identity_issued", "outcome", "new", "user_id", ident.UserID)
	case ident.Issued:
		a.metrics.IdentityIssued("refreshed")
		logger.Debug("security_event", "event", "identity_refreshed", "outcome", "refreshed", "user_id", ident.UserID)
	}
	return ident, nil
}

// WillCreateIdentity reports whether authenticating credential mints a new
// anonymous user, so callers can meter user creation before it happens.
func (a *App) WillCreateIdentity(credential string) bool {
	return a.identity.NeedsBootstrap(credential)
}

// ListThreads lists recent threads for the caller.
func (a *App) ListThreads(ctx context.Context, userID string, limit int) ([]domain.ThreadSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListThreadsByOwner(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return items, nil
}

// GetThread returns a thread with its messages if the caller owns it.
func (a *App) GetThread(ctx context.Context, userID, threadID string) (domain.Thread, error) {
	if err := a.checkThreadOwner(ctx, userID, threadID); err != nil {
		return domain.Thread{}, err
	}
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return domain.Thread{}, ErrThreadNotFound
	}
	return thread, nil
}

// CancelThread stops in-flight streams on a thread the caller owns. It
// returns how many local streams were stopped.
func (a *App) CancelThread(ctx context.Context, userID, threadID string) (int, error) {
	if err := a.checkThreadOwner(ctx, userID, threadID); err != nil {
		return 0, err
	}
	n, err := a.cancels.Cancel(ctx, threadID)
	if err != nil {
		return n, fmt.Errorf("broadcast cancel: %w", err)
	}
	return n, nil
}

func (a *App) checkThreadOwner(ctx context.Context, userID, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return fmt.Errorf("%w: thread id required", ErrInvalidInput)
	}
	owned, err := a.store.CheckOwnership(ctx, threadID, userID)
	if errors.Is(err, store.ErrThreadNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("check thread ownership: %w", err)
	}
	if !owned {
		util.LoggerFromContext(ctx).Warn("security_event", "event", "thread_access", "outcome", "forbidden", "user_id", userID, "thread_id", threadID)
		return ErrForbidden
	}
	return nil
}

func (a *App) logger(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}
