package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pdfchat/internal/metrics"
	"pdfchat/internal/ratelimit"
	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/identity"
	"pdfchat/services/chat/internal/app"
)

const (
	threadIDHeader      = "X-Thread-Id"
	threadCreatedHeader = "X-Thread-Created"
	defaultCookieName   = "auth_token"
	defaultMaxUpload    = 50 * 1024 * 1024
	maxJSONBody         = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	CookieName   string
	CookieSecure bool
	CookieTTL    time.Duration

	MaxUploadBytes int64
	MaskForbidden  bool

	QueryLimiter  ratelimit.Limiter
	UploadLimiter ratelimit.Limiter
	// IdentityLimiter meters anonymous user creation per client address.
	IdentityLimiter ratelimit.Limiter
	TrustedProxies  *util.ProxyAllowlist

	Metrics        metrics.Recorder
	MetricsHandler http.Handler
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app *app.App
	mux *http.ServeMux

	cookieName   string
	cookieSecure bool
	cookieTTL    time.Duration

	maxUploadBytes int64
	maskForbidden  bool

	queryLimiter    ratelimit.Limiter
	uploadLimiter   ratelimit.Limiter
	identityLimiter ratelimit.Limiter
	trustedProxies  *util.ProxyAllowlist
	metrics         metrics.Recorder
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	name := strings.TrimSpace(cfg.CookieName)
	if name == "" {
		name = defaultCookieName
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		cookieName:     name,
		cookieSecure:   cfg.CookieSecure,
		cookieTTL:      cfg.CookieTTL,
		maxUploadBytes: maxUpload,
		maskForbidden:  cfg.MaskForbidden,
		queryLimiter:    cfg.QueryLimiter,
		uploadLimiter:   cfg.UploadLimiter,
		identityLimiter: cfg.IdentityLimiter,
		trustedProxies:  cfg.TrustedProxies,
		metrics:         recorder,
	}
	s.routes(cfg.MetricsHandler)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithClientIP(s.trustedProxies, util.WithRequestLog("chat", util.WithSecurityHeaders(s.mux))))
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}

	s.mux.Handle("GET /{$}", s.withIdentity(s.handleRoot))
	s.mux.Handle("POST /upload", s.withIdentity(s.handleUpload))
	s.mux.Handle("GET /pdfs", s.withIdentity(s.handleListPdfs))
	s.mux.Handle("GET /pdfs/{id}", s.withIdentity(s.handleGetPdf))
	s.mux.Handle("GET /pdfs/{id}/content", s.withIdentity(s.handlePdfContent))
	s.mux.Handle("POST /query", s.withIdentity(s.handleQuery))
	s.mux.Handle("GET /threads", s.withIdentity(s.handleListThreads))
	s.mux.Handle("GET /threads/{id}", s.withIdentity(s.handleGetThread))
	s.mux.Handle("POST /threads/{id}/cancel", s.withIdentity(s.handleCancelThread))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, identity.Identity)

// withIdentity resolves the caller from the session cookie. A missing or
// rejected cookie yields a new anonymous identity whose token is set on the
// response before the handler runs. New identities are limited per client address.
func (s *Server) withIdentity(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var credential string
		if c, err := r.Cookie(s.cookieName); err == nil {
			credential = c.Value
		}
		if s.identityLimiter != nil && s.app.WillCreateIdentity(credential) {
			if !s.allowRate(w, r, s.identityLimiter, "identity", "ip", util.ClientIPFromContext(r.Context())) {
				return
			}
		}
		ident, err := s.app.Authenticate(r.Context(), credential)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("authenticate failed", "err", err)
			writeError(w, http.StatusInternalServerError, "identity unavailable")
			return
		}
		if ident.Issued {
			s.setIdentityCookie(w, r, ident)
		}
		next(w, r, ident)
	})
}

func (s *Server) setIdentityCookie(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	maxAge := int(s.cookieTTL / time.Second)
	if maxAge <= 0 {
		maxAge = int(time.Until(ident.ExpiresAt) / time.Second)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    ident.Token,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  ident.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cookieSecure || util.IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request, ident identity.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{"userId": ident.UserID, "created": ident.Created})
}

type uploadResponse struct {
	domain.PdfRecord
	TextPreview string `json:"textPreview"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	if !s.allowRate(w, r, s.uploadLimiter, "upload", "user_id", ident.UserID) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}
	up, err := s.app.UploadPdf(r.Context(), ident.UserID, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{PdfRecord: up.Pdf, TextPreview: up.TextPreview})
}

func (s *Server) handleListPdfs(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	items, err := s.app.ListPdfs(r.Context(), ident.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdfs": items})
}

type pdfResponse struct {
	domain.PdfRecord
	Content *string `json:"content,omitempty"`
}

func (s *Server) handleGetPdf(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	includeContent, _ := strconv.ParseBool(r.URL.Query().Get("include_content"))
	pdf, err := s.app.GetPdf(r.Context(), ident.UserID, r.PathValue("id"), includeContent)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	resp := pdfResponse{PdfRecord: pdf}
	if includeContent {
		resp.Content = &pdf.ExtractedText
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePdfContent(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	pdf, err := s.app.GetPdf(r.Context(), ident.UserID, r.PathValue("id"), true)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": pdf.ID, "content": pdf.ExtractedText})
}

type queryRequest struct {
	PdfID    string          `json:"pdfId"`
	ThreadID string          `json:"threadId"`
	Message  string          `json:"message"`
	Messages []legacyMessage `json:"messages"`
}

type legacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// userMessage returns the new turn. Older clients send the whole transcript;
// only its last user entry is used since history lives on the server.
func (q queryRequest) userMessage() string {
	if strings.TrimSpace(q.Message) != "" {
		return q.Message
	}
	for i := len(q.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(q.Messages[i].Role, string(domain.RoleUser)) {
			return q.Messages[i].Content
		}
	}
	return ""
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	if !s.allowRate(w, r, s.queryLimiter, "query", "user_id", ident.UserID) {
		return
	}
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	threadID := strings.TrimSpace(r.Header.Get(threadIDHeader))
	if threadID == "" {
		threadID = req.ThreadID
	}

	sink := newSSESink(w)
	_, err := s.app.Query(r.Context(), app.QueryRequest{
		Identity: &ident,
		ThreadID: threadID,
		PdfID:    req.PdfID,
		Message:  req.userMessage(),
	}, sink)
	if err != nil && !sink.started() {
		s.writeAppError(w, r, err)
	}
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListThreads(r.Context(), ident.UserID, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": items})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	thread, err := s.app.GetThread(r.Context(), ident.UserID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleCancelThread(w http.ResponseWriter, r *http.Request, ident identity.Identity) {
	threadID := r.PathValue("id")
	n, err := s.app.CancelThread(r.Context(), ident.UserID, threadID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"threadId": threadID, "cancelled": n})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	code := app.ErrorCode(err)
	switch code {
	case "thread_not_found", "pdf_not_found":
		status, msg = http.StatusNotFound, err.Error()
	case "forbidden":
		status, msg = http.StatusForbidden, err.Error()
		if s.maskForbidden {
			status, msg, code = http.StatusNotFound, "not found", "not_found"
		}
	case "conflict":
		status, msg = http.StatusConflict, err.Error()
	case "no_context", "extraction_failed":
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case "invalid_input":
		status, msg = http.StatusBadRequest, err.Error()
	case "unsupported_file":
		status, msg = http.StatusUnsupportedMediaType, err.Error()
	case "upstream_failure":
		status, msg = http.StatusBadGateway, "generation failed"
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate consumes one unit of limiter for route and subject. subjectKind
// names the subject in the audit record ("user_id" or "ip").
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, route, subjectKind, subject string) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(r.Context(), route+"|"+subject) {
		return true
	}
	s.metrics.RateLimited(route)
	s.audit(r, "rate_limit", "rejected", "route", route, subjectKind, subject)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
