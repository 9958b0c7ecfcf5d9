package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestIDPropagatesIncomingHeader(t *testing.T) {
	const incoming = "req-incoming-123"
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got != incoming {
			t.Fatalf("request id in context = %q, want %q", got, incoming)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	req.Header.Set("X-Request-Id", incoming)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != incoming {
		t.Fatalf("response request id = %q, want %q", got, incoming)
	}
}

func TestWithRequestIDReplacesMissingOrOversizedHeader(t *testing.T) {
	for _, incoming := range []string{"", strings.Repeat("x", 400)} {
		var seen string
		handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromRequest(r)
			if LoggerFromContext(r.Context()) == nil {
				t.Fatal("expected request-scoped logger")
			}
		}))
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if incoming != "" {
			req.Header.Set("X-Request-Id", incoming)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen == "" || seen == incoming {
			t.Fatalf("expected generated request id, got %q", seen)
		}
		if got := rec.Header().Get("X-Request-Id"); got != seen {
			t.Fatalf("response header %q does not match context id %q", got, seen)
		}
	}
}

func TestWithRequestLogKeepsFlusher(t *testing.T) {
	handler := WithRequestLog("chat", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer must implement http.Flusher")
		}
		_, _ = w.Write([]byte("data: x\n\n"))
		f.Flush()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !rec.Flushed {
		t.Fatal("expected flush to reach the underlying recorder")
	}
}
