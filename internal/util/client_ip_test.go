package util

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIPWalksForwardedHops(t *testing.T) {
	proxies, err := ParseProxyAllowlist([]string{"10.0.0.0/8", " 192.168.1.10 ", ""})
	if err != nil {
		t.Fatalf("parse allowlist: %v", err)
	}
	tests := []struct {
		name    string
		remote  string
		xff     string
		proxies *ProxyAllowlist
		want    string
	}{
		{name: "untrusted peer ignores header", remote: "198.51.100.10:1234", xff: "203.0.113.5", want: "198.51.100.10"},
		{name: "trusted peer uses header", remote: "10.0.0.20:1234", xff: "203.0.113.5", proxies: proxies, want: "203.0.113.5"},
		{name: "rightmost untrusted hop wins", remote: "192.168.1.10:80", xff: "198.51.100.1, 203.0.113.5, 10.0.0.10", proxies: proxies, want: "203.0.113.5"},
		{name: "garbage hops are skipped", remote: "10.0.0.20:1234", xff: "203.0.113.9, nonsense", proxies: proxies, want: "203.0.113.9"},
		{name: "only proxies yields leftmost", remote: "10.0.0.20:1234", xff: "10.0.0.5, 10.0.0.10", proxies: proxies, want: "10.0.0.5"},
		{name: "trusted peer without header", remote: "10.0.0.20:1234", proxies: proxies, want: "10.0.0.20"},
		{name: "mapped v4 peer", remote: "[::ffff:10.1.2.3]:443", xff: "2001:db8::7", proxies: proxies, want: "2001:db8::7"},
		{name: "bare remote host", remote: "pipe", want: "pipe"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientIP(req, tc.proxies); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseProxyAllowlist(t *testing.T) {
	if l, err := ParseProxyAllowlist(nil); err != nil || l != nil {
		t.Fatalf("empty input should trust nobody, got %v %v", l, err)
	}
	if _, err := ParseProxyAllowlist([]string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected error for invalid prefix")
	}
	if _, err := ParseProxyAllowlist([]string{"proxy.local"}); err == nil {
		t.Fatalf("expected error for hostname")
	}
}

func TestWithClientIPAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	var seen string
	h := WithRequestID(WithClientIP(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIPFromContext(r.Context())
		LoggerFromContext(r.Context()).Info("security_event", "event", "identity_issued")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.44:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "203.0.113.44" {
		t.Fatalf("context ip = %q", seen)
	}
	if !strings.Contains(buf.String(), `"ip":"203.0.113.44"`) {
		t.Fatalf("log line missing ip: %s", buf.String())
	}
}
