package util

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

const clientIPCtxKey = contextKey("client_ip")

// ProxyAllowlist lists the reverse proxies whose X-Forwarded-For header is believed.
// A nil list trusts nobody.
type ProxyAllowlist struct {
	prefixes []netip.Prefix
}

// ParseProxyAllowlist accepts CIDRs and bare addresses.
func ParseProxyAllowlist(entries []string) (*ProxyAllowlist, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &ProxyAllowlist{prefixes: prefixes}, nil
}

func (l *ProxyAllowlist) trusts(addr netip.Addr) bool {
	if l == nil || !addr.IsValid() {
		return false
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address anonymous-identity limits and security events
// are keyed on. Forwarded hops are walked from the right and the first one not
// in the allowlist wins; without a trusted peer the socket address is used.
func ClientIP(r *http.Request, proxies *ProxyAllowlist) string {
	peer, err := netip.ParseAddrPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		// httptest and unix sockets may hand over a bare host
		return strings.TrimSpace(r.RemoteAddr)
	}
	addr := peer.Addr().Unmap()
	if !proxies.trusts(addr) {
		return addr.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		hop = hop.Unmap()
		addr = hop
		if !proxies.trusts(hop) {
			break
		}
	}
	return addr.String()
}

// WithClientIP resolves the caller address once per request and adds it to
// the request logger as "ip". Must run inside WithRequestID.
func WithClientIP(proxies *ProxyAllowlist, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, proxies)
		ctx := context.WithValue(r.Context(), clientIPCtxKey, ip)
		ctx = ContextWithLogger(ctx, LoggerFromContext(ctx).With("ip", ip))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPCtxKey).(string)
	return ip
}
