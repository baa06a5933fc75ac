package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops counts the proxies in front of the exchange. Zero ignores
	// X-Forwarded-For. N picks the Nth entry from the right.
	TrustedHops int
	// TrustedProxies lists the networks a forwarding peer must come from.
	// Empty means any private address.
	TrustedProxies []netip.Prefix
}

// ClientIP resolves the peer address without trusting forwarded headers.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client address and stores it in the
// request context for the rate limiter and the access log.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientAddr(r, opts)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func resolveClientAddr(r *http.Request, opts ClientIPOptions) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		stripForwarded(r)
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if opts.TrustedHops <= 0 || !trustedPeer(peer, opts.TrustedProxies) {
		// nothing downstream may read headers we did not vouch for
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - opts.TrustedHops
	if idx < 0 {
		stripForwarded(r)
		return peer.String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(hops[idx])); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

func trustedPeer(a netip.Addr, nets []netip.Prefix) bool {
	if len(nets) == 0 {
		return a.IsPrivate() || a.IsLoopback()
	}
	for _, n := range nets {
		if n.Contains(a) {
			return true
		}
	}
	return false
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIPWithOptions.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
