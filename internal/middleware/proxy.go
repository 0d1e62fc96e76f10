package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/labstack/echo/v4"
)

// TrustedProxies configures Echo so c.RealIP() returns the client address
// as seen by the outermost trusted reverse proxy. Forwarding headers are
// ignored unless the direct peer falls inside one of trustedCIDRs, since the
// lockout audit trail and the per-IP rate limiter key on this value.
func TrustedProxies(e *echo.Echo, trustedCIDRs []string) {
	e.IPExtractor = buildIPExtractor(parsePrefixes(trustedCIDRs))
}

func parsePrefixes(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy CIDR", slog.String("cidr", cidr))
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes
}

// buildIPExtractor walks X-Forwarded-For from the right and returns the first
// hop that is not a trusted proxy. Taking the leftmost entry would let a
// client choose its own address by sending the header itself.
func buildIPExtractor(trusted []netip.Prefix) echo.IPExtractor {
	isTrusted := func(s string) bool {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(req *http.Request) string {
		peer := peerIP(req.RemoteAddr)
		if !isTrusted(peer) {
			return peer
		}

		if xff := req.Header.Get(echo.HeaderXForwardedFor); xff != "" {
			hops := strings.Split(xff, ",")
			for i := len(hops) - 1; i >= 0; i-- {
				hop := strings.TrimSpace(hops[i])
				if hop != "" && !isTrusted(hop) {
					return hop
				}
			}
		}

		if realIP := strings.TrimSpace(req.Header.Get(echo.HeaderXRealIP)); realIP != "" {
			return realIP
		}
		return peer
	}
}

// peerIP strips the port from a RemoteAddr.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
