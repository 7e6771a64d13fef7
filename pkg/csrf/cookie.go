package csrf

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ErrSecureCookiesRequired is returned when secure cookies are enabled but
// the request is not recognizably secure.
var ErrSecureCookiesRequired = errors.New("csrf: secure cookies required over an insecure request")

// secureFlag decides the cookie Secure attribute for the request.
// With SecureCookies enabled, an insecure request is an error rather than a
// silent downgrade.
func (h *Handler) secureFlag(r *http.Request) (bool, error) {
	if !h.config.SecureCookies {
		return false, nil
	}
	if h.isRequestSecure(r) {
		return true, nil
	}
	return false, ErrSecureCookiesRequired
}

// isRequestSecure reports whether the request arrived over TLS, directly or
// via a trusted proxy's forwarding headers.
func (h *Handler) isRequestSecure(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if !h.proxies.contains(peerIP(r)) {
		return false
	}
	switch forwardedScheme(r.Header) {
	case "https", "wss":
		return true
	default:
		return false
	}
}

// forwardedScheme extracts the originating scheme from the standard
// Forwarded header, falling back to X-Forwarded-Proto. Only the first
// (client-nearest) hop is consulted.
func forwardedScheme(header http.Header) string {
	if hop, _, _ := strings.Cut(header.Get("Forwarded"), ","); hop != "" {
		for len(hop) > 0 {
			var pair string
			pair, hop, _ = strings.Cut(hop, ";")
			key, value, ok := strings.Cut(pair, "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), "proto") {
				return canonicalScheme(value)
			}
		}
	}
	first, _, _ := strings.Cut(header.Get("X-Forwarded-Proto"), ",")
	return canonicalScheme(first)
}

// canonicalScheme lowercases a scheme token and strips the optional quoting
// Forwarded allows.
func canonicalScheme(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"`))
}

// peerIP parses the connection peer out of RemoteAddr, tolerating bracketed
// and zoned IPv6 literals.
func peerIP(r *http.Request) net.IP {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	return net.ParseIP(addr)
}

// trustedNets is the set of proxy networks whose forwarding headers are
// believed. Single addresses are held as host-length networks.
type trustedNets []*net.IPNet

// parseTrustedProxies builds the trusted set from IP and CIDR strings.
// Unparseable entries are logged and skipped, never silently trusted.
func parseTrustedProxies(entries []string, logger *slog.Logger) trustedNets {
	var nets trustedNets
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("skipping unparseable trusted proxy", "entry", entry, "error", err)
				continue
			}
			nets = append(nets, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			logger.Warn("skipping unparseable trusted proxy", "entry", entry)
			continue
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip = v4
			bits = 8 * net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// contains reports whether ip falls inside any trusted network. A nil set
// trusts nothing.
func (t trustedNets) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range t {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
