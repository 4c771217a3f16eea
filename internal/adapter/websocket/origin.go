package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a socket. Requests
// without an Origin header come from native apps and are always allowed.
type originPolicy struct {
	allowed       map[string]struct{}
	allowLoopback bool
}

// newOriginPolicy allows the origin of appURL plus any extra origins. In
// development, loopback origins on any port are allowed too.
func newOriginPolicy(appURL string, extra []string, development bool) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), allowLoopback: development}
	for _, raw := range append([]string{appURL}, extra...) {
		if origin := extractOrigin(raw); origin != "" {
			p.allowed[origin] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := p.allowed[strings.ToLower(origin)]; ok {
		return true
	}
	if p.allowLoopback && isLoopbackOrigin(origin) {
		return true
	}

	slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// extractOrigin reduces a URL to its lowercased scheme://host[:port].
func extractOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
