package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a connection.
// With no configured origins only same-host requests pass.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
		case trimmed == "*":
			p.allowAll = true
		default:
			norm, ok := normalizeOrigin(trimmed)
			if !ok {
				logger.Warn("ignoring invalid allowed origin", zap.String("origin", origin))
				continue
			}
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check is the upgrader's CheckOrigin. Requests without an Origin header
// come from non-browser clients and are allowed.
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}
	norm, ok := normalizeOrigin(header)
	if !ok {
		p.logger.Info("blocked malformed origin", zap.String("origin", header))
		return false
	}
	if len(p.allowed) == 0 {
		u, _ := url.Parse(norm)
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
	} else if _, ok := p.allowed[norm]; ok {
		return true
	}
	p.logger.Info("blocked disallowed origin", zap.String("origin", header))
	return false
}
