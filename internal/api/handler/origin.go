package handler

import "strings"

// OriginPolicy decides which origin a cross-origin response may name
type OriginPolicy struct {
	allowed       map[string]struct{}
	defaultOrigin string
}

// NewOriginPolicy builds a policy from an allow-list and the origin used for
// callers outside it
func NewOriginPolicy(allowed []string, defaultOrigin string) *OriginPolicy {
	p := &OriginPolicy{
		allowed:       make(map[string]struct{}, len(allowed)),
		defaultOrigin: normalizeOrigin(defaultOrigin),
	}
	for _, origin := range allowed {
		if origin = normalizeOrigin(origin); origin != "" {
			p.allowed[origin] = struct{}{}
		}
	}
	return p
}

// AllowedOrigin returns origin when it is on the allow-list and the default
// origin otherwise. The caller's value is never reflected unless listed.
func (p *OriginPolicy) AllowedOrigin(origin string) string {
	if p == nil {
		return ""
	}
	origin = normalizeOrigin(origin)
	if _, ok := p.allowed[origin]; ok && origin != "" {
		return origin
	}
	return p.defaultOrigin
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}
