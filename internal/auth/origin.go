package auth

import (
	"strings"
)

// OriginPolicy decides whether a browser Origin header is acceptable.
// An absent origin is always allowed, covering non-browser clients.
// Present origins are exact-matched against the allowlist; prefix matching
// (for same-site subpaths) is an explicit opt-in because it widens the
// accepted surface to anything sharing the prefix.
type OriginPolicy struct {
	allowed     []string
	allowPrefix bool
}

// NewOriginPolicy builds a policy over the allowlisted origins. Entries are
// normalized by trimming whitespace and trailing slashes; empty entries are
// dropped.
func NewOriginPolicy(allowed []string, allowPrefix bool) *OriginPolicy {
	cleaned := make([]string, 0, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			cleaned = append(cleaned, o)
		}
	}
	return &OriginPolicy{allowed: cleaned, allowPrefix: allowPrefix}
}

// Allow reports whether the given Origin header value passes the policy.
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, a := range p.allowed {
		if origin == a {
			return true
		}
		if p.allowPrefix && strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

// Allowed returns the normalized allowlist, for CORS configuration.
func (p *OriginPolicy) Allowed() []string {
	return p.allowed
}
