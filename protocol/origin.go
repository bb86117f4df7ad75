package protocol

import (
	"net/url"
	"strings"
)

// NormalizeOrigin reduces an origin to a lowercased scheme://host[:port].
func NormalizeOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// Origins is an allow-list of normalized origins.
type Origins map[string]struct{}

// NewOrigins normalizes allowed, skipping entries that are not origins.
func NewOrigins(allowed []string) Origins {
	dest := make(Origins, len(allowed))
	for _, o := range allowed {
		if n, ok := NormalizeOrigin(o); ok {
			dest[n] = struct{}{}
		}
	}
	return dest
}

// Allows reports whether origin matches an entry after normalization.
func (o Origins) Allows(origin string) bool {
	n, ok := NormalizeOrigin(origin)
	if !ok {
		return false
	}
	_, ok = o[n]
	return ok
}
