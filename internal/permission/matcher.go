// Package permission implements RBAC evaluation with resource-level overrides,
// TTL caching, rate limiting, and an audit trail.
package permission

import "strings"

const wildcard = "*"

// Permission is the parsed form of a "resource.action" string. The global
// grant "*" parses to {Resource: "*"}.
type Permission struct {
	Resource string
	Action   string
}

// Parse splits a permission string at the first dot. Strings without a dot
// are treated as a bare resource ("*" being the global grant).
func Parse(s string) Permission {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return Permission{Resource: s[:i], Action: s[i+1:]}
	}
	return Permission{Resource: s}
}

// String reassembles the permission string.
func (p Permission) String() string {
	if p.Action == "" {
		return p.Resource
	}
	return p.Resource + "." + p.Action
}

// Covers reports whether a held permission satisfies a required one:
// exact match, "resource.*" covering any action on that resource, or the
// global "*" covering everything.
func (p Permission) Covers(required Permission) bool {
	if p.Resource == wildcard && p.Action == "" {
		return true
	}
	if p.Resource != required.Resource {
		return false
	}
	if p.Action == wildcard {
		return true
	}
	return p.Action == required.Action
}

// SetCovers reports whether any permission in the held set covers required.
func SetCovers(held []string, required string) bool {
	req := Parse(required)
	for _, h := range held {
		if Parse(h).Covers(req) {
			return true
		}
	}
	return false
}
