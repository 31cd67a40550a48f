// Package auth implements vaccine-type-scoped authorization. Callers hold a
// set of "{vaccineType}:{operation}" capability tokens; every operation on a
// record is allowed or denied by exact membership in that set.
package auth

import (
	"sort"
	"strings"
)

// Operations recognized in capability tokens.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpUpdate = "update"
	OpDelete = "delete"
	OpSearch = "search"
)

// PermissionSet is a caller's granted capability tokens, normalized to
// lowercase "type:operation" strings. The zero value allows nothing.
type PermissionSet map[string]struct{}

// ParsePermissions builds a PermissionSet from the comma-separated header
// serialization, e.g. "COVID19:create, FLU:search". Tokens are matched
// case-insensitively; structure beyond the "type:operation" split is never
// interpreted.
func ParsePermissions(raw string) PermissionSet {
	set := make(PermissionSet)
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

// NewPermissionSet builds a PermissionSet from individual tokens.
func NewPermissionSet(tokens ...string) PermissionSet {
	return ParsePermissions(strings.Join(tokens, ","))
}

// Allows reports whether the set grants the given operation on the given
// vaccine type.
func (s PermissionSet) Allows(vaccineType, operation string) bool {
	_, ok := s[strings.ToLower(vaccineType)+":"+strings.ToLower(operation)]
	return ok
}

// FilterSearchTypes partitions the requested vaccine types into those the
// caller may search and those that must be silently dropped. Search is the
// one operation with partial authorization: dropped types surface as a
// marker on the response, never as a hard failure.
func (s PermissionSet) FilterSearchTypes(requested []string) (allowed, dropped []string) {
	for _, vt := range requested {
		if s.Allows(vt, OpSearch) {
			allowed = append(allowed, vt)
		} else {
			dropped = append(dropped, vt)
		}
	}
	return allowed, dropped
}

// Tokens returns the sorted token list, mainly for logging.
func (s PermissionSet) Tokens() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
