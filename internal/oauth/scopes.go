// ABOUTME: Scope parsing, formatting and subset checks
// ABOUTME: Scopes travel as space-delimited strings and are handled as ordered, de-duplicated slices

package oauth

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string, dropping duplicates while
// keeping first-seen order.
func ParseScope(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScope joins scopes for the wire.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every element of sub appears in super.
func IsSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}

// HasScope reports whether scopes contains want.
func HasScope(scopes []string, want string) bool {
	return slices.Contains(scopes, want)
}
