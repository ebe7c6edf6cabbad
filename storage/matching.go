package storage

import (
	"path/filepath"
	"strings"
)

// MatchPattern reports whether key matches the glob-style pattern.
// Supported syntax follows KEYS semantics:
//
//	*     matches any number of characters (including zero)
//	?     matches a single character
//	[abc] matches any character in the brackets
//	[a-z] matches any character in the range
//
// Patterns without wildcards, "*" itself and prefix patterns whose only
// wildcard is one trailing "*" (such as "user:*") are answered with plain
// string comparison. Every other pattern goes through path/filepath.Match,
// so in those patterns * and ? do not match a '/' in the key.
func MatchPattern(key, pattern string) bool {
	if pattern == "" {
		return key == ""
	}

	if pattern == "*" {
		return true
	}

	if !strings.ContainsAny(pattern, "*?[\\") {
		return key == pattern
	}

	// Prefix patterns like "user:*" are the common case for KEYS.
	if strings.IndexByte(pattern, '*') == len(pattern)-1 &&
		!strings.ContainsAny(pattern[:len(pattern)-1], "*?[\\") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}

	matched, err := filepath.Match(pattern, key)
	if err != nil {
		// Malformed pattern: KEYS treats it as matching nothing.
		return false
	}
	return matched
}
