// Package utils provides pattern matching for collection names.
//
// Usage queries and budget rules select collections by pattern:
//   - Exact match: "users" matches only "users"
//   - Prefix match: "user_*" matches "user_profiles", "user_settings", etc.
//   - Regex fallback: Complex patterns compile to regex with caching
//
// Design Notes:
//   - Prefix matching is O(1) per check (fast path)
//   - Regex patterns are compiled once and cached in sync.Map
//   - Collection sets are small (dozens, not millions), so an unbounded
//     regex cache is acceptable here
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache caches compiled regular expressions to avoid recompilation.
// Key: pattern string, Value: *regexp.Regexp
var regexCache sync.Map

// MatchPattern checks if a collection name matches the given pattern.
//
// Pattern syntax:
//   - Exact: "users" matches only "users"
//   - Prefix: "user_*" matches any collection starting with "user_"
//   - Match-all: "*" matches every collection
//   - Regex: other patterns containing meta characters fall back to regex
//
// Returns an error only for invalid regex patterns.
func MatchPattern(pattern, collection string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	// Fast path: exact match
	if pattern == collection {
		return true, nil
	}

	// Fast path: match-all
	if pattern == "*" {
		return true, nil
	}

	// Fast path: trailing-wildcard prefix match
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return strings.HasPrefix(collection, pattern[:len(pattern)-1]), nil
	}

	// Fallback: treat the pattern as an anchored regex, with inner "*"
	// glob wildcards translated to ".*".
	re, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(collection), nil
}

// FilterCollections returns the subset of names matching the pattern,
// preserving input order. Invalid patterns match nothing.
//
// Complexity: O(n) pattern checks.
func FilterCollections(names []string, pattern string) []string {
	matched := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := MatchPattern(pattern, name)
		if err != nil {
			return nil
		}
		if ok {
			matched = append(matched, name)
		}
	}
	return matched
}

// compilePattern compiles a pattern to an anchored regex with caching.
// Glob-style "*" wildcards become ".*"; everything else is passed through as
// regex syntax, matching the budget rule documentation.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr := "^" + strings.ReplaceAll(pattern, "*", ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	regexCache.Store(pattern, re)
	return re, nil
}
