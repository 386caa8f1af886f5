// Package keypath computes hierarchy positions for flat, slash-delimited
// object keys. All functions are pure and never touch the store.
package keypath

import "strings"

// Delimiter separates key segments in the virtual hierarchy.
const Delimiter = "/"

// Level returns the number of delimited segments in path.
// "a/b/c" has level 3, "a" has level 1, "" has level 0.
func Level(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, Delimiter) + 1
}

// Parent returns path with its last segment removed, or "" for a
// top-level path.
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// TopSegment returns the first segment of key. For a top-level key the
// segment is the key itself.
func TopSegment(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// Ancestors returns every strict ancestor path of key, outermost first:
// "a/b/c.txt" yields ["a", "a/b"]. The ancestor at index i has level i+1.
// A top-level key has no ancestors.
func Ancestors(key string) []string {
	var out []string
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			out = append(out, key[:i])
		}
	}
	return out
}

// WellFormed reports whether key is a valid segment sequence: non-empty,
// no empty segments, no leading or trailing delimiter.
func WellFormed(key string) bool {
	if key == "" {
		return false
	}
	if strings.HasPrefix(key, Delimiter) || strings.HasSuffix(key, Delimiter) {
		return false
	}
	return !strings.Contains(key, Delimiter+Delimiter)
}
