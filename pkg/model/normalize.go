package model

import "strings"

// Normalize trims whitespace and lowercases a vendor or category string.
// Normalization happens exactly once, at the schema-validation boundary,
// when a value first crosses into the trust boundary. Comparison sites do
// plain equality and never re-normalize.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeAll returns a new slice holding the normalized form of each
// vendor/category string; the input slice is left unchanged.
func NormalizeAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Normalize(s)
	}
	return out
}
