// Package canon provides deterministic normalization and SHA-256
// fingerprinting of datasets. Two keyword spellings that differ only by
// punctuation, case or accents normalize to the same string, so they hash
// identically and drift detection is stable across runs.
package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies strict normalization v1:
//  1. Lowercase
//  2. Trim
//  3. Remove diacritics (NFKD decomposition, drop combining marks)
//  4. Remove all non-alphanumeric chars except space
//  5. Collapse runs of whitespace to a single space
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.ToLower(strings.TrimSpace(raw))
	s = norm.NFKD.String(s)

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from the NFKD decomposition
			continue
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation and symbols are dropped entirely
		}
	}
	return strings.TrimRight(b.String(), " ")
}
