package util

import (
	"strings"
	"unicode"
)

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// SanitizeText prepares extracted PDF text for a Postgres text column. Invalid UTF-8,
// NUL and other control characters are dropped along with soft hyphens, zero-width
// marks and replacement characters left behind by broken font maps.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = lineEndings.Replace(strings.ToValidUTF8(s, ""))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
		case r == '\u00ad', r == '\u200b', r == '\u200c', r == '\u200d', r == '\ufeff', r == unicode.ReplacementChar:
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
