package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var doiPattern = regexp.MustCompile(`(?i)\b(10\.\d{4,9}/[-._;()/:a-z0-9]+[a-z0-9])`)

// NormalizeTitle folds a title to lowercase NFKC alphanumerics separated by single spaces.
func NormalizeTitle(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// NormalizeDOI strips resolver prefixes and lowercases. Returns "" for values that are not DOIs.
func NormalizeDOI(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	low := strings.ToLower(s)
	for _, p := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(low, p) {
			low = strings.TrimSpace(low[len(p):])
			break
		}
	}
	if !strings.HasPrefix(low, "10.") || !strings.Contains(low, "/") {
		return ""
	}
	return strings.TrimRight(low, ".,;")
}

// FindDOI returns the first DOI that appears in text, normalized.
func FindDOI(text string) string {
	m := doiPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return NormalizeDOI(m[1])
}

// TitleSimilarity is the Jaccard overlap of normalized title tokens.
func TitleSimilarity(a, b string) float64 {
	ta := strings.Fields(NormalizeTitle(a))
	tb := strings.Fields(NormalizeTitle(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		set[t] = struct{}{}
	}
	inter := 0
	seen := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	return float64(inter) / float64(union)
}
