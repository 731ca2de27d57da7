package util

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "to": {}, "of": {}, "in": {}, "on": {},
	"for": {}, "is": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {}, "why": {},
	"which": {}, "that": {}, "this": {}, "these": {}, "those": {}, "with": {}, "from": {}, "across": {},
	"be": {}, "been": {}, "by": {}, "as": {}, "at": {}, "it": {}, "its": {}, "we": {}, "our": {},
	"their": {}, "they": {}, "not": {}, "but": {}, "also": {}, "can": {}, "may": {}, "has": {},
	"have": {}, "had": {}, "than": {}, "such": {}, "into": {}, "between": {}, "both": {}, "more": {},
	"most": {}, "other": {}, "each": {}, "all": {}, "there": {}, "here": {}, "using": {},
	"used": {}, "use": {}, "based": {}, "however": {}, "while": {}, "where": {}, "when": {}, "who": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "one": {}, "two": {}, "study": {}, "paper": {},
}

// IsStopword reports whether a lowercase token carries no topical signal.
func IsStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// MeaningfulTerms returns unique lowercase terms of at least three letters, stopwords removed.
func MeaningfulTerms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := map[string]struct{}{}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < 3 || IsStopword(f) {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// TermCoverage is the share of claim terms that also appear in evidence.
func TermCoverage(claim, evidence string) float64 {
	terms := MeaningfulTerms(claim)
	if len(terms) == 0 {
		return 1
	}
	have := map[string]struct{}{}
	for _, t := range MeaningfulTerms(evidence) {
		have[t] = struct{}{}
	}
	hit := 0
	for _, t := range terms {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func SplitSentences(s string) []string {
	out := make([]string, 0, 8)
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// keep "et al." and decimals inside the sentence
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && strings.HasSuffix(b.String(), " al.") {
			continue
		}
		if x := strings.TrimSpace(b.String()); x != "" {
			out = append(out, x)
		}
		b.Reset()
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// QuoteSnippet picks the sentence(s) in chunkText that best support claim.
func QuoteSnippet(chunkText, claim string, maxRunes int) string {
	chunkText = Clip(chunkText, 4000)
	if chunkText == "" {
		return ""
	}
	terms := MeaningfulTerms(claim)
	sentences := SplitSentences(chunkText)
	if len(terms) == 0 || len(sentences) == 0 {
		return Clip(chunkText, maxRunes)
	}

	type scored struct {
		sentence string
		score    int
	}
	list := make([]scored, 0, len(sentences))
	for _, s := range sentences {
		low := strings.ToLower(s)
		score := 0
		for _, term := range terms {
			if strings.Contains(low, term) {
				score++
			}
		}
		list = append(list, scored{sentence: s, score: score})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score == list[j].score {
			return len(list[i].sentence) < len(list[j].sentence)
		}
		return list[i].score > list[j].score
	})
	best := list[0].sentence
	if len(list) > 1 && list[1].score > 0 {
		best += " " + list[1].sentence
	}
	return Clip(best, maxRunes)
}

// Clip sanitizes s, collapses whitespace and truncates to maxRunes with an ellipsis.
func Clip(s string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 420
	}
	s = strings.Join(strings.Fields(restoreWordBoundaries(SanitizeText(s))), " ")
	runes := []rune(s)
	if len(runes) > maxRunes {
		return strings.TrimSpace(string(runes[:maxRunes])) + "..."
	}
	return s
}

func restoreWordBoundaries(s string) string {
	if s == "" {
		return s
	}
	in := []rune(s)
	out := make([]rune, 0, len(in)+len(in)/8)
	for i, r := range in {
		if i > 0 && unicode.IsLower(in[i-1]) && unicode.IsUpper(r) && !unicode.IsSpace(out[len(out)-1]) {
			out = append(out, ' ')
		}
		out = append(out, r)
	}
	return string(out)
}
