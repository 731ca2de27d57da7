package chunker

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

const maxKeyTerms = 5

var (
	headerLine = regexp.MustCompile(`(?im)^\s*(?:[0-9ivx]+(?:\.[0-9]+)*\.?\s+)?(abstract|introduction|background|related work|materials and methods|methods?|methodology|experimental setup|results|findings|discussion|conclusions?|concluding remarks|summary)\s*(?::|$)`)

	numericCitation = regexp.MustCompile(`\[\d+(?:\s*[,\-–]\s*\d+)*\]`)
	authorYear      = regexp.MustCompile(`[A-Z][A-Za-z'\-]+(?:\s+et\s+al\.?|\s+(?:and|&)\s+[A-Z][A-Za-z'\-]+)?\s+\((?:19|20)\d{2}[a-z]?\)|\([A-Z][A-Za-z'\-]+(?:\s+et\s+al\.?|\s+(?:and|&)\s+[A-Z][A-Za-z'\-]+)?,\s*(?:19|20)\d{2}[a-z]?\)`)
	figureRef       = regexp.MustCompile(`(?i)\b(?:fig(?:ure)?\.?|table|chart)\s+\d+`)

	pValue     = regexp.MustCompile(`(?i)\bp\s*[<>=≤≥]\s*0?\.\d+`)
	percentage = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	confInt    = regexp.MustCompile(`(?i)\b(?:95|99|90)\s?%\s*(?:ci|confidence interval)|\bci\s*[:=]?\s*\[`)
	sampleSize = regexp.MustCompile(`(?i)\bn\s*=\s*\d+`)
)

var sectionAliases = map[string]models.SectionType{
	"abstract":              models.SectionAbstract,
	"introduction":          models.SectionIntroduction,
	"background":            models.SectionIntroduction,
	"related work":          models.SectionIntroduction,
	"materials and methods": models.SectionMethods,
	"method":                models.SectionMethods,
	"methods":               models.SectionMethods,
	"methodology":           models.SectionMethods,
	"experimental setup":    models.SectionMethods,
	"results":               models.SectionResults,
	"findings":              models.SectionResults,
	"discussion":            models.SectionDiscussion,
	"conclusion":            models.SectionConclusion,
	"conclusions":           models.SectionConclusion,
	"concluding remarks":    models.SectionConclusion,
	"summary":               models.SectionConclusion,
}

var (
	conclusionCues   = []string{"in conclusion", "to conclude", "we conclude", "future work", "in summary", "future research"}
	methodsCues      = []string{"participants", "recruited", "we collected", "protocol", "were randomized", "procedure", "inclusion criteria"}
	discussionCues   = []string{"these findings suggest", "limitations", "consistent with previous", "we argue", "implications"}
	introductionCues = []string{"in this paper", "in recent years", "has attracted", "we propose", "this work"}
)

// Analyze derives retrieval metadata from a chunk's text.
func Analyze(content string) models.ChunkMetadata {
	lower := strings.ToLower(content)
	md := models.ChunkMetadata{
		HasCitations: numericCitation.MatchString(content) || authorYear.MatchString(content),
		HasFigures:   figureRef.MatchString(content),
		HasData:      hasStatistics(content),
		KeyTerms:     keyTerms(content, maxKeyTerms),
	}
	md.SectionType = sectionType(content, lower, md.HasData)
	md.IsConclusion = md.SectionType == models.SectionConclusion || containsAny(lower, conclusionCues)
	md.ComplexityScore = complexity(content)
	return md
}

func hasStatistics(s string) bool {
	return pValue.MatchString(s) || percentage.MatchString(s) || confInt.MatchString(s) || sampleSize.MatchString(s)
}

func sectionType(content, lower string, hasData bool) models.SectionType {
	if m := headerLine.FindStringSubmatch(content); m != nil {
		if st, ok := sectionAliases[strings.ToLower(m[1])]; ok {
			return st
		}
	}
	switch {
	case containsAny(lower, conclusionCues):
		return models.SectionConclusion
	case containsAny(lower, methodsCues):
		return models.SectionMethods
	case hasData:
		return models.SectionResults
	case containsAny(lower, discussionCues):
		return models.SectionDiscussion
	case containsAny(lower, introductionCues):
		return models.SectionIntroduction
	}
	return ""
}

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}

// complexity blends mean word length, mean sentence length and the share of long words.
func complexity(s string) float64 {
	words := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && r != '-' })
	if len(words) == 0 {
		return 0
	}
	letters, rare := 0, 0
	for _, w := range words {
		n := len([]rune(w))
		letters += n
		if n >= 10 {
			rare++
		}
	}
	sentences := len(util.SplitSentences(s))
	if sentences == 0 {
		sentences = 1
	}
	avgWord := float64(letters) / float64(len(words))
	avgSentence := float64(len(words)) / float64(sentences)
	rareRatio := float64(rare) / float64(len(words))

	score := 0.4*clamp01((avgWord-3)/6) + 0.35*clamp01((avgSentence-8)/32) + 0.25*clamp01(rareRatio*4)
	return math.Round(score*1000) / 1000
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// keyTerms ranks non-stopword terms by frequency weighted by length.
func keyTerms(s string, n int) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	counts := map[string]int{}
	first := map[string]int{}
	for i, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < 4 || util.IsStopword(f) {
			continue
		}
		if _, ok := counts[f]; !ok {
			first[f] = i
		}
		counts[f]++
	}
	type term struct {
		word  string
		score float64
	}
	terms := make([]term, 0, len(counts))
	for w, c := range counts {
		terms = append(terms, term{word: w, score: float64(c) * math.Log(float64(len([]rune(w))))})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].score != terms[j].score {
			return terms[i].score > terms[j].score
		}
		return first[terms[i].word] < first[terms[j].word]
	})
	out := make([]string, 0, n)
	for _, t := range terms {
		if len(out) == n {
			break
		}
		out = append(out, t.word)
	}
	return out
}
