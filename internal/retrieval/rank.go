package retrieval

import (
	"math"
	"sort"

	"genpaper/internal/models"
)

const (
	DefaultRRFK          = 60
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3

	maxCitationBoost = 0.1
)

// RRF fuses two rankings of ids (best first) with weighted reciprocal rank fusion.
// An id missing from one ranking gets nothing from it.
func RRF(vectorRanked, keywordRanked []string, k int, vectorWeight, keywordWeight float64) map[string]float64 {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64, len(vectorRanked)+len(keywordRanked))
	add := func(ids []string, w float64) {
		seen := make(map[string]struct{}, len(ids))
		for i, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			scores[id] += w / float64(k+i+1)
		}
	}
	add(vectorRanked, vectorWeight)
	add(keywordRanked, keywordWeight)
	return scores
}

// CitationBoost is the multiplier applied to a fused score: 1 at zero citations, capped at 1.1.
func CitationBoost(citationCount int) float64 {
	if citationCount <= 0 {
		return 1
	}
	return 1 + math.Min(maxCitationBoost, 0.02*math.Log1p(float64(citationCount)))
}

// Fuse merges vector and keyword results into one list ordered by boosted RRF score.
// Ties break on chunk index, then chunk id.
func Fuse(vectorHits, keywordHits []models.ChunkResult) []models.ChunkResult {
	byID := make(map[string]models.ChunkResult, len(vectorHits)+len(keywordHits))
	ids := func(hits []models.ChunkResult) []string {
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			if _, ok := byID[h.ChunkID]; !ok {
				byID[h.ChunkID] = h
			}
			out = append(out, h.ChunkID)
		}
		return out
	}
	scores := RRF(ids(vectorHits), ids(keywordHits), DefaultRRFK, DefaultVectorWeight, DefaultKeywordWeight)

	out := make([]models.ChunkResult, 0, len(byID))
	for id, r := range byID {
		r.Score = scores[id] * CitationBoost(r.CitationCount)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ChunkIndex != out[j].ChunkIndex {
			return out[i].ChunkIndex < out[j].ChunkIndex
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// ChunkBudget is the number of chunks a section with expectedWords gets.
func ChunkBudget(expectedWords int) int {
	if expectedWords <= 0 {
		expectedWords = defaultExpectedWords
	}
	n := int(math.Ceil(float64(expectedWords) / 150))
	switch {
	case n < 3:
		return 3
	case n > 12:
		return 12
	}
	return n
}
