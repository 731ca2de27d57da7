package retrieval

import (
	"context"
	"fmt"
	"strings"

	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/util"
	"genpaper/internal/vector"
)

const abstractChunkPrefix = "abstract:"

// BuildSectionContexts ranks evidence for every outline section, restricted to the section's candidates.
// A candidate without ingested chunks can still contribute its abstract when the budget is not filled.
func (s *Service) BuildSectionContexts(ctx context.Context, topic string, outline models.Outline, papers []models.Paper) ([]models.SectionContext, error) {
	byID := make(map[string]models.Paper, len(papers))
	for _, p := range papers {
		byID[p.PaperID] = p
	}
	out := make([]models.SectionContext, 0, len(outline.Sections))
	for _, sec := range outline.Sections {
		chunks, err := s.sectionChunks(ctx, topic, sec, byID)
		if err != nil {
			return nil, fmt.Errorf("build context for %q: %w", sec.Key, err)
		}
		out = append(out, models.SectionContext{Section: sec, Chunks: chunks})
	}
	return out, nil
}

func (s *Service) sectionChunks(ctx context.Context, topic string, sec models.OutlineSection, papers map[string]models.Paper) ([]models.ChunkResult, error) {
	candidates := make(map[string]struct{}, len(sec.CandidatePaperIDs))
	ids := make([]string, 0, len(sec.CandidatePaperIDs))
	for _, id := range sec.CandidatePaperIDs {
		if _, dup := candidates[id]; dup {
			continue
		}
		candidates[id] = struct{}{}
		ids = append(ids, id)
	}
	budget := ChunkBudget(sec.ExpectedWords)
	if len(ids) == 0 {
		return []models.ChunkResult{}, nil
	}

	query := sectionQuery(topic, sec)
	filters := vector.SearchFilters{PaperIDs: ids, EmbeddingVersion: s.opts.EmbedVersion}
	topK := budget * 3

	var vectorHits []models.ChunkResult
	vecs, _, err := s.embedder.Embed(ctx, providers.EmbedRequest{Operation: "section_query_embed", Inputs: []string{query}, Dimension: s.opts.EmbedDim})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("query embedding failed, keyword ranking only", "section", sec.Key, "error", err)
	case len(vecs) == 1:
		vectorHits, err = s.chunks.SearchChunks(ctx, vecs[0], topK, filters)
		if err != nil {
			return nil, err
		}
	}
	keywordHits, err := s.chunks.KeywordSearch(ctx, util.MeaningfulTerms(query), topK, filters)
	if err != nil {
		return nil, err
	}

	selected := make([]models.ChunkResult, 0, budget)
	covered := map[string]struct{}{}
	for _, r := range Fuse(vectorHits, keywordHits) {
		if len(selected) == budget {
			break
		}
		if _, ok := candidates[r.PaperID]; !ok {
			continue
		}
		selected = append(selected, r)
		covered[r.PaperID] = struct{}{}
	}

	for _, id := range ids {
		if len(selected) == budget {
			break
		}
		if _, ok := covered[id]; ok {
			continue
		}
		p, ok := papers[id]
		if !ok || strings.TrimSpace(p.Abstract) == "" {
			continue
		}
		selected = append(selected, models.ChunkResult{
			ChunkID:       abstractChunkPrefix + p.PaperID,
			PaperID:       p.PaperID,
			ChunkIndex:    -1,
			Content:       p.Abstract,
			Title:         p.Title,
			CitationCount: p.CitationCount,
			Metadata:      models.ChunkMetadata{SectionType: models.SectionAbstract},
		})
	}
	return selected, nil
}

func sectionQuery(topic string, sec models.OutlineSection) string {
	parts := []string{topic, sec.Title}
	parts = append(parts, sec.KeyPoints...)
	return strings.Join(parts, " ")
}
