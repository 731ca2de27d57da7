package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
)

type SearchFilters struct {
	PaperIDs         []string
	EmbeddingVersion string
}

type Searcher struct {
	q Queryer
}

type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func NewSearcher(q Queryer) *Searcher {
	return &Searcher{q: q}
}

const resultColumns = `c.chunk_id, c.paper_id, c.chunk_index, c.content, p.title, p.citation_count,
       COALESCE(c.section_type,''), c.has_citations, c.has_figures, c.has_data, c.is_conclusion,
       c.complexity_score, c.key_terms`

// SearchChunks ranks chunks by cosine distance to queryVec, restricted to filters.PaperIDs.
func (s *Searcher) SearchChunks(ctx context.Context, queryVec []float32, topK int, filters SearchFilters) ([]models.ChunkResult, error) {
	if len(filters.PaperIDs) == 0 {
		return []models.ChunkResult{}, nil
	}
	if topK <= 0 {
		topK = 8
	}
	args := []any{ToLiteral(queryVec), topK, filters.PaperIDs}
	filterSQL := ""
	if strings.TrimSpace(filters.EmbeddingVersion) != "" {
		filterSQL = " AND c.embedding_version = $4"
		args = append(args, filters.EmbeddingVersion)
	}

	query := `
SELECT ` + resultColumns + `,
       1 - (c.embedding <=> $1::vector) AS score
FROM chunks c
JOIN papers p ON p.paper_id = c.paper_id
WHERE c.embedding IS NOT NULL
  AND c.paper_id = ANY($3)` + filterSQL + `
ORDER BY c.embedding <=> $1::vector, c.chunk_index ASC
LIMIT $2`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vector search: %w", err)
	}
	return collect(rows, topK, "vector")
}

// KeywordSearch ranks chunks with Postgres full text search over any of the query terms.
func (s *Searcher) KeywordSearch(ctx context.Context, terms []string, topK int, filters SearchFilters) ([]models.ChunkResult, error) {
	tsq := BuildTSQuery(terms)
	if tsq == "" || len(filters.PaperIDs) == 0 {
		return []models.ChunkResult{}, nil
	}
	if topK <= 0 {
		topK = 8
	}
	rows, err := s.q.Query(ctx, `
SELECT `+resultColumns+`,
       ts_rank_cd(c.content_tsv, to_tsquery('english', $1)) AS score
FROM chunks c
JOIN papers p ON p.paper_id = c.paper_id
WHERE c.paper_id = ANY($3)
  AND c.content_tsv @@ to_tsquery('english', $1)
ORDER BY score DESC, c.chunk_index ASC
LIMIT $2`, tsq, topK, filters.PaperIDs)
	if err != nil {
		return nil, fmt.Errorf("query keyword search: %w", err)
	}
	return collect(rows, topK, "keyword")
}

func collect(rows pgx.Rows, topK int, kind string) ([]models.ChunkResult, error) {
	defer rows.Close()
	results := make([]models.ChunkResult, 0, topK)
	for rows.Next() {
		var r models.ChunkResult
		var section string
		if err := rows.Scan(&r.ChunkID, &r.PaperID, &r.ChunkIndex, &r.Content, &r.Title, &r.CitationCount,
			&section, &r.Metadata.HasCitations, &r.Metadata.HasFigures, &r.Metadata.HasData, &r.Metadata.IsConclusion,
			&r.Metadata.ComplexityScore, &r.Metadata.KeyTerms, &r.Score); err != nil {
			return nil, fmt.Errorf("scan %s result: %w", kind, err)
		}
		r.Metadata.SectionType = models.SectionType(section)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", kind, err)
	}
	return results, nil
}

// BuildTSQuery ORs alphanumeric terms into a to_tsquery expression.
func BuildTSQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	seen := map[string]struct{}{}
	for _, t := range terms {
		clean := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			if r >= 'A' && r <= 'Z' {
				return r + ('a' - 'A')
			}
			return -1
		}, t)
		if clean == "" {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		parts = append(parts, clean)
	}
	return strings.Join(parts, " | ")
}

func ToLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', 6, 32))
	}
	b.WriteByte(']')
	return b.String()
}
