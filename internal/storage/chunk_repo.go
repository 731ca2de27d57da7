package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
	"genpaper/internal/vector"
)

type ChunkRepo struct {
	db *DB
}

func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceChunks swaps the full chunk set of a paper in one transaction.
func (r *ChunkRepo) ReplaceChunks(ctx context.Context, paperID string, chunks []models.Chunk) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE paper_id=$1`, paperID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		batch := &pgx.Batch{}
		for _, c := range chunks {
			var emb *string
			if len(c.Embedding) > 0 {
				lit := vector.ToLiteral(c.Embedding)
				emb = &lit
			}
			keyTerms := c.Metadata.KeyTerms
			if keyTerms == nil {
				keyTerms = []string{}
			}
			batch.Queue(`
INSERT INTO chunks (chunk_id, paper_id, chunk_index, content, embedding, embedding_version,
  section_type, has_citations, has_figures, has_data, is_conclusion, complexity_score, key_terms)
VALUES ($1, $2, $3, $4, CASE WHEN $5::text IS NULL THEN NULL ELSE $5::vector END, $6,
  NULLIF($7,''), $8, $9, $10, $11, $12, $13)`,
				c.ChunkID, paperID, c.ChunkIndex, c.Content, emb, c.EmbeddingVersion,
				string(c.Metadata.SectionType), c.Metadata.HasCitations, c.Metadata.HasFigures, c.Metadata.HasData,
				c.Metadata.IsConclusion, c.Metadata.ComplexityScore, keyTerms)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks for %s: %w", paperID, err)
		}
		return nil
	})
}

func (r *ChunkRepo) ListChunksByPaper(ctx context.Context, paperID string) ([]models.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT chunk_id, paper_id, chunk_index, content, embedding_version, COALESCE(section_type,''),
       has_citations, has_figures, has_data, is_conclusion, complexity_score, key_terms, created_at
FROM chunks
WHERE paper_id=$1
ORDER BY chunk_index ASC`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list chunks by paper: %w", err)
	}
	defer rows.Close()
	out := make([]models.Chunk, 0, 64)
	for rows.Next() {
		var c models.Chunk
		var section string
		if err := rows.Scan(&c.ChunkID, &c.PaperID, &c.ChunkIndex, &c.Content, &c.EmbeddingVersion, &section,
			&c.Metadata.HasCitations, &c.Metadata.HasFigures, &c.Metadata.HasData, &c.Metadata.IsConclusion,
			&c.Metadata.ComplexityScore, &c.Metadata.KeyTerms, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk by paper: %w", err)
		}
		c.Metadata.SectionType = models.SectionType(section)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk by paper: %w", err)
	}
	return out, nil
}
