package chunker

import (
	"context"
	"fmt"
	"unicode/utf8"

	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/util"
)

// MaxInputBytes caps the text accepted by Chunk.
const MaxInputBytes = 1 << 20

const embedBatchSize = 64

type Chunker struct {
	size      int
	overlap   int
	version   string
	dimension int
	embedder  providers.EmbeddingProvider
}

func New(size, overlap int, embedVersion string, dimension int, embedder providers.EmbeddingProvider) *Chunker {
	return &Chunker{size: size, overlap: overlap, version: embedVersion, dimension: dimension, embedder: embedder}
}

// Chunk splits text into word-aligned windows with consecutive indices starting at 0.
func (c *Chunker) Chunk(text, paperID string) []models.Chunk {
	text = truncateUTF8(text, MaxInputBytes)
	parts := util.ChunkText(text, c.size, c.overlap)
	out := make([]models.Chunk, 0, len(parts))
	for _, part := range parts {
		part = util.SanitizeText(part)
		if part == "" {
			continue
		}
		idx := len(out)
		out = append(out, models.Chunk{
			ChunkID:          util.SHA256Hex([]byte(fmt.Sprintf("%s:%d:%s:%s", paperID, idx, util.SHA256Hex([]byte(part)), c.version))),
			PaperID:          paperID,
			ChunkIndex:       idx,
			Content:          part,
			EmbeddingVersion: c.version,
			Metadata:         Analyze(part),
		})
	}
	return out
}

// Embed fills Embedding on every chunk, batching provider calls.
func (c *Chunker) Embed(ctx context.Context, chunks []models.Chunk) error {
	if c.embedder == nil {
		return fmt.Errorf("embed chunks: no embedding provider")
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		inputs := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			inputs = append(inputs, ch.Content)
		}
		vecs, _, err := c.embedder.Embed(ctx, providers.EmbedRequest{
			Operation: "embed_chunks",
			Inputs:    inputs,
			Dimension: c.dimension,
		})
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(inputs) {
			return fmt.Errorf("embed chunks: provider returned %d vectors for %d inputs", len(vecs), len(inputs))
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
			chunks[start+i].EmbeddingVersion = c.version
		}
	}
	return nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
