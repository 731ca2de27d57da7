package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"genpaper/internal/archive"
	"genpaper/internal/chunker"
	"genpaper/internal/extraction"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/queue"
	"genpaper/internal/util"
)

type ChunkStore interface {
	ReplaceChunks(ctx context.Context, paperID string, chunks []models.Chunk) error
}

type PaperStore interface {
	MarkIngested(ctx context.Context, paperID string, res models.ExtractionResult) error
}

type Config struct {
	GrobidEndpoint string
	// ArtifactsRoot receives per-paper extraction dumps. Empty disables them.
	ArtifactsRoot string
}

// Processor is the queue's unit of work: fetch, archive, extract, chunk, embed, persist.
type Processor struct {
	log      *logger.Logger
	cfg      Config
	fetcher  *Fetcher
	archiver archive.Archiver
	engine   *extraction.Engine
	chunker  *chunker.Chunker
	chunks   ChunkStore
	papers   PaperStore
}

func NewProcessor(log *logger.Logger, cfg Config, fetcher *Fetcher, archiver archive.Archiver,
	engine *extraction.Engine, ch *chunker.Chunker, chunks ChunkStore, papers PaperStore) *Processor {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Processor{
		log:      log.With("component", "ingest"),
		cfg:      cfg,
		fetcher:  fetcher,
		archiver: archiver,
		engine:   engine,
		chunker:  ch,
		chunks:   chunks,
		papers:   papers,
	}
}

func (p *Processor) Process(ctx context.Context, job models.ProcessingJob, opts queue.ProcessOptions) (*models.ExtractionResult, error) {
	data, err := p.fetcher.Fetch(ctx, job.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if loc, err := p.archiver.Archive(ctx, data); err != nil {
		p.log.Warn("archive source pdf failed", "job_id", job.JobID, "error", err)
	} else if loc != "" {
		p.log.Debug("source pdf archived", "job_id", job.JobID, "location", loc)
	}

	res, err := p.engine.Extract(ctx, data, extraction.Options{
		GrobidEndpoint: p.cfg.GrobidEndpoint,
		EnableOCR:      opts.EnableOCR,
	})
	if err != nil {
		return nil, err
	}
	chunks := p.chunker.Chunk(res.FullText, job.PaperID)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("chunk paper %s: %w: %w", job.PaperID, util.ErrExtractionFailure, util.ErrNoExtractableText)
	}
	if err := p.chunker.Embed(ctx, chunks); err != nil {
		return nil, err
	}
	if err := p.chunks.ReplaceChunks(ctx, job.PaperID, chunks); err != nil {
		return nil, err
	}
	if err := p.papers.MarkIngested(ctx, job.PaperID, *res); err != nil {
		return nil, err
	}
	p.writeArtifacts(job, res, chunks)
	p.log.Info("paper ingested", "job_id", job.JobID, "paper_id", job.PaperID,
		"method", res.Method, "confidence", res.Confidence, "chunks", len(chunks))
	return res, nil
}

type processingLog struct {
	JobID     string                  `json:"job_id"`
	SourceURL string                  `json:"source_url"`
	Attempt   int                     `json:"attempt"`
	Result    models.ExtractionResult `json:"result"`
	Chunks    int                     `json:"chunks"`
	At        time.Time               `json:"at"`
}

// writeArtifacts is best-effort; failures are logged only.
func (p *Processor) writeArtifacts(job models.ProcessingJob, res *models.ExtractionResult, chunks []models.Chunk) {
	if p.cfg.ArtifactsRoot == "" {
		return
	}
	base := filepath.Join(p.cfg.ArtifactsRoot, "papers", job.PaperID)
	summary := *res
	summary.FullText = ""
	err := util.EnsureDir(base)
	if err == nil {
		err = util.WriteJSONAtomic(filepath.Join(base, "processing_log.json"), processingLog{
			JobID: job.JobID, SourceURL: job.SourceURL, Attempt: job.Attempts,
			Result: summary, Chunks: len(chunks), At: time.Now().UTC(),
		})
	}
	if err == nil {
		err = util.WriteTextAtomic(filepath.Join(base, "fulltext.txt"), res.FullText)
	}
	if err == nil {
		err = util.WriteJSONLinesAtomic(filepath.Join(base, "chunks.jsonl"), chunks)
	}
	if err != nil {
		p.log.Warn("write paper artifacts failed", "paper_id", job.PaperID, "error", err)
	}
}
