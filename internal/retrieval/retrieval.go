package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genpaper/internal/literature"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/queue"
	"genpaper/internal/util"
	"genpaper/internal/vector"
)

const defaultExpectedWords = 300

type PaperStore interface {
	UpsertPaper(ctx context.Context, p models.Paper) (models.Paper, error)
	ListLibraryPapers(ctx context.Context, ownerID string) ([]models.Paper, error)
	ListPapersByIDs(ctx context.Context, paperIDs []string) ([]models.Paper, error)
}

type Literature interface {
	SearchSources(ctx context.Context, query string, limit int, names []string) ([]literature.PaperMetadata, error)
}

type ChunkSearcher interface {
	SearchChunks(ctx context.Context, queryVec []float32, topK int, filters vector.SearchFilters) ([]models.ChunkResult, error)
	KeywordSearch(ctx context.Context, terms []string, topK int, filters vector.SearchFilters) ([]models.ChunkResult, error)
}

// Ingestor is the slice of the processing queue retrieval needs.
type Ingestor interface {
	AddJob(ctx context.Context, req queue.JobRequest) (string, error)
	GetJobStatus(jobID string) (models.ProcessingJob, bool)
	JobHistory(ctx context.Context, jobID string) (models.ProcessingJob, error)
}

type Options struct {
	EmbedVersion string
	EmbedDim     int
	IngestWait   time.Duration
	PollInterval time.Duration
	EnableOCR    bool
}

type Service struct {
	papers   PaperStore
	lit      Literature
	chunks   ChunkSearcher
	embedder providers.EmbeddingProvider
	ingest   Ingestor
	opts     Options
	log      *logger.Logger
}

// New builds the service. lit and ingest may be nil: external search and ingestion are then skipped.
func New(log *logger.Logger, papers PaperStore, lit Literature, chunks ChunkSearcher, embedder providers.EmbeddingProvider, ingest Ingestor, opts Options) *Service {
	if opts.IngestWait <= 0 {
		opts.IngestWait = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Service{
		papers:   papers,
		lit:      lit,
		chunks:   chunks,
		embedder: embedder,
		ingest:   ingest,
		opts:     opts,
		log:      log.With("component", "retrieval"),
	}
}

type DiscoverRequest struct {
	Topic           string   `json:"topic"`
	OwnerID         string   `json:"owner_id"`
	LibraryPaperIDs []string `json:"library_paper_ids,omitempty"`
	IncludeLibrary  bool     `json:"include_library"`
	UseLibraryOnly  bool     `json:"use_library_only"`
	Sources         []string `json:"sources,omitempty"`
	MaxResults      int      `json:"max_results"`
}

// Discover returns library papers first, then deduplicated external hits.
func (s *Service) Discover(ctx context.Context, req DiscoverRequest) ([]models.Paper, error) {
	var library []models.Paper
	var err error
	switch {
	case len(req.LibraryPaperIDs) > 0:
		library, err = s.papers.ListPapersByIDs(ctx, req.LibraryPaperIDs)
	case req.IncludeLibrary || req.UseLibraryOnly:
		library, err = s.papers.ListLibraryPapers(ctx, req.OwnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("discover library: %w", err)
	}

	d := newDeduper()
	out := make([]models.Paper, 0, len(library)+req.MaxResults)
	for _, p := range library {
		d.add(p)
		out = append(out, p)
	}
	if req.UseLibraryOnly || s.lit == nil {
		return out, nil
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = 20
	}
	hits, err := s.lit.SearchSources(ctx, req.Topic, limit, req.Sources)
	if err != nil {
		if len(out) == 0 {
			return nil, fmt.Errorf("discover external: %w", err)
		}
		s.log.Warn("external search failed, using library only", "topic", req.Topic, "error", err)
		return out, nil
	}

	added := 0
	for _, h := range hits {
		if added >= limit {
			break
		}
		p := paperFromMetadata(h)
		if strings.TrimSpace(p.Title) == "" || !d.add(p) {
			continue
		}
		stored, err := s.papers.UpsertPaper(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("discover store paper: %w", err)
		}
		out = append(out, stored)
		added++
	}
	s.log.Info("discovery done", "topic", req.Topic, "library", len(library), "external", added)
	return out, nil
}

func paperFromMetadata(m literature.PaperMetadata) models.Paper {
	p := models.Paper{
		DOI:           util.NormalizeDOI(m.DOI),
		Title:         strings.TrimSpace(m.Title),
		Authors:       m.Authors,
		Venue:         m.Venue,
		Abstract:      m.Abstract,
		URL:           m.URL,
		PDFURL:        m.PDFURL,
		CitationCount: m.CitationCount,
		Source:        m.Source,
	}
	if m.Year > 0 {
		y := m.Year
		p.Year = &y
	}
	return p
}

type deduper struct {
	dois   map[string]struct{}
	titles map[string]struct{}
}

func newDeduper() *deduper {
	return &deduper{dois: map[string]struct{}{}, titles: map[string]struct{}{}}
}

// add reports whether p is new, matching on DOI first and then on normalized title.
func (d *deduper) add(p models.Paper) bool {
	doi := util.NormalizeDOI(p.DOI)
	title := util.NormalizeTitle(p.Title)
	if doi != "" {
		if _, ok := d.dois[doi]; ok {
			return false
		}
	}
	if title != "" {
		if _, ok := d.titles[title]; ok {
			return false
		}
	}
	if doi != "" {
		d.dois[doi] = struct{}{}
	}
	if title != "" {
		d.titles[title] = struct{}{}
	}
	return true
}

// EnsureIngested queues papers that have a PDF but no content and waits for their jobs.
// Failed or poisoned ingestion leaves the paper without content. The returned slice keeps the
// input order and holds refreshed rows for every paper.
func (s *Service) EnsureIngested(ctx context.Context, ownerID string, papers []models.Paper) ([]models.Paper, error) {
	if s.ingest == nil {
		return papers, nil
	}
	pending := map[string]string{}
	for _, p := range papers {
		if p.HasContent || strings.TrimSpace(p.PDFURL) == "" {
			continue
		}
		jobID, err := s.ingest.AddJob(ctx, queue.JobRequest{
			PaperID:   p.PaperID,
			SourceURL: p.PDFURL,
			Title:     p.Title,
			OwnerID:   ownerID,
			Priority:  models.PriorityHigh,
			EnableOCR: s.opts.EnableOCR,
			Metadata:  map[string]string{"origin": "generation"},
		})
		if err != nil {
			if errors.Is(err, util.ErrQuotaExceeded) {
				s.log.Warn("ingestion skipped, quota exceeded", "owner_id", ownerID, "paper_id", p.PaperID)
				break
			}
			s.log.Warn("ingestion not queued", "paper_id", p.PaperID, "error", err)
			continue
		}
		pending[jobID] = p.PaperID
	}
	if len(pending) > 0 {
		s.await(ctx, pending)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(papers))
	for _, p := range papers {
		ids = append(ids, p.PaperID)
	}
	fresh, err := s.papers.ListPapersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reload papers: %w", err)
	}
	byID := make(map[string]models.Paper, len(fresh))
	for _, p := range fresh {
		byID[p.PaperID] = p
	}
	out := make([]models.Paper, 0, len(papers))
	for _, p := range papers {
		if f, ok := byID[p.PaperID]; ok {
			p = f
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) await(ctx context.Context, pending map[string]string) {
	deadline := time.NewTimer(s.opts.IngestWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	for {
		for jobID, paperID := range pending {
			status, ok := s.jobStatus(ctx, jobID)
			if !ok || !status.Terminal() {
				continue
			}
			if status != models.JobCompleted {
				s.log.Warn("paper contributes no content", "paper_id", paperID, "job_id", jobID, "status", status)
			}
			delete(pending, jobID)
		}
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.log.Warn("ingestion wait timed out", "outstanding", len(pending))
			return
		case <-tick.C:
		}
	}
}

func (s *Service) jobStatus(ctx context.Context, jobID string) (models.JobStatus, bool) {
	if j, ok := s.ingest.GetJobStatus(jobID); ok {
		return j.Status, true
	}
	j, err := s.ingest.JobHistory(ctx, jobID)
	if err != nil {
		return "", false
	}
	return j.Status, true
}
