package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genpaper/internal/citations"
	"genpaper/internal/logger"
	"genpaper/internal/metrics"
	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/retrieval"
	"genpaper/internal/util"
)

type Stage string

const (
	StageInitialization Stage = "initialization"
	StageSearch         Stage = "search"
	StageOutline        Stage = "outline"
	StageContext        Stage = "context"
	StageGeneration     Stage = "generation"
	StageQuality        Stage = "quality"
	StageSaving         Stage = "saving"
	StageComplete       Stage = "complete"
	StageFailed         Stage = "failed"
)

// Progress is the percentage reported when a stage starts.
func (s Stage) Progress() int {
	switch s {
	case StageInitialization:
		return 0
	case StageSearch:
		return 5
	case StageOutline:
		return 20
	case StageContext:
		return 30
	case StageGeneration:
		return 40
	case StageQuality:
		return 75
	case StageSaving:
		return 90
	case StageComplete:
		return 100
	}
	return 0
}

type ProgressFunc func(stage Stage, percent int, message string)

type Retriever interface {
	Discover(ctx context.Context, req retrieval.DiscoverRequest) ([]models.Paper, error)
	EnsureIngested(ctx context.Context, ownerID string, papers []models.Paper) ([]models.Paper, error)
	BuildSectionContexts(ctx context.Context, topic string, outline models.Outline, papers []models.Paper) ([]models.SectionContext, error)
}

type ProjectStore interface {
	MarkStatus(ctx context.Context, projectID string, status models.ProjectStatus, stage, category, message string) error
	SaveResult(ctx context.Context, projectID, content string, citationMap map[string]models.CitationEntry, score float64) error
}

type Deps struct {
	Retrieval Retriever
	Citations *citations.Service
	LLM       providers.LLMProvider
	Projects  ProjectStore
	Metrics   *metrics.Metrics
}

type Options struct {
	SectionConcurrency int
	TotalMaxTokens     int
	OverlapThreshold   float64
	Style              citations.Style
	// ArtifactsRoot is DATA_OUT; empty disables artifact files.
	ArtifactsRoot string
}

func (o Options) withDefaults() Options {
	if o.SectionConcurrency <= 0 {
		o.SectionConcurrency = 3
	}
	if o.TotalMaxTokens <= 0 {
		o.TotalMaxTokens = 12000
	}
	if o.OverlapThreshold <= 0 {
		o.OverlapThreshold = DefaultOverlapThreshold
	}
	if o.Style == "" {
		o.Style = citations.StyleAuthorYear
	}
	return o
}

type Request struct {
	ProjectID       string   `json:"project_id"`
	OwnerID         string   `json:"owner_id"`
	Topic           string   `json:"topic"`
	Title           string   `json:"title,omitempty"`
	LibraryPaperIDs []string `json:"library_paper_ids,omitempty"`
	IncludeLibrary  bool     `json:"include_library"`
	UseLibraryOnly  bool     `json:"use_library_only"`
	Sources         []string `json:"sources,omitempty"`
	MaxResults      int      `json:"max_results,omitempty"`
	Style           string   `json:"style,omitempty"`
	TotalMaxTokens  int      `json:"total_max_tokens,omitempty"`
}

type Result struct {
	ProjectID    string                          `json:"project_id"`
	Content      string                          `json:"content"`
	CitationMap  map[string]models.CitationEntry `json:"citation_map"`
	QualityScore float64                         `json:"quality_score"`
	Sections     []models.ReviewedSection        `json:"sections"`
	Bibliography []string                        `json:"bibliography"`
	ArtifactsDir string                          `json:"artifacts_dir,omitempty"`
}

type Pipeline struct {
	retrieval Retriever
	cites     *citations.Service
	llm       providers.LLMProvider
	projects  ProjectStore
	metrics   *metrics.Metrics
	opts      Options
	evidence  *EvidenceTracker
	log       *logger.Logger
}

func New(log *logger.Logger, deps Deps, opts Options) *Pipeline {
	return &Pipeline{
		retrieval: deps.Retrieval,
		cites:     deps.Citations,
		llm:       deps.LLM,
		projects:  deps.Projects,
		metrics:   deps.Metrics,
		opts:      opts.withDefaults(),
		evidence:  NewEvidenceTracker(),
		log:       log.With("component", "pipeline"),
	}
}

// Evidence exposes the run-scoped evidence memory.
func (p *Pipeline) Evidence() *EvidenceTracker {
	return p.evidence
}

// Run executes every stage in order. Cancellation before the first stage is a no-op; later
// cancellation fails the run without persisting partial output.
func (p *Pipeline) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(Stage, int, string) {}
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(StageInitialization, CategoryCancelled, err)
	}
	if err := p.Begin(ctx, req); err != nil {
		return nil, p.Fail(ctx, req, StageInitialization, err)
	}
	log := p.log.With("project_id", req.ProjectID)

	stage := StageSearch
	step := func(s Stage, msg string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stage = s
		progress(s, s.Progress(), msg)
		if err := p.MarkStage(ctx, req.ProjectID, s); err != nil {
			log.Warn("stage status not recorded", "stage", s, "error", err)
		}
		return nil
	}
	timed := func(s Stage, start time.Time) {
		p.metrics.StageDone(string(s), time.Since(start))
	}

	var (
		papers   []models.Paper
		outline  models.Outline
		contexts []models.SectionContext
		drafts   []models.SectionDraft
		reviewed []models.ReviewedSection
		result   *Result
	)
	run := func() error {
		var err error
		if err = step(StageSearch, "searching literature"); err != nil {
			return err
		}
		t := time.Now()
		if papers, err = p.Search(ctx, req); err != nil {
			return err
		}
		timed(StageSearch, t)

		if err = step(StageOutline, fmt.Sprintf("planning outline from %d papers", len(papers))); err != nil {
			return err
		}
		t = time.Now()
		if outline, err = p.Outline(ctx, req, papers); err != nil {
			return err
		}
		timed(StageOutline, t)

		if err = step(StageContext, "retrieving evidence"); err != nil {
			return err
		}
		t = time.Now()
		if contexts, err = p.Contexts(ctx, req, outline, papers); err != nil {
			return err
		}
		timed(StageContext, t)

		if err = step(StageGeneration, fmt.Sprintf("writing %d sections", len(contexts))); err != nil {
			return err
		}
		t = time.Now()
		if drafts, err = p.Generate(ctx, req, contexts); err != nil {
			return err
		}
		timed(StageGeneration, t)

		if err = step(StageQuality, "reviewing sections"); err != nil {
			return err
		}
		t = time.Now()
		if reviewed, err = p.Review(ctx, req, drafts, contexts); err != nil {
			return err
		}
		timed(StageQuality, t)

		if err = step(StageSaving, "saving document"); err != nil {
			return err
		}
		t = time.Now()
		if result, err = p.Save(ctx, req, outline, reviewed); err != nil {
			return err
		}
		timed(StageSaving, t)
		return nil
	}
	if err := run(); err != nil {
		return nil, p.Fail(ctx, req, stage, err)
	}
	progress(StageComplete, StageComplete.Progress(), "complete")
	log.Info("generation complete", "sections", len(result.Sections), "score", result.QualityScore)
	return result, nil
}

// Begin marks the project as generating and clears any stale run memory.
func (p *Pipeline) Begin(ctx context.Context, req Request) error {
	if req.ProjectID == "" || req.Topic == "" {
		return fmt.Errorf("begin generation: project id and topic are required")
	}
	p.evidence.Reset(req.ProjectID)
	return p.projects.MarkStatus(ctx, req.ProjectID, models.ProjectGenerating, string(StageInitialization), "", "")
}

func (p *Pipeline) MarkStage(ctx context.Context, projectID string, stage Stage) error {
	return p.projects.MarkStatus(ctx, projectID, models.ProjectGenerating, string(stage), "", "")
}

// Fail classifies err, marks the project failed and clears run state. It never persists content.
func (p *Pipeline) Fail(ctx context.Context, req Request, stage Stage, err error) *Error {
	perr := Classify(stage, err)
	p.evidence.Reset(req.ProjectID)
	if merr := p.projects.MarkStatus(context.WithoutCancel(ctx), req.ProjectID, models.ProjectFailed, string(stage), string(perr.Category), perr.Message); merr != nil {
		p.log.Error("failed status not recorded", "project_id", req.ProjectID, "error", merr)
	}
	p.metrics.ProjectFinished(string(models.ProjectFailed), string(perr.Category))
	p.log.Warn("generation failed", "project_id", req.ProjectID, "stage", stage, "category", perr.Category, "error", err)
	return perr
}

type Category string

const (
	CategoryNoPapers      Category = "no_papers"
	CategoryCancelled     Category = "cancelled"
	CategoryTimeout       Category = "timeout"
	CategoryProviderQuota Category = "provider_quota"
	CategoryRateLimited   Category = "rate_limited"
	CategoryContextLength Category = "context_too_long"
	CategoryProvider      Category = "provider_unavailable"
	CategoryStorage       Category = "storage"
	CategoryInternal      Category = "internal"
)

var messages = map[Category]string{
	CategoryNoPapers:      "No papers were found for this topic. Try a broader topic or add papers to your library.",
	CategoryCancelled:     "Generation was cancelled.",
	CategoryTimeout:       "Generation took too long and was stopped. Please try again.",
	CategoryProviderQuota: "The language model quota is exhausted. Please try again later.",
	CategoryRateLimited:   "The language model is rate limiting requests. Please try again in a few minutes.",
	CategoryContextLength: "The collected evidence was too long for the language model. Try fewer papers.",
	CategoryProvider:      "The language model is temporarily unavailable. Please try again.",
	CategoryStorage:       "The document could not be saved. Please try again.",
	CategoryInternal:      "Generation failed unexpectedly.",
}

// Error is the classified failure of a run.
type Error struct {
	Stage    Stage    `json:"stage"`
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Err      error    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation failed at %s (%s): %v", e.Stage, e.Category, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{util.ErrPipelineFailure, e.Err}
}

// NewError builds a classified failure with the user message for category.
func NewError(stage Stage, category Category, err error) *Error {
	msg, ok := messages[category]
	if !ok {
		category, msg = CategoryInternal, messages[CategoryInternal]
	}
	return &Error{Stage: stage, Category: category, Message: msg, Err: err}
}

func Classify(stage Stage, err error) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	c := CategoryInternal
	switch {
	case errors.Is(err, util.ErrNoPapersFound):
		c = CategoryNoPapers
	case errors.Is(err, context.Canceled):
		c = CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		c = CategoryTimeout
	case errors.Is(err, util.ErrNotFound):
		c = CategoryStorage
	default:
		switch providers.ClassifyError(err) {
		case providers.ErrorQuota:
			c = CategoryProviderQuota
		case providers.ErrorRate:
			c = CategoryRateLimited
		case providers.ErrorContext:
			c = CategoryContextLength
		case providers.ErrorTransient:
			c = CategoryProvider
		}
	}
	return NewError(stage, c, err)
}
