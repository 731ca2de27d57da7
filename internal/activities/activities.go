package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
	"genpaper/internal/queue"
	"genpaper/internal/util"
)

// Application error types understood by the workflows. Generation failures use the
// pipeline category as their type.
const (
	ErrTypeQuotaExceeded     = "QuotaExceeded"
	ErrTypeFastTrackTooLarge = "FastTrackTooLarge"
	ErrTypeFastTrackFailed   = "FastTrackFailed"
	ErrTypeNoPapersFound     = string(pipeline.CategoryNoPapers)
)

// Generator is the stage-by-stage surface of the generation pipeline.
type Generator interface {
	Begin(ctx context.Context, req pipeline.Request) error
	MarkStage(ctx context.Context, projectID string, stage pipeline.Stage) error
	Search(ctx context.Context, req pipeline.Request) ([]models.Paper, error)
	Outline(ctx context.Context, req pipeline.Request, papers []models.Paper) (models.Outline, error)
	Contexts(ctx context.Context, req pipeline.Request, outline models.Outline, papers []models.Paper) ([]models.SectionContext, error)
	Generate(ctx context.Context, req pipeline.Request, contexts []models.SectionContext) ([]models.SectionDraft, error)
	Review(ctx context.Context, req pipeline.Request, drafts []models.SectionDraft, contexts []models.SectionContext) ([]models.ReviewedSection, error)
	Save(ctx context.Context, req pipeline.Request, outline models.Outline, sections []models.ReviewedSection) (*pipeline.Result, error)
	Fail(ctx context.Context, req pipeline.Request, stage pipeline.Stage, err error) *pipeline.Error
}

// Ingestor is the worker's processing queue.
type Ingestor interface {
	AddJob(ctx context.Context, req queue.JobRequest) (string, error)
	FastTrackJob(ctx context.Context, req queue.JobRequest) (models.ProcessingJob, error)
	GetJobStatus(jobID string) (models.ProcessingJob, bool)
	JobHistory(ctx context.Context, jobID string) (models.ProcessingJob, error)
}

type Activities struct {
	gen    Generator
	ingest Ingestor
	log    *logger.Logger
}

func New(log *logger.Logger, gen Generator, ingest Ingestor) *Activities {
	return &Activities{gen: gen, ingest: ingest, log: log.With("component", "activities")}
}

func (a *Activities) BeginGenerationActivity(ctx context.Context, req pipeline.Request) error {
	if req.ProjectID == "" || req.Topic == "" {
		return temporal.NewNonRetryableApplicationError("project id and topic are required", string(pipeline.CategoryInternal), nil)
	}
	return generationError(pipeline.StageInitialization, a.gen.Begin(ctx, req))
}

func (a *Activities) MarkStageActivity(ctx context.Context, in StageInput) error {
	return a.gen.MarkStage(ctx, in.ProjectID, in.Stage)
}

func (a *Activities) SearchPapersActivity(ctx context.Context, req pipeline.Request) (SearchPapersOutput, error) {
	papers, err := a.gen.Search(ctx, req)
	if err != nil {
		return SearchPapersOutput{}, generationError(pipeline.StageSearch, err)
	}
	return SearchPapersOutput{Papers: papers}, nil
}

func (a *Activities) OutlineActivity(ctx context.Context, in OutlineInput) (models.Outline, error) {
	outline, err := a.gen.Outline(ctx, in.Request, in.Papers)
	if err != nil {
		return models.Outline{}, generationError(pipeline.StageOutline, err)
	}
	return outline, nil
}

func (a *Activities) BuildContextsActivity(ctx context.Context, in BuildContextsInput) (BuildContextsOutput, error) {
	contexts, err := a.gen.Contexts(ctx, in.Request, in.Outline, in.Papers)
	if err != nil {
		return BuildContextsOutput{}, generationError(pipeline.StageContext, err)
	}
	return BuildContextsOutput{Contexts: contexts}, nil
}

func (a *Activities) GenerateSectionsActivity(ctx context.Context, in GenerateSectionsInput) (GenerateSectionsOutput, error) {
	drafts, err := a.gen.Generate(ctx, in.Request, in.Contexts)
	if err != nil {
		return GenerateSectionsOutput{}, generationError(pipeline.StageGeneration, err)
	}
	return GenerateSectionsOutput{Drafts: drafts}, nil
}

func (a *Activities) ReviewSectionsActivity(ctx context.Context, in ReviewSectionsInput) (ReviewSectionsOutput, error) {
	sections, err := a.gen.Review(ctx, in.Request, in.Drafts, in.Contexts)
	if err != nil {
		return ReviewSectionsOutput{}, generationError(pipeline.StageQuality, err)
	}
	return ReviewSectionsOutput{Sections: sections}, nil
}

func (a *Activities) SaveDocumentActivity(ctx context.Context, in SaveDocumentInput) (SaveDocumentOutput, error) {
	res, err := a.gen.Save(ctx, in.Request, in.Outline, in.Sections)
	if err != nil {
		return SaveDocumentOutput{}, generationError(pipeline.StageSaving, err)
	}
	return SaveDocumentOutput{
		QualityScore: res.QualityScore,
		Sections:     len(res.Sections),
		Citations:    len(res.Bibliography),
		ArtifactsDir: res.ArtifactsDir,
	}, nil
}

// FailGenerationActivity marks the project failed. It is idempotent, so retries are safe.
func (a *Activities) FailGenerationActivity(ctx context.Context, in FailGenerationInput) (FailGenerationOutput, error) {
	perr := a.gen.Fail(ctx, in.Request, in.Stage, pipeline.NewError(in.Stage, in.Category, errors.New(in.Cause)))
	return FailGenerationOutput{Category: perr.Category, Message: perr.Message}, nil
}

// generationError turns a stage failure into an application error typed by its category.
// Failures that cannot succeed on retry are non-retryable.
func generationError(stage pipeline.Stage, err error) error {
	if err == nil {
		return nil
	}
	perr := pipeline.Classify(stage, err)
	switch perr.Category {
	case pipeline.CategoryNoPapers, pipeline.CategoryProviderQuota, pipeline.CategoryContextLength, pipeline.CategoryCancelled:
		return temporal.NewNonRetryableApplicationError(err.Error(), string(perr.Category), err)
	}
	if errors.Is(err, util.ErrPermanent) {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(perr.Category), err)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), string(perr.Category), err)
}

// EnqueueJobActivity adds one ingestion job. Fast-track requests finish inside the activity.
func (a *Activities) EnqueueJobActivity(ctx context.Context, req queue.JobRequest) (EnqueueJobOutput, error) {
	if req.FastTrack {
		job, err := a.ingest.FastTrackJob(ctx, req)
		if err != nil {
			return EnqueueJobOutput{}, ingestError(err)
		}
		return EnqueueJobOutput{JobID: job.JobID, Job: &job}, nil
	}
	id, err := a.ingest.AddJob(ctx, req)
	if err != nil {
		return EnqueueJobOutput{}, ingestError(err)
	}
	return EnqueueJobOutput{JobID: id}, nil
}

func ingestError(err error) error {
	switch {
	case errors.Is(err, util.ErrQuotaExceeded):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeQuotaExceeded, err)
	case errors.Is(err, util.ErrFastTrackTooLarge):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFastTrackTooLarge, err)
	case errors.Is(err, util.ErrFastTrackFailed):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFastTrackFailed, err)
	}
	return err
}

// AwaitJobActivity polls the queue until the job is terminal, heartbeating the last status seen.
func (a *Activities) AwaitJobActivity(ctx context.Context, in AwaitJobInput) (JobOutcome, error) {
	interval := time.Duration(in.PollInterval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := a.lookup(ctx, in.JobID)
		if err != nil {
			return JobOutcome{}, err
		}
		activity.RecordHeartbeat(ctx, job.Status)
		if job.Status.Terminal() {
			return outcome(job), nil
		}
		select {
		case <-ctx.Done():
			return JobOutcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Activities) lookup(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	if job, ok := a.ingest.GetJobStatus(jobID); ok {
		return job, nil
	}
	job, err := a.ingest.JobHistory(ctx, jobID)
	if errors.Is(err, util.ErrNotFound) {
		return models.ProcessingJob{}, temporal.NewNonRetryableApplicationError(fmt.Sprintf("job %s not found", jobID), "NotFound", err)
	}
	return job, err
}

func outcome(job models.ProcessingJob) JobOutcome {
	return JobOutcome{
		JobID:     job.JobID,
		PaperID:   job.PaperID,
		Status:    job.Status,
		Attempts:  job.Attempts,
		LastError: job.LastError,
	}
}
