package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"genpaper/internal/activities"
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
	"genpaper/internal/queue"
)

const (
	QueryProgress  = "GetProgress"
	QueryJobStatus = "GetJobStatus"
)

var (
	generationOptions = workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	statusOptions = workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	}
	enqueueOptions = workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    20 * time.Second,
			MaximumAttempts:    3,
		},
	}
	awaitOptions = workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
)

// PaperGenerationWorkflow runs the generation stages as activities. A run cancelled before it
// starts does nothing; a later cancellation or failure marks the project failed.
func PaperGenerationWorkflow(ctx workflow.Context, req pipeline.Request) (GenerationResult, error) {
	progress := GenerationProgress{
		ProjectID: req.ProjectID,
		Stage:     pipeline.StageInitialization,
		Steps:     map[string]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (GenerationProgress, error) {
		return progress, nil
	}); err != nil {
		return GenerationResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return GenerationResult{}, err
	}

	actCtx := workflow.WithActivityOptions(ctx, generationOptions)
	statusCtx := workflow.WithActivityOptions(ctx, statusOptions)

	enter := func(stage pipeline.Stage, msg string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress.Steps[string(progress.Stage)] = "done"
		progress.Stage = stage
		progress.Percent = stage.Progress()
		progress.Message = msg
		progress.Steps[string(stage)] = "processing"
		_ = workflow.ExecuteActivity(statusCtx, "MarkStageActivity", activities.StageInput{ProjectID: req.ProjectID, Stage: stage}).Get(statusCtx, nil)
		return nil
	}

	var (
		found    activities.SearchPapersOutput
		outline  models.Outline
		contexts activities.BuildContextsOutput
		drafts   activities.GenerateSectionsOutput
		reviewed activities.ReviewSectionsOutput
		saved    activities.SaveDocumentOutput
	)
	run := func() error {
		progress.Steps[string(pipeline.StageInitialization)] = "processing"
		if err := workflow.ExecuteActivity(actCtx, "BeginGenerationActivity", req).Get(actCtx, nil); err != nil {
			return err
		}

		if err := enter(pipeline.StageSearch, "searching literature"); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(actCtx, "SearchPapersActivity", req).Get(actCtx, &found); err != nil {
			return err
		}
		progress.Papers = len(found.Papers)

		if err := enter(pipeline.StageOutline, "planning outline"); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(actCtx, "OutlineActivity", activities.OutlineInput{Request: req, Papers: found.Papers}).Get(actCtx, &outline); err != nil {
			return err
		}
		progress.Sections = len(outline.Sections)

		if err := enter(pipeline.StageContext, "retrieving evidence"); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(actCtx, "BuildContextsActivity", activities.BuildContextsInput{Request: req, Outline: outline, Papers: found.Papers}).Get(actCtx, &contexts); err != nil {
			return err
		}

		if err := enter(pipeline.StageGeneration, "writing sections"); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(actCtx, "GenerateSectionsActivity", activities.GenerateSectionsInput{Request: req, Contexts: contexts.Contexts}).Get(actCtx, &drafts); err != nil {
			return err
		}

		if err := enter(pipeline.StageQuality, "reviewing sections"); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(actCtx, "ReviewSectionsActivity", activities.ReviewSectionsInput{Request: req, Drafts: drafts.Drafts, Contexts: contexts.Contexts}).Get(actCtx, &reviewed); err != nil {
			return err
		}

		if err := enter(pipeline.StageSaving, "saving document"); err != nil {
			return err
		}
		return workflow.ExecuteActivity(actCtx, "SaveDocumentActivity", activities.SaveDocumentInput{Request: req, Outline: outline, Sections: reviewed.Sections}).Get(actCtx, &saved)
	}
	if err := run(); err != nil {
		return GenerationResult{}, failGeneration(ctx, req, &progress, err)
	}

	progress.Steps[string(progress.Stage)] = "done"
	progress.Stage = pipeline.StageComplete
	progress.Percent = pipeline.StageComplete.Progress()
	progress.Message = "complete"
	return GenerationResult{
		ProjectID:    req.ProjectID,
		Status:       string(models.ProjectComplete),
		QualityScore: saved.QualityScore,
		Sections:     saved.Sections,
		Citations:    saved.Citations,
		ArtifactsDir: saved.ArtifactsDir,
	}, nil
}

// failGeneration records the failure from a disconnected context so it also runs after cancellation.
func failGeneration(ctx workflow.Context, req pipeline.Request, progress *GenerationProgress, cause error) error {
	stage := progress.Stage
	category := failureCategory(ctx, cause)

	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = workflow.WithActivityOptions(dctx, statusOptions)
	var out activities.FailGenerationOutput
	if err := workflow.ExecuteActivity(dctx, "FailGenerationActivity", activities.FailGenerationInput{
		Request:  req,
		Stage:    stage,
		Category: category,
		Cause:    cause.Error(),
	}).Get(dctx, &out); err != nil {
		workflow.GetLogger(ctx).Error("failed status not recorded", "project_id", req.ProjectID, "error", err)
	}

	progress.Steps[string(stage)] = "failed"
	progress.Stage = pipeline.StageFailed
	progress.Category = category
	progress.Message = out.Message
	return cause
}

func failureCategory(ctx workflow.Context, err error) pipeline.Category {
	if ctx.Err() != nil || temporal.IsCanceledError(err) {
		return pipeline.CategoryCancelled
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return pipeline.Category(appErr.Type())
	}
	if temporal.IsTimeoutError(err) {
		return pipeline.CategoryTimeout
	}
	return pipeline.CategoryInternal
}

// IngestJobWorkflow enqueues one paper on the worker's queue and waits for a terminal status.
func IngestJobWorkflow(ctx workflow.Context, req queue.JobRequest) (IngestJobStatus, error) {
	status := IngestJobStatus{PaperID: req.PaperID, Status: models.JobPending}
	if err := workflow.SetQueryHandler(ctx, QueryJobStatus, func() (IngestJobStatus, error) {
		return status, nil
	}); err != nil {
		return status, err
	}

	if req.RequestID == "" {
		req.RequestID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	enqCtx := workflow.WithActivityOptions(ctx, enqueueOptions)
	var enq activities.EnqueueJobOutput
	if err := workflow.ExecuteActivity(enqCtx, "EnqueueJobActivity", req).Get(enqCtx, &enq); err != nil {
		status.Status = models.JobFailed
		status.LastError = err.Error()
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) {
			status.ErrorType = appErr.Type()
		}
		return status, err
	}
	status.JobID = enq.JobID
	if enq.Job != nil {
		status.apply(activities.JobOutcome{JobID: enq.Job.JobID, PaperID: enq.Job.PaperID, Status: enq.Job.Status, Attempts: enq.Job.Attempts, LastError: enq.Job.LastError})
		return status, nil
	}

	awaitCtx := workflow.WithActivityOptions(ctx, awaitOptions)
	var out activities.JobOutcome
	if err := workflow.ExecuteActivity(awaitCtx, "AwaitJobActivity", activities.AwaitJobInput{JobID: enq.JobID}).Get(awaitCtx, &out); err != nil {
		return status, err
	}
	status.apply(out)
	return status, nil
}

func (s *IngestJobStatus) apply(o activities.JobOutcome) {
	s.JobID = o.JobID
	if o.PaperID != "" {
		s.PaperID = o.PaperID
	}
	s.Status = o.Status
	s.Attempts = o.Attempts
	s.LastError = o.LastError
}
