package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"genpaper/internal/activities"
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
	"genpaper/internal/queue"
)

func registerActivityName[T any](env *testsuite.TestWorkflowEnvironment, name string, fn T) {
	env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func registerGenerationActivities(env *testsuite.TestWorkflowEnvironment) {
	registerActivityName(env, "BeginGenerationActivity", func(context.Context, pipeline.Request) error { return nil })
	registerActivityName(env, "MarkStageActivity", func(context.Context, activities.StageInput) error { return nil })
	registerActivityName(env, "SearchPapersActivity", func(context.Context, pipeline.Request) (activities.SearchPapersOutput, error) {
		return activities.SearchPapersOutput{}, nil
	})
	registerActivityName(env, "OutlineActivity", func(context.Context, activities.OutlineInput) (models.Outline, error) {
		return models.Outline{}, nil
	})
	registerActivityName(env, "BuildContextsActivity", func(context.Context, activities.BuildContextsInput) (activities.BuildContextsOutput, error) {
		return activities.BuildContextsOutput{}, nil
	})
	registerActivityName(env, "GenerateSectionsActivity", func(context.Context, activities.GenerateSectionsInput) (activities.GenerateSectionsOutput, error) {
		return activities.GenerateSectionsOutput{}, nil
	})
	registerActivityName(env, "ReviewSectionsActivity", func(context.Context, activities.ReviewSectionsInput) (activities.ReviewSectionsOutput, error) {
		return activities.ReviewSectionsOutput{}, nil
	})
	registerActivityName(env, "SaveDocumentActivity", func(context.Context, activities.SaveDocumentInput) (activities.SaveDocumentOutput, error) {
		return activities.SaveDocumentOutput{}, nil
	})
	registerActivityName(env, "FailGenerationActivity", func(context.Context, activities.FailGenerationInput) (activities.FailGenerationOutput, error) {
		return activities.FailGenerationOutput{}, nil
	})
}

var generationRequest = pipeline.Request{ProjectID: "proj1", Topic: "transformers"}

func mockHappyPath(env *testsuite.TestWorkflowEnvironment, outlineDelay time.Duration) {
	papers := []models.Paper{{PaperID: "p1"}}
	outline := models.Outline{Title: "T", Sections: []models.OutlineSection{{Key: "intro", Title: "Intro"}}}
	env.OnActivity("BeginGenerationActivity", mock.Anything, generationRequest).Return(nil)
	env.OnActivity("MarkStageActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("SearchPapersActivity", mock.Anything, generationRequest).Return(activities.SearchPapersOutput{Papers: papers}, nil)
	env.OnActivity("OutlineActivity", mock.Anything, mock.Anything).After(outlineDelay).Return(outline, nil)
	env.OnActivity("BuildContextsActivity", mock.Anything, mock.Anything).Return(activities.BuildContextsOutput{Contexts: []models.SectionContext{{Section: outline.Sections[0]}}}, nil)
	env.OnActivity("GenerateSectionsActivity", mock.Anything, mock.Anything).Return(activities.GenerateSectionsOutput{Drafts: []models.SectionDraft{{SectionKey: "intro"}}}, nil)
	env.OnActivity("ReviewSectionsActivity", mock.Anything, mock.Anything).Return(activities.ReviewSectionsOutput{Sections: []models.ReviewedSection{{Score: 80}}}, nil)
	env.OnActivity("SaveDocumentActivity", mock.Anything, mock.Anything).Return(activities.SaveDocumentOutput{QualityScore: 80, Sections: 1, Citations: 1}, nil)
}

func TestPaperGenerationWorkflowSuccess(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PaperGenerationWorkflow)
	registerGenerationActivities(env)
	mockHappyPath(env, 0)

	env.ExecuteWorkflow(PaperGenerationWorkflow, generationRequest)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out GenerationResult
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, GenerationResult{ProjectID: "proj1", Status: "complete", QualityScore: 80, Sections: 1, Citations: 1}, out)

	val, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var progress GenerationProgress
	require.NoError(t, val.Get(&progress))
	require.Equal(t, pipeline.StageComplete, progress.Stage)
	require.Equal(t, 100, progress.Percent)
	require.Equal(t, 1, progress.Papers)
	require.Equal(t, "done", progress.Steps[string(pipeline.StageSaving)])
	env.AssertNotCalled(t, "FailGenerationActivity", mock.Anything, mock.Anything)
}

func TestPaperGenerationWorkflowNoPapersFailsProject(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PaperGenerationWorkflow)
	registerGenerationActivities(env)

	env.OnActivity("BeginGenerationActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("MarkStageActivity", mock.Anything, mock.Anything).Return(nil)
	env.OnActivity("SearchPapersActivity", mock.Anything, mock.Anything).Return(activities.SearchPapersOutput{},
		temporal.NewNonRetryableApplicationError("no papers found for topic", activities.ErrTypeNoPapersFound, nil)).Once()
	var failIn activities.FailGenerationInput
	env.OnActivity("FailGenerationActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.FailGenerationInput) (activities.FailGenerationOutput, error) {
			failIn = in
			return activities.FailGenerationOutput{Category: in.Category, Message: "No papers were found."}, nil
		})

	env.ExecuteWorkflow(PaperGenerationWorkflow, generationRequest)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, pipeline.StageSearch, failIn.Stage)
	require.Equal(t, pipeline.CategoryNoPapers, failIn.Category)

	val, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var progress GenerationProgress
	require.NoError(t, val.Get(&progress))
	require.Equal(t, pipeline.StageFailed, progress.Stage)
	require.Equal(t, pipeline.CategoryNoPapers, progress.Category)
	require.Equal(t, "failed", progress.Steps[string(pipeline.StageSearch)])
	env.AssertNotCalled(t, "OutlineActivity", mock.Anything, mock.Anything)
}

func TestPaperGenerationWorkflowCancelledMidRun(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PaperGenerationWorkflow)
	registerGenerationActivities(env)
	mockHappyPath(env, time.Minute)

	var failIn activities.FailGenerationInput
	env.OnActivity("FailGenerationActivity", mock.Anything, mock.Anything).Return(
		func(_ context.Context, in activities.FailGenerationInput) (activities.FailGenerationOutput, error) {
			failIn = in
			return activities.FailGenerationOutput{Category: in.Category}, nil
		})
	env.RegisterDelayedCallback(env.CancelWorkflow, 10*time.Second)

	env.ExecuteWorkflow(PaperGenerationWorkflow, generationRequest)
	require.True(t, env.IsWorkflowCompleted())
	require.True(t, temporal.IsCanceledError(env.GetWorkflowError()))
	require.Equal(t, pipeline.CategoryCancelled, failIn.Category)
	require.Equal(t, pipeline.StageOutline, failIn.Stage)
	env.AssertNotCalled(t, "SaveDocumentActivity", mock.Anything, mock.Anything)
}

func registerIngestActivities(env *testsuite.TestWorkflowEnvironment) {
	registerActivityName(env, "EnqueueJobActivity", func(context.Context, queue.JobRequest) (activities.EnqueueJobOutput, error) {
		return activities.EnqueueJobOutput{}, nil
	})
	registerActivityName(env, "AwaitJobActivity", func(context.Context, activities.AwaitJobInput) (activities.JobOutcome, error) {
		return activities.JobOutcome{}, nil
	})
}

func TestIngestJobWorkflowWaitsForTerminalStatus(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IngestJobWorkflow)
	registerIngestActivities(env)

	req := queue.JobRequest{RequestID: "ingest-1", PaperID: "p1", SourceURL: "https://example.org/p1.pdf", OwnerID: "u1"}
	env.OnActivity("EnqueueJobActivity", mock.Anything, req).Return(activities.EnqueueJobOutput{JobID: "job-1"}, nil)
	env.OnActivity("AwaitJobActivity", mock.Anything, activities.AwaitJobInput{JobID: "job-1"}).Return(
		activities.JobOutcome{JobID: "job-1", PaperID: "p1", Status: models.JobCompleted, Attempts: 2}, nil)

	env.ExecuteWorkflow(IngestJobWorkflow, req)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out IngestJobStatus
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, IngestJobStatus{JobID: "job-1", PaperID: "p1", Status: models.JobCompleted, Attempts: 2}, out)
}

func TestIngestJobWorkflowFastTrackSkipsWait(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IngestJobWorkflow)
	registerIngestActivities(env)

	req := queue.JobRequest{RequestID: "ingest-2", PaperID: "p1", SourceURL: "https://example.org/p1.pdf", OwnerID: "u1", FastTrack: true}
	env.OnActivity("EnqueueJobActivity", mock.Anything, req).Return(activities.EnqueueJobOutput{
		JobID: "fast-1",
		Job:   &models.ProcessingJob{JobID: "fast-1", PaperID: "p1", Status: models.JobCompleted, Attempts: 1},
	}, nil)

	env.ExecuteWorkflow(IngestJobWorkflow, req)
	require.NoError(t, env.GetWorkflowError())
	var out IngestJobStatus
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, models.JobCompleted, out.Status)
	env.AssertNotCalled(t, "AwaitJobActivity", mock.Anything, mock.Anything)
}

func TestIngestJobWorkflowKeysEnqueueOnWorkflowID(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IngestJobWorkflow)
	registerIngestActivities(env)
	env.SetStartWorkflowOptions(client.StartWorkflowOptions{ID: "ingest-abc"})

	env.OnActivity("EnqueueJobActivity", mock.Anything, mock.MatchedBy(func(r queue.JobRequest) bool {
		return r.RequestID == "ingest-abc"
	})).Return(activities.EnqueueJobOutput{JobID: "job-1"}, nil).Once()
	env.OnActivity("AwaitJobActivity", mock.Anything, mock.Anything).Return(
		activities.JobOutcome{JobID: "job-1", PaperID: "p1", Status: models.JobCompleted, Attempts: 1}, nil)

	env.ExecuteWorkflow(IngestJobWorkflow, queue.JobRequest{PaperID: "p1", SourceURL: "https://example.org/p1.pdf", OwnerID: "u1"})
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestIngestJobWorkflowQuotaExceeded(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(IngestJobWorkflow)
	registerIngestActivities(env)

	env.OnActivity("EnqueueJobActivity", mock.Anything, mock.Anything).Return(activities.EnqueueJobOutput{},
		temporal.NewNonRetryableApplicationError("daily PDF quota exceeded", activities.ErrTypeQuotaExceeded, nil)).Once()

	env.ExecuteWorkflow(IngestJobWorkflow, queue.JobRequest{PaperID: "p1", SourceURL: "https://example.org/p1.pdf", OwnerID: "u1"})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	val, err := env.QueryWorkflow(QueryJobStatus)
	require.NoError(t, err)
	var status IngestJobStatus
	require.NoError(t, val.Get(&status))
	require.Equal(t, models.JobFailed, status.Status)
	require.Equal(t, activities.ErrTypeQuotaExceeded, status.ErrorType)
}
