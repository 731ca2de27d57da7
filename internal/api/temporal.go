package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tclient "go.temporal.io/sdk/client"

	"genpaper/internal/pipeline"
	"genpaper/internal/queue"
	"genpaper/internal/util"
	"genpaper/internal/workflows"
)

// Workflows is the part of the workflow engine the API drives.
type Workflows interface {
	StartGeneration(ctx context.Context, req pipeline.Request) (workflowID, runID string, err error)
	GenerationProgress(ctx context.Context, projectID string) (workflows.GenerationProgress, error)
	CancelGeneration(ctx context.Context, projectID string) error
	StartIngest(ctx context.Context, req queue.JobRequest) (workflowID string, err error)
	IngestStatus(ctx context.Context, workflowID string) (workflows.IngestJobStatus, error)
}

func GenerationWorkflowID(projectID string) string {
	return "generate-" + projectID
}

type TemporalWorkflows struct {
	client    tclient.Client
	taskQueue string
}

func NewTemporalWorkflows(c tclient.Client, taskQueue string) *TemporalWorkflows {
	return &TemporalWorkflows{client: c, taskQueue: taskQueue}
}

func (t *TemporalWorkflows) options(id string) tclient.StartWorkflowOptions {
	return tclient.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                t.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
}

func (t *TemporalWorkflows) StartGeneration(ctx context.Context, req pipeline.Request) (string, string, error) {
	we, err := t.client.ExecuteWorkflow(ctx, t.options(GenerationWorkflowID(req.ProjectID)), workflows.PaperGenerationWorkflow, req)
	if err != nil {
		return "", "", fmt.Errorf("start generation: %w", temporalErr(err))
	}
	return we.GetID(), we.GetRunID(), nil
}

func (t *TemporalWorkflows) GenerationProgress(ctx context.Context, projectID string) (workflows.GenerationProgress, error) {
	var p workflows.GenerationProgress
	resp, err := t.client.QueryWorkflow(ctx, GenerationWorkflowID(projectID), "", workflows.QueryProgress)
	if err != nil {
		return p, fmt.Errorf("query progress: %w", temporalErr(err))
	}
	if err := resp.Get(&p); err != nil {
		return p, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}

func (t *TemporalWorkflows) CancelGeneration(ctx context.Context, projectID string) error {
	if err := t.client.CancelWorkflow(ctx, GenerationWorkflowID(projectID), ""); err != nil {
		return fmt.Errorf("cancel generation: %w", temporalErr(err))
	}
	return nil
}

func (t *TemporalWorkflows) StartIngest(ctx context.Context, req queue.JobRequest) (string, error) {
	we, err := t.client.ExecuteWorkflow(ctx, t.options("ingest-"+uuid.NewString()), workflows.IngestJobWorkflow, req)
	if err != nil {
		return "", fmt.Errorf("start ingest: %w", temporalErr(err))
	}
	return we.GetID(), nil
}

func (t *TemporalWorkflows) IngestStatus(ctx context.Context, workflowID string) (workflows.IngestJobStatus, error) {
	var st workflows.IngestJobStatus
	resp, err := t.client.QueryWorkflow(ctx, workflowID, "", workflows.QueryJobStatus)
	if err != nil {
		return st, fmt.Errorf("query job status: %w", temporalErr(err))
	}
	if err := resp.Get(&st); err != nil {
		return st, fmt.Errorf("decode job status: %w", err)
	}
	return st, nil
}

func temporalErr(err error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", util.ErrNotFound, notFound.Error())
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return ErrGenerationRunning
	}
	return err
}
