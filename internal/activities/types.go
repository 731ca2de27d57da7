package activities

import (
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
)

type StageInput struct {
	ProjectID string         `json:"project_id"`
	Stage     pipeline.Stage `json:"stage"`
}

type SearchPapersOutput struct {
	Papers []models.Paper `json:"papers"`
}

type OutlineInput struct {
	Request pipeline.Request `json:"request"`
	Papers  []models.Paper   `json:"papers"`
}

type BuildContextsInput struct {
	Request pipeline.Request `json:"request"`
	Outline models.Outline   `json:"outline"`
	Papers  []models.Paper   `json:"papers"`
}

type BuildContextsOutput struct {
	Contexts []models.SectionContext `json:"contexts"`
}

type GenerateSectionsInput struct {
	Request  pipeline.Request        `json:"request"`
	Contexts []models.SectionContext `json:"contexts"`
}

type GenerateSectionsOutput struct {
	Drafts []models.SectionDraft `json:"drafts"`
}

type ReviewSectionsInput struct {
	Request  pipeline.Request        `json:"request"`
	Drafts   []models.SectionDraft   `json:"drafts"`
	Contexts []models.SectionContext `json:"contexts"`
}

type ReviewSectionsOutput struct {
	Sections []models.ReviewedSection `json:"sections"`
}

type SaveDocumentInput struct {
	Request  pipeline.Request         `json:"request"`
	Outline  models.Outline           `json:"outline"`
	Sections []models.ReviewedSection `json:"sections"`
}

type SaveDocumentOutput struct {
	QualityScore float64 `json:"quality_score"`
	Sections     int     `json:"sections"`
	Citations    int     `json:"citations"`
	ArtifactsDir string  `json:"artifacts_dir,omitempty"`
}

// FailGenerationInput carries a failure across the workflow boundary, where only the
// category and message of the original error survive.
type FailGenerationInput struct {
	Request  pipeline.Request  `json:"request"`
	Stage    pipeline.Stage    `json:"stage"`
	Category pipeline.Category `json:"category"`
	Cause    string            `json:"cause"`
}

type FailGenerationOutput struct {
	Category pipeline.Category `json:"category"`
	Message  string            `json:"message"`
}

type EnqueueJobOutput struct {
	JobID string `json:"job_id"`
	// Job is set when the request was fast-tracked and has already finished.
	Job *models.ProcessingJob `json:"job,omitempty"`
}

type AwaitJobInput struct {
	JobID        string `json:"job_id"`
	PollInterval int    `json:"poll_interval_seconds,omitempty"`
}

type JobOutcome struct {
	JobID     string           `json:"job_id"`
	PaperID   string           `json:"paper_id"`
	Status    models.JobStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
}
