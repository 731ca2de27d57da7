package workflows

import (
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
)

// GenerationProgress is what the progress query returns while a paper is being generated.
type GenerationProgress struct {
	ProjectID string            `json:"project_id"`
	Stage     pipeline.Stage    `json:"stage"`
	Percent   int               `json:"percent"`
	Message   string            `json:"message,omitempty"`
	Papers    int               `json:"papers"`
	Sections  int               `json:"sections"`
	Category  pipeline.Category `json:"category,omitempty"`
	Steps     map[string]string `json:"steps"`
}

type GenerationResult struct {
	ProjectID    string  `json:"project_id"`
	Status       string  `json:"status"`
	QualityScore float64 `json:"quality_score"`
	Sections     int     `json:"sections"`
	Citations    int     `json:"citations"`
	ArtifactsDir string  `json:"artifacts_dir,omitempty"`
}

type IngestJobStatus struct {
	JobID     string           `json:"job_id,omitempty"`
	PaperID   string           `json:"paper_id"`
	Status    models.JobStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
}
