package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

type ProjectRepo struct {
	db *DB
}

func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

func (r *ProjectRepo) CreateProject(ctx context.Context, p models.Project) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO projects (project_id, owner_id, title, topic, status) VALUES ($1::uuid, $2, $3, $4, $5)`,
		p.ProjectID, p.OwnerID, p.Title, p.Topic, string(models.ProjectDraft))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r *ProjectRepo) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	var status string
	var citationMap []byte
	err := r.db.Pool.QueryRow(ctx, `
SELECT project_id::text, owner_id, title, topic, status, COALESCE(stage,''), COALESCE(error_category,''),
       COALESCE(error_message,''), COALESCE(content,''), citation_map, quality_score, created_at, updated_at
FROM projects WHERE project_id=$1::uuid`, projectID).
		Scan(&p.ProjectID, &p.OwnerID, &p.Title, &p.Topic, &status, &p.Stage, &p.ErrorCategory,
			&p.ErrorMessage, &p.Content, &citationMap, &p.QualityScore, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", notFound(err))
	}
	p.Status = models.ProjectStatus(status)
	if len(citationMap) > 0 {
		if err := json.Unmarshal(citationMap, &p.CitationMap); err != nil {
			return models.Project{}, fmt.Errorf("decode citation map: %w", err)
		}
	}
	return p, nil
}

// MarkStatus records a lifecycle transition. Completed projects are never moved back.
func (r *ProjectRepo) MarkStatus(ctx context.Context, projectID string, status models.ProjectStatus, stage, category, message string) error {
	_, err := r.db.Pool.Exec(ctx, `
UPDATE projects SET status=$2, stage=NULLIF($3,''), error_category=NULLIF($4,''), error_message=NULLIF($5,''), updated_at=NOW()
WHERE project_id=$1::uuid AND status <> 'complete'`,
		projectID, string(status), stage, category, message)
	if err != nil {
		return fmt.Errorf("mark project status: %w", err)
	}
	return nil
}

// SaveResult persists the generated document and marks the project complete in one statement.
func (r *ProjectRepo) SaveResult(ctx context.Context, projectID, content string, citationMap map[string]models.CitationEntry, score float64) error {
	b, err := json.Marshal(citationMap)
	if err != nil {
		return fmt.Errorf("encode citation map: %w", err)
	}
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE projects SET content=$2, citation_map=$3, quality_score=$4, status='complete', stage='complete',
  error_category=NULL, error_message=NULL, updated_at=NOW()
WHERE project_id=$1::uuid`, projectID, content, b, score)
	if err != nil {
		return fmt.Errorf("save project result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save project result: %w", util.ErrNotFound)
	}
	return nil
}
