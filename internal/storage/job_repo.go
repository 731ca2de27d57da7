package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
)

type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `job_id::text, paper_id, source_url, title, owner_id, priority, status, attempts, max_attempts,
       enable_ocr, fast_track, size_bytes, COALESCE(last_error,''), extraction_result, metadata,
       created_at, started_at, completed_at, next_attempt_at`

func scanJob(row pgx.Row) (models.ProcessingJob, error) {
	var j models.ProcessingJob
	var result, meta []byte
	var priority, status string
	err := row.Scan(&j.JobID, &j.PaperID, &j.SourceURL, &j.Title, &j.OwnerID, &priority, &status, &j.Attempts,
		&j.MaxAttempts, &j.EnableOCR, &j.FastTrack, &j.SizeBytes, &j.LastError, &result, &meta,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.NextAttemptAt)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	j.Priority = models.JobPriority(priority)
	j.Status = models.JobStatus(status)
	if len(result) > 0 {
		var res models.ExtractionResult
		if err := json.Unmarshal(result, &res); err != nil {
			return models.ProcessingJob{}, fmt.Errorf("decode extraction result: %w", err)
		}
		j.Result = &res
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return models.ProcessingJob{}, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return j, nil
}

// SaveJob writes the full job row. Every queue transition goes through here.
func (r *JobRepo) SaveJob(ctx context.Context, j models.ProcessingJob) error {
	var result []byte
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("encode extraction result: %w", err)
		}
		result = b
	}
	meta := []byte("{}")
	if len(j.Metadata) > 0 {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return fmt.Errorf("encode job metadata: %w", err)
		}
		meta = b
	}
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO processing_jobs (job_id, paper_id, source_url, title, owner_id, priority, status, attempts, max_attempts,
  enable_ocr, fast_track, size_bytes, last_error, extraction_result, metadata, created_at, started_at, completed_at, next_attempt_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13,''), $14, $15, $16, $17, $18, $19)
ON CONFLICT (job_id)
DO UPDATE SET
  status = EXCLUDED.status,
  attempts = EXCLUDED.attempts,
  size_bytes = EXCLUDED.size_bytes,
  last_error = EXCLUDED.last_error,
  extraction_result = COALESCE(EXCLUDED.extraction_result, processing_jobs.extraction_result),
  metadata = EXCLUDED.metadata,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  next_attempt_at = EXCLUDED.next_attempt_at,
  updated_at = NOW()`,
		j.JobID, j.PaperID, j.SourceURL, j.Title, j.OwnerID, string(j.Priority), string(j.Status), j.Attempts, j.MaxAttempts,
		j.EnableOCR, j.FastTrack, j.SizeBytes, j.LastError, result, meta, j.CreatedAt, j.StartedAt, j.CompletedAt, j.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.JobID, err)
	}
	return nil
}

func (r *JobRepo) GetJob(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	j, err := scanJob(r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE job_id=$1::uuid`, jobID))
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("get job: %w", notFound(err))
	}
	return j, nil
}

// ListRecoverable returns jobs a previous process left pending or processing.
func (r *JobRepo) ListRecoverable(ctx context.Context) ([]models.ProcessingJob, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+jobColumns+` FROM processing_jobs
WHERE status IN ('pending','processing')
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list recoverable jobs: %w", err)
	}
	defer rows.Close()
	out := make([]models.ProcessingJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recoverable job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) RecordSourceFailure(ctx context.Context, sourceURL, jobID, reason string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO source_failures (source_url, job_id, error, failed_at) VALUES ($1, $2::uuid, NULLIF($3,''), $4)`,
		sourceURL, jobID, reason, at)
	if err != nil {
		return fmt.Errorf("record source failure: %w", err)
	}
	return nil
}

// CountSourceFailures counts distinct jobs that failed on sourceURL since the given time.
func (r *JobRepo) CountSourceFailures(ctx context.Context, sourceURL string, since time.Time) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
SELECT COUNT(DISTINCT job_id) FROM source_failures WHERE source_url=$1 AND failed_at >= $2`,
		sourceURL, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count source failures: %w", err)
	}
	return n, nil
}

func (r *JobRepo) PruneSourceFailures(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM source_failures WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune source failures: %w", err)
	}
	return tag.RowsAffected(), nil
}
