package storage

import (
	"context"
	"fmt"
)

type LLMCallRecord struct {
	Operation    string
	ProjectID    string
	ProviderName string
	Model        string
	Status       string
	ErrorType    string
	LatencyMs    int64
}

type LLMAuditRepo struct {
	db *DB
}

func NewLLMAuditRepo(db *DB) *LLMAuditRepo {
	return &LLMAuditRepo{db: db}
}

func (r *LLMAuditRepo) Insert(ctx context.Context, rec LLMCallRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO llm_calls(operation, project_id, provider_name, model, status, error_type, latency_ms)
VALUES ($1, NULLIF($2,''), $3, $4, $5, NULLIF($6,''), $7)`,
		rec.Operation, rec.ProjectID, rec.ProviderName, rec.Model, rec.Status, rec.ErrorType, rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}
