package providers

import (
	"context"
	"time"

	"genpaper/internal/logger"
	"genpaper/internal/storage"
)

// AuditSink stores one row per LLM call.
type AuditSink interface {
	Insert(ctx context.Context, rec storage.LLMCallRecord) error
}

// AuditedLLM records provider, latency and outcome of every call. Audit failures are only logged.
type AuditedLLM struct {
	inner LLMProvider
	sink  AuditSink
	log   *logger.Logger
}

func NewAuditedLLM(inner LLMProvider, sink AuditSink, log *logger.Logger) *AuditedLLM {
	return &AuditedLLM{inner: inner, sink: sink, log: log.With("component", "llm_audit")}
}

func (a *AuditedLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	start := time.Now()
	resp, info, err := a.inner.Generate(ctx, req)
	rec := storage.LLMCallRecord{
		Operation:    req.Operation,
		ProjectID:    req.ProjectID,
		ProviderName: info.Name,
		Model:        info.Model,
		Status:       "ok",
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if rec.ProviderName == "" {
		rec.ProviderName = "unknown"
	}
	if err != nil {
		rec.Status = "failed"
		rec.ErrorType = string(ClassifyError(err))
	}
	if aerr := a.sink.Insert(context.WithoutCancel(ctx), rec); aerr != nil {
		a.log.Warn("llm audit insert failed", "operation", req.Operation, "error", aerr)
	}
	return resp, info, err
}
