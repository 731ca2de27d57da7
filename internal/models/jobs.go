package models

import "time"

type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
)

// Rank orders priorities; higher runs first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPoisoned   JobStatus = "poisoned"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPoisoned
}

type ProcessingJob struct {
	JobID         string            `json:"job_id"`
	PaperID       string            `json:"paper_id"`
	SourceURL     string            `json:"source_url"`
	Title         string            `json:"title"`
	OwnerID       string            `json:"owner_id"`
	Priority      JobPriority       `json:"priority"`
	Status        JobStatus         `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	EnableOCR     bool              `json:"enable_ocr"`
	FastTrack     bool              `json:"fast_track"`
	SizeBytes     int64             `json:"size_bytes,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	Result        *ExtractionResult `json:"result,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
}

type ExtractionMethod string

const (
	MethodDOILookup ExtractionMethod = "doi-lookup"
	MethodGrobid    ExtractionMethod = "grobid"
	MethodTextLayer ExtractionMethod = "text-layer"
	MethodOCR       ExtractionMethod = "ocr"
	MethodFallback  ExtractionMethod = "fallback"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type ExtractionResult struct {
	FullText         string           `json:"full_text"`
	Method           ExtractionMethod `json:"method"`
	Confidence       Confidence       `json:"confidence"`
	Title            string           `json:"title,omitempty"`
	Authors          []string         `json:"authors,omitempty"`
	Abstract         string           `json:"abstract,omitempty"`
	DOI              string           `json:"doi,omitempty"`
	Year             int              `json:"year,omitempty"`
	WordCount        int              `json:"word_count"`
	PageCount        int              `json:"page_count"`
	Scanned          bool             `json:"scanned"`
	Notes            []string         `json:"notes,omitempty"`
	ExtractionTimeMs int64            `json:"extraction_time_ms"`
}

type UserQuota struct {
	OwnerID         string    `json:"owner_id"`
	DailyPDFLimit   int       `json:"daily_pdf_limit"`
	DailyPDFUsed    int       `json:"daily_pdf_used"`
	MonthlyOCRLimit int       `json:"monthly_ocr_limit"`
	MonthlyOCRUsed  int       `json:"monthly_ocr_used"`
	DailyResetAt    time.Time `json:"daily_reset_at"`
	MonthlyResetAt  time.Time `json:"monthly_reset_at"`
}
