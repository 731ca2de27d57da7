package queue

import (
	"context"
	"time"

	"genpaper/internal/models"
)

type Store interface {
	SaveJob(ctx context.Context, j models.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (models.ProcessingJob, error)
	ListRecoverable(ctx context.Context) ([]models.ProcessingJob, error)
	RecordSourceFailure(ctx context.Context, sourceURL, jobID, reason string, at time.Time) error
	CountSourceFailures(ctx context.Context, sourceURL string, since time.Time) (int, error)
}

type QuotaStore interface {
	ReserveDailyPDF(ctx context.Context, ownerID string) error
	ReleaseDailyPDF(ctx context.Context, ownerID string) error
	OCRAvailable(ctx context.Context, ownerID string) (bool, error)
	RecordCompletion(ctx context.Context, ownerID string, usedOCR bool) error
}

type ProcessOptions struct {
	EnableOCR bool
}

// Processor does the actual work for one attempt of a job.
type Processor interface {
	Process(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error)
}

// Sizer reports the byte size of a source without downloading it. Unknown sizes are 0.
type Sizer interface {
	Size(ctx context.Context, sourceURL string) (int64, error)
}

type JobRequest struct {
	// RequestID makes enqueueing idempotent: the same id always maps to the same job.
	RequestID   string             `json:"request_id,omitempty"`
	PaperID     string             `json:"paper_id"`
	SourceURL   string             `json:"source_url"`
	Title       string             `json:"title"`
	OwnerID     string             `json:"owner_id"`
	Priority    models.JobPriority `json:"priority"`
	FastTrack   bool               `json:"fast_track"`
	EnableOCR   bool               `json:"enable_ocr"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	SizeBytes   int64              `json:"size_bytes,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

type Options struct {
	MaxConcurrent     int
	MaxAttempts       int
	PoisonThreshold   int
	PoisonWindow      time.Duration
	DefaultTimeout    time.Duration
	ExtendedTimeout   time.Duration
	LargeFileBytes    int64
	FastTrackMaxBytes int64
	// RetryUnit scales the backoff curve; one second in production.
	RetryUnit time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PoisonThreshold <= 0 {
		o.PoisonThreshold = 5
	}
	if o.PoisonWindow <= 0 {
		o.PoisonWindow = 24 * time.Hour
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.ExtendedTimeout <= 0 {
		o.ExtendedTimeout = 180 * time.Second
	}
	if o.LargeFileBytes <= 0 {
		o.LargeFileBytes = 10 << 20
	}
	if o.FastTrackMaxBytes <= 0 {
		o.FastTrackMaxBytes = 5 << 20
	}
	if o.RetryUnit <= 0 {
		o.RetryUnit = time.Second
	}
	return o
}

// Backoff is min(2^attempts, 30) seconds.
func Backoff(attempts int) time.Duration {
	return backoff(attempts, time.Second)
}

func backoff(attempts int, unit time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		return 30 * unit
	}
	d := time.Duration(1<<attempts) * unit
	if d > 30*unit {
		d = 30 * unit
	}
	return d
}
