package util

import "errors"

var (
	ErrNoExtractableText = errors.New("no extractable text found in PDF")

	// Ingestion.
	ErrQuotaExceeded     = errors.New("daily PDF quota exceeded")
	ErrExtractionFailure = errors.New("extraction failed")
	ErrJobTimeout        = errors.New("job timed out")
	ErrFastTrackFailed   = errors.New("fast-track processing failed")
	ErrFastTrackTooLarge = errors.New("document too large for fast track")
	ErrSourceNotAllowed  = errors.New("source url not allowed")

	// Generation.
	ErrNoPapersFound             = errors.New("no papers found for topic")
	ErrUnresolvedSourceReference = errors.New("source reference could not be resolved")
	ErrQualityCheck              = errors.New("quality review failed")
	ErrHallucinationCheck        = errors.New("hallucination check failed")
	ErrRewriteFailure            = errors.New("section rewrite failed")
	ErrPipelineFailure           = errors.New("generation pipeline failed")

	// Providers.
	ErrQuotaExhausted = errors.New("provider quota exhausted")
	ErrRateLimited    = errors.New("provider rate limited")
	ErrTransient      = errors.New("transient provider error")
	ErrPermanent      = errors.New("permanent provider error")
	ErrContextTooLong = errors.New("context too long")

	ErrNotFound = errors.New("not found")
)
