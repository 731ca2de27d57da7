package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genpaper/internal/literature"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/util"
)

// errSkip means a strategy does not apply to this document.
var errSkip = errors.New("strategy skipped")

type Options struct {
	GrobidEndpoint string
	EnableOCR      bool
	MaxTimeout     time.Duration
}

type Strategy interface {
	Method() models.ExtractionMethod
	Extract(ctx context.Context, doc *Document, opts Options) (*models.ExtractionResult, error)
}

type MetadataResolver interface {
	LookupDOI(ctx context.Context, doi string) (literature.PaperMetadata, error)
}

type Engine struct {
	log        *logger.Logger
	strategies []Strategy
}

// NewEngine builds the standard chain: doi-lookup, grobid, text-layer, ocr, fallback.
// resolver and ocr may be nil; the matching strategy then skips.
func NewEngine(log *logger.Logger, resolver MetadataResolver, ocr OCR) *Engine {
	return NewEngineWithStrategies(log,
		&doiStrategy{resolver: resolver},
		newGrobidStrategy(),
		textLayerStrategy{},
		&ocrStrategy{ocr: ocr},
		fallbackStrategy{},
	)
}

func NewEngineWithStrategies(log *logger.Logger, strategies ...Strategy) *Engine {
	return &Engine{log: log.With("component", "extraction"), strategies: strategies}
}

// Extract runs the strategies in order and returns the first result that is not low confidence.
// When every strategy is weak the last low-confidence result is returned.
func (e *Engine) Extract(ctx context.Context, data []byte, opts Options) (*models.ExtractionResult, error) {
	start := time.Now()
	if opts.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxTimeout)
		defer cancel()
	}
	doc := NewDocument(data)
	var (
		meta  models.ExtractionResult
		notes []string
		last  *models.ExtractionResult
	)
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extract pdf: %w", err)
		}
		res, err := s.Extract(ctx, doc, opts)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			e.log.Debug("extraction strategy failed", "method", s.Method(), "error", err)
			notes = append(notes, fmt.Sprintf("%s: %v", s.Method(), err))
			continue
		}
		if res == nil {
			continue
		}
		res.Method = s.Method()
		mergeMetadata(&meta, res)
		if res.Confidence != models.ConfidenceLow {
			return e.finish(doc, res, meta, notes, start), nil
		}
		notes = append(notes, fmt.Sprintf("%s: low confidence", s.Method()))
		doc.keepPartial(res)
		last = res
	}
	if last == nil || strings.TrimSpace(last.FullText) == "" {
		return nil, fmt.Errorf("extract pdf: %w: %w", util.ErrExtractionFailure, util.ErrNoExtractableText)
	}
	return e.finish(doc, last, meta, notes, start), nil
}

func (e *Engine) finish(doc *Document, res *models.ExtractionResult, meta models.ExtractionResult, notes []string, start time.Time) *models.ExtractionResult {
	out := *res
	mergeMetadata(&out, &meta)
	if out.Title == "" || len(out.Authors) == 0 {
		title, authors := headerTitleAndAuthors(out.FullText)
		if out.Title == "" {
			out.Title = title
		}
		if len(out.Authors) == 0 {
			out.Authors = authors
		}
	}
	if out.DOI == "" {
		header := out.FullText
		if len(header) > doiHeaderChars {
			header = header[:doiHeaderChars]
		}
		out.DOI = util.FindDOI(header)
	}
	out.PageCount = doc.PageCount()
	out.WordCount = len(strings.Fields(out.FullText))
	out.Scanned = doc.LooksScanned()
	out.Notes = append(notes, out.Notes...)
	out.ExtractionTimeMs = time.Since(start).Milliseconds()
	e.log.Info("pdf extracted",
		"method", out.Method, "confidence", out.Confidence,
		"pages", out.PageCount, "words", out.WordCount, "ms", out.ExtractionTimeMs)
	return &out
}

// mergeMetadata copies bibliographic fields from src into dst where dst has none.
func mergeMetadata(dst, src *models.ExtractionResult) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.Abstract == "" {
		dst.Abstract = src.Abstract
	}
	if dst.DOI == "" {
		dst.DOI = src.DOI
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
}
