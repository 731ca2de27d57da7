package extraction

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

const doiHeaderChars = 4000

type doiStrategy struct {
	resolver MetadataResolver
}

func (s *doiStrategy) Method() models.ExtractionMethod { return models.MethodDOILookup }

func (s *doiStrategy) Extract(ctx context.Context, doc *Document, _ Options) (*models.ExtractionResult, error) {
	if s.resolver == nil {
		return nil, errSkip
	}
	text, _, err := doc.TextLayer()
	if err != nil || text == "" {
		return nil, errSkip
	}
	header := text
	if len(header) > doiHeaderChars {
		header = header[:doiHeaderChars]
	}
	doi := util.FindDOI(header)
	if doi == "" {
		return nil, errSkip
	}
	meta, err := s.resolver.LookupDOI(ctx, doi)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", doi, err)
	}
	conf := models.ConfidenceHigh
	if doc.LooksScanned() {
		conf = models.ConfidenceLow
	}
	return &models.ExtractionResult{
		FullText:   text,
		Confidence: conf,
		Title:      meta.Title,
		Authors:    meta.Authors,
		Abstract:   meta.Abstract,
		DOI:        doi,
		Year:       meta.Year,
	}, nil
}

type textLayerStrategy struct{}

func (textLayerStrategy) Method() models.ExtractionMethod { return models.MethodTextLayer }

func (textLayerStrategy) Extract(_ context.Context, doc *Document, _ Options) (*models.ExtractionResult, error) {
	text, _, err := doc.TextLayer()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, util.ErrNoExtractableText
	}
	return &models.ExtractionResult{
		FullText:   text,
		Confidence: textLayerConfidence(doc.WordsPerPage()),
	}, nil
}

type fallbackStrategy struct{}

func (fallbackStrategy) Method() models.ExtractionMethod { return models.MethodFallback }

func (fallbackStrategy) Extract(_ context.Context, doc *Document, _ Options) (*models.ExtractionResult, error) {
	if p := doc.BestPartial(); p != nil {
		out := *p
		out.Confidence = models.ConfidenceLow
		out.Notes = append(out.Notes, fmt.Sprintf("best partial from %s", p.Method))
		return &out, nil
	}
	text := rawStringScan(doc.Data)
	if text == "" {
		return nil, util.ErrNoExtractableText
	}
	return &models.ExtractionResult{
		FullText:   text,
		Confidence: models.ConfidenceLow,
		Notes:      []string{"raw content stream scan"},
	}, nil
}

var (
	tjString = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*T[jJ']`)
	tjArray  = regexp.MustCompile(`\[((?:\\.|[^\]])*)\]\s*TJ`)
	arrayStr = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
)

// rawStringScan pulls literal strings out of uncompressed content streams.
func rawStringScan(data []byte) string {
	var b strings.Builder
	add := func(s []byte) {
		s = unescapePDFString(s)
		if len(bytes.TrimSpace(s)) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.Write(s)
	}
	for _, m := range tjString.FindAllSubmatch(data, -1) {
		add(m[1])
	}
	for _, m := range tjArray.FindAllSubmatch(data, -1) {
		for _, s := range arrayStr.FindAllSubmatch(m[1], -1) {
			add(s[1])
		}
	}
	return util.SanitizeText(strings.Join(strings.Fields(b.String()), " "))
}

func unescapePDFString(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			out = append(out, s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'r', 't':
			out = append(out, ' ')
		default:
			out = append(out, s[i])
		}
	}
	return out
}
