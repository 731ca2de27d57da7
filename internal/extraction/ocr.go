package extraction

import (
	"context"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

// Vision accepts at most five pages of inline PDF content per file request.
const ocrWindowPages = 5

type OCR interface {
	OCRPDF(ctx context.Context, data []byte, pages int) (string, error)
}

type ocrStrategy struct {
	ocr OCR
}

func (s *ocrStrategy) Method() models.ExtractionMethod { return models.MethodOCR }

func (s *ocrStrategy) Extract(ctx context.Context, doc *Document, opts Options) (*models.ExtractionResult, error) {
	if s.ocr == nil || !opts.EnableOCR || !doc.LooksScanned() {
		return nil, errSkip
	}
	pages := doc.PageCount()
	if pages <= 0 {
		pages = 1
	}
	text, err := s.ocr.OCRPDF(ctx, doc.Data, pages)
	if err != nil {
		return nil, err
	}
	text = util.SanitizeText(strings.TrimSpace(text))
	if text == "" {
		return nil, util.ErrNoExtractableText
	}
	wpp := float64(len(strings.Fields(text))) / float64(pages)
	conf := models.ConfidenceMedium
	if wpp >= highWordsPerPage {
		conf = models.ConfidenceHigh
	}
	return &models.ExtractionResult{FullText: text, Confidence: conf}, nil
}

type VisionOCR struct {
	client *vision.ImageAnnotatorClient
}

// ClientOptionsFromEnv reads GOOGLE_APPLICATION_CREDENTIALS(_JSON) as a path or inline JSON.
func ClientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func NewVisionOCR(ctx context.Context, opts ...option.ClientOption) (*VisionOCR, error) {
	c, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionOCR{client: c}, nil
}

func (v *VisionOCR) Close() error {
	if v == nil || v.client == nil {
		return nil
	}
	return v.client.Close()
}

func (v *VisionOCR) OCRPDF(ctx context.Context, data []byte, pages int) (string, error) {
	var b strings.Builder
	for first := 1; first <= pages; first += ocrWindowPages {
		window := make([]int32, 0, ocrWindowPages)
		for p := first; p < first+ocrWindowPages && p <= pages; p++ {
			window = append(window, int32(p))
		}
		resp, err := v.client.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
			Requests: []*visionpb.AnnotateFileRequest{{
				InputConfig: &visionpb.InputConfig{Content: data, MimeType: "application/pdf"},
				Features:    []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
				Pages:       window,
			}},
		})
		if err != nil {
			return "", fmt.Errorf("vision BatchAnnotateFiles: %w", err)
		}
		for _, fr := range resp.GetResponses() {
			if fr.GetError().GetMessage() != "" {
				return "", fmt.Errorf("vision annotate error: %s", fr.GetError().GetMessage())
			}
			for _, ir := range fr.GetResponses() {
				if t := strings.TrimSpace(ir.GetFullTextAnnotation().GetText()); t != "" {
					b.WriteString(t)
					b.WriteString("\n\n")
				}
			}
		}
	}
	return b.String(), nil
}
