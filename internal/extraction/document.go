package extraction

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

const (
	highWordsPerPage   = 100
	mediumWordsPerPage = 30
)

// Document wraps the raw PDF bytes and lazily caches what several strategies need.
type Document struct {
	Data []byte

	textOnce  sync.Once
	text      string
	textPages int
	textErr   error

	pagesOnce sync.Once
	pages     int

	mu      sync.Mutex
	partial *models.ExtractionResult
}

func NewDocument(data []byte) *Document {
	return &Document{Data: data}
}

// TextLayer returns the embedded text of the PDF and the page count the text reader saw.
func (d *Document) TextLayer() (string, int, error) {
	d.textOnce.Do(func() {
		d.text, d.textPages, d.textErr = readTextLayer(d.Data)
	})
	return d.text, d.textPages, d.textErr
}

func readTextLayer(data []byte) (text string, pages int, err error) {
	// ledongthuc/pdf panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read text layer: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", r.NumPage(), fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, plain); err != nil {
		return "", r.NumPage(), fmt.Errorf("read extracted text: %w", err)
	}
	return util.SanitizeText(strings.TrimSpace(buf.String())), r.NumPage(), nil
}

// PageCount prefers pdfcpu and falls back to the text reader.
func (d *Document) PageCount() int {
	d.pagesOnce.Do(func() {
		if n, err := pdfcpuPageCount(d.Data); err == nil && n > 0 {
			d.pages = n
			return
		}
		_, n, _ := d.TextLayer()
		d.pages = n
	})
	return d.pages
}

func pdfcpuPageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu: %v", r)
		}
	}()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, err
	}
	return ctx.PageCount, nil
}

func (d *Document) WordsPerPage() float64 {
	text, _, _ := d.TextLayer()
	pages := d.PageCount()
	if pages <= 0 {
		pages = 1
	}
	return float64(len(strings.Fields(text))) / float64(pages)
}

// LooksScanned reports a weak or missing text layer.
func (d *Document) LooksScanned() bool {
	return d.WordsPerPage() < mediumWordsPerPage
}

func textLayerConfidence(wpp float64) models.Confidence {
	switch {
	case wpp >= highWordsPerPage:
		return models.ConfidenceHigh
	case wpp >= mediumWordsPerPage:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func (d *Document) keepPartial(r *models.ExtractionResult) {
	if r == nil || strings.TrimSpace(r.FullText) == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.partial == nil || len(strings.Fields(r.FullText)) > len(strings.Fields(d.partial.FullText)) {
		cp := *r
		d.partial = &cp
	}
}

// BestPartial is the longest low-confidence text seen so far.
func (d *Document) BestPartial() *models.ExtractionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partial
}

// headerTitleAndAuthors guesses from the first non-empty lines of the text.
func headerTitleAndAuthors(text string) (string, []string) {
	s := bufio.NewScanner(strings.NewReader(text))
	lines := make([]string, 0, 2)
	for s.Scan() && len(lines) < 2 {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	var title string
	var authors []string
	if len(lines) > 0 {
		title = util.Clip(lines[0], 300)
	}
	if len(lines) > 1 {
		for _, a := range strings.FieldsFunc(lines[1], func(r rune) bool { return r == ',' || r == ';' }) {
			a = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(a), "and "))
			if a != "" && len(strings.Fields(a)) <= 4 {
				authors = append(authors, a)
			}
		}
	}
	return title, authors
}
