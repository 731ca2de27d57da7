package extraction

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"genpaper/internal/models"
)

type grobidStrategy struct {
	http *http.Client
}

func newGrobidStrategy() *grobidStrategy {
	return &grobidStrategy{http: &http.Client{Timeout: 120 * time.Second}}
}

func (g *grobidStrategy) Method() models.ExtractionMethod { return models.MethodGrobid }

func (g *grobidStrategy) Extract(ctx context.Context, doc *Document, opts Options) (*models.ExtractionResult, error) {
	endpoint := strings.TrimRight(opts.GrobidEndpoint, "/")
	if endpoint == "" {
		return nil, errSkip
	}
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("input", "paper.pdf")
	if err != nil {
		return nil, fmt.Errorf("build grobid form: %w", err)
	}
	if _, err := fw.Write(doc.Data); err != nil {
		return nil, fmt.Errorf("build grobid form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build grobid form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/processFulltextDocument", body)
	if err != nil {
		return nil, fmt.Errorf("build grobid request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/xml")
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grobid request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read grobid response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("grobid returned %d", resp.StatusCode)
	}
	return parseTEI(raw)
}

type teiDoc struct {
	Header struct {
		Title   string `xml:"fileDesc>titleStmt>title"`
		Authors []struct {
			Forename []string `xml:"persName>forename"`
			Surname  string   `xml:"persName>surname"`
		} `xml:"fileDesc>sourceDesc>biblStruct>analytic>author"`
		DOI      []teiIdno `xml:"fileDesc>sourceDesc>biblStruct>idno"`
		Abstract []string  `xml:"profileDesc>abstract>div>p"`
	} `xml:"teiHeader"`
	Divs []struct {
		Head  string   `xml:"head"`
		Paras []string `xml:"p"`
	} `xml:"text>body>div"`
}

type teiIdno struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

func parseTEI(raw []byte) (*models.ExtractionResult, error) {
	var tei teiDoc
	if err := xml.Unmarshal(raw, &tei); err != nil {
		return nil, fmt.Errorf("decode tei: %w", err)
	}
	res := &models.ExtractionResult{
		Title:    strings.TrimSpace(tei.Header.Title),
		Abstract: strings.TrimSpace(strings.Join(tei.Header.Abstract, "\n")),
	}
	for _, a := range tei.Header.Authors {
		name := strings.TrimSpace(strings.Join(append(a.Forename, a.Surname), " "))
		if name != "" {
			res.Authors = append(res.Authors, name)
		}
	}
	for _, id := range tei.Header.DOI {
		if strings.EqualFold(id.Type, "DOI") {
			res.DOI = strings.TrimSpace(id.Value)
		}
	}
	var b strings.Builder
	if res.Abstract != "" {
		b.WriteString("Abstract\n")
		b.WriteString(res.Abstract)
		b.WriteString("\n\n")
	}
	for _, d := range tei.Divs {
		if h := strings.TrimSpace(d.Head); h != "" {
			b.WriteString(h)
			b.WriteString("\n")
		}
		for _, p := range d.Paras {
			b.WriteString(strings.TrimSpace(p))
			b.WriteString("\n\n")
		}
	}
	res.FullText = strings.TrimSpace(b.String())
	words := len(strings.Fields(res.FullText))
	switch {
	case words >= 500:
		res.Confidence = models.ConfidenceHigh
	case words >= 100:
		res.Confidence = models.ConfidenceMedium
	default:
		res.Confidence = models.ConfidenceLow
	}
	return res, nil
}
