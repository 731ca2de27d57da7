package literature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"genpaper/internal/util"
)

type Crossref struct {
	client
}

func NewCrossref(baseURL, mailto string, perSecond float64) *Crossref {
	if baseURL == "" {
		baseURL = "https://api.crossref.org"
	}
	return &Crossref{client: newClient(baseURL, mailto, perSecond)}
}

type crossrefItem struct {
	DOI            string   `json:"DOI"`
	Title          []string `json:"title"`
	ContainerTitle []string `json:"container-title"`
	Abstract       string   `json:"abstract"`
	URL            string   `json:"URL"`
	ReferencedBy   int      `json:"is-referenced-by-count"`
	Issued         struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
	Author []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
		Name   string `json:"name"`
	} `json:"author"`
	Link []struct {
		URL         string `json:"URL"`
		ContentType string `json:"content-type"`
	} `json:"link"`
}

var jatsTag = regexp.MustCompile(`<[^>]+>`)

func (it crossrefItem) toMetadata() PaperMetadata {
	m := PaperMetadata{
		Source:        "crossref",
		ExternalID:    it.DOI,
		DOI:           util.NormalizeDOI(it.DOI),
		URL:           it.URL,
		CitationCount: it.ReferencedBy,
		Abstract:      strings.TrimSpace(jatsTag.ReplaceAllString(it.Abstract, " ")),
	}
	m.Abstract = strings.Join(strings.Fields(m.Abstract), " ")
	if len(it.Title) > 0 {
		m.Title = it.Title[0]
	}
	if len(it.ContainerTitle) > 0 {
		m.Venue = it.ContainerTitle[0]
	}
	if len(it.Issued.DateParts) > 0 && len(it.Issued.DateParts[0]) > 0 {
		m.Year = it.Issued.DateParts[0][0]
	}
	for _, a := range it.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name == "" {
			name = a.Name
		}
		if name != "" {
			m.Authors = append(m.Authors, name)
		}
	}
	for _, l := range it.Link {
		if strings.Contains(l.ContentType, "pdf") {
			m.PDFURL = l.URL
			break
		}
	}
	return m
}

func (c *Crossref) Search(ctx context.Context, query string, limit int) ([]PaperMetadata, error) {
	if limit <= 0 {
		limit = 10
	}
	u := fmt.Sprintf("%s/works?query=%s&rows=%d", c.baseURL, url.QueryEscape(query), limit)
	if c.mailto != "" {
		u += "&mailto=" + url.QueryEscape(c.mailto)
	}
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("crossref search: %w", err)
	}
	var data struct {
		Message struct {
			Items []crossrefItem `json:"items"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode crossref response: %w", err)
	}
	out := make([]PaperMetadata, 0, len(data.Message.Items))
	for _, it := range data.Message.Items {
		m := it.toMetadata()
		if strings.TrimSpace(m.Title) == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// LookupDOI resolves a single DOI to its metadata record.
func (c *Crossref) LookupDOI(ctx context.Context, doi string) (PaperMetadata, error) {
	doi = util.NormalizeDOI(doi)
	if doi == "" {
		return PaperMetadata{}, fmt.Errorf("lookup doi: %w", util.ErrNotFound)
	}
	body, err := c.get(ctx, c.baseURL+"/works/"+url.PathEscape(doi))
	if err != nil {
		return PaperMetadata{}, fmt.Errorf("lookup doi %s: %w", doi, err)
	}
	var data struct {
		Message crossrefItem `json:"message"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return PaperMetadata{}, fmt.Errorf("decode crossref work: %w", err)
	}
	return data.Message.toMetadata(), nil
}
