package literature

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"genpaper/internal/util"
)

const userAgent = "genpaper/1.0 (+https://github.com/genpaper)"

// PaperMetadata is one search hit from an external index.
type PaperMetadata struct {
	Source        string   `json:"source"`
	ExternalID    string   `json:"external_id"`
	DOI           string   `json:"doi,omitempty"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	Year          int      `json:"year,omitempty"`
	Venue         string   `json:"venue,omitempty"`
	Abstract      string   `json:"abstract,omitempty"`
	URL           string   `json:"url,omitempty"`
	PDFURL        string   `json:"pdf_url,omitempty"`
	CitationCount int      `json:"citation_count"`
}

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]PaperMetadata, error)
}

// client is the shared HTTP plumbing for the index clients.
type client struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	mailto  string
}

func newClient(baseURL, mailto string, perSecond float64) client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return client{
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: lim,
		baseURL: strings.TrimRight(baseURL, "/"),
		mailto:  mailto,
	}
}

func (c client) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, util.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", c.baseURL, util.ErrRateLimited)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s returned %d: %s", c.baseURL, resp.StatusCode, util.Clip(string(body), 200))
	}
	return body, nil
}
