package literature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"genpaper/internal/util"
)

type OpenAlex struct {
	client
}

func NewOpenAlex(baseURL, mailto string, perSecond float64) *OpenAlex {
	if baseURL == "" {
		baseURL = "https://api.openalex.org"
	}
	return &OpenAlex{client: newClient(baseURL, mailto, perSecond)}
}

type openAlexWork struct {
	ID              string `json:"id"`
	DOI             string `json:"doi"`
	Title           string `json:"title"`
	DisplayName     string `json:"display_name"`
	PublicationYear int    `json:"publication_year"`
	CitedByCount    int    `json:"cited_by_count"`
	Authorships     []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	PrimaryLocation struct {
		LandingPageURL string `json:"landing_page_url"`
		PDFURL         string `json:"pdf_url"`
		Source         struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
	OpenAccess struct {
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	BestOALocation struct {
		PDFURL string `json:"pdf_url"`
	} `json:"best_oa_location"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

func (o *OpenAlex) Search(ctx context.Context, query string, limit int) ([]PaperMetadata, error) {
	if limit <= 0 {
		limit = 10
	}
	u := fmt.Sprintf("%s/works?search=%s&per-page=%d", o.baseURL, url.QueryEscape(query), limit)
	if o.mailto != "" {
		u += "&mailto=" + url.QueryEscape(o.mailto)
	}
	body, err := o.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("openalex search: %w", err)
	}
	var data struct {
		Results []openAlexWork `json:"results"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode openalex response: %w", err)
	}
	out := make([]PaperMetadata, 0, len(data.Results))
	for _, w := range data.Results {
		title := w.Title
		if title == "" {
			title = w.DisplayName
		}
		if strings.TrimSpace(title) == "" {
			continue
		}
		authors := make([]string, 0, len(w.Authorships))
		for _, a := range w.Authorships {
			if a.Author.DisplayName != "" {
				authors = append(authors, a.Author.DisplayName)
			}
		}
		pdf := w.BestOALocation.PDFURL
		if pdf == "" {
			pdf = w.PrimaryLocation.PDFURL
		}
		link := w.PrimaryLocation.LandingPageURL
		if link == "" {
			link = w.OpenAccess.OAURL
		}
		out = append(out, PaperMetadata{
			Source:        "openalex",
			ExternalID:    w.ID,
			DOI:           util.NormalizeDOI(w.DOI),
			Title:         title,
			Authors:       authors,
			Year:          w.PublicationYear,
			Venue:         w.PrimaryLocation.Source.DisplayName,
			Abstract:      rebuildAbstract(w.AbstractInvertedIndex),
			URL:           link,
			PDFURL:        pdf,
			CitationCount: w.CitedByCount,
		})
	}
	return out, nil
}

// rebuildAbstract turns OpenAlex's word -> positions index back into text.
func rebuildAbstract(idx map[string][]int) string {
	if len(idx) == 0 {
		return ""
	}
	type pos struct {
		at   int
		word string
	}
	words := make([]pos, 0, len(idx)*2)
	for w, ps := range idx {
		for _, p := range ps {
			words = append(words, pos{at: p, word: w})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].at < words[j].at })
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.word
	}
	return strings.Join(parts, " ")
}
