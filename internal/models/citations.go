package models

import "time"

type CSLName struct {
	Family  string `json:"family,omitempty"`
	Given   string `json:"given,omitempty"`
	Literal string `json:"literal,omitempty"`
}

type CSLDate struct {
	DateParts [][]int `json:"date-parts,omitempty"`
}

// CSL is the subset of CSL-JSON stored with each citation.
type CSL struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Author         []CSLName `json:"author,omitempty"`
	Issued         *CSLDate  `json:"issued,omitempty"`
	ContainerTitle string    `json:"container-title,omitempty"`
	DOI            string    `json:"DOI,omitempty"`
	URL            string    `json:"URL,omitempty"`
}

func (c CSL) Year() int {
	if c.Issued == nil || len(c.Issued.DateParts) == 0 || len(c.Issued.DateParts[0]) == 0 {
		return 0
	}
	return c.Issued.DateParts[0][0]
}

type Citation struct {
	ProjectID      string    `json:"project_id"`
	SourceKey      string    `json:"source_key"`
	PaperID        string    `json:"paper_id"`
	CiteKey        string    `json:"cite_key"`
	CSL            CSL       `json:"csl"`
	FirstSeenOrder int       `json:"first_seen_order"`
	Reason         string    `json:"reason,omitempty"`
	Quote          string    `json:"quote,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
