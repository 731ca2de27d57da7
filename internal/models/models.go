package models

import "time"

type Paper struct {
	PaperID          string    `json:"paper_id"`
	DOI              string    `json:"doi,omitempty"`
	Title            string    `json:"title"`
	Authors          []string  `json:"authors,omitempty"`
	Year             *int      `json:"year,omitempty"`
	Venue            string    `json:"venue,omitempty"`
	Abstract         string    `json:"abstract,omitempty"`
	URL              string    `json:"url,omitempty"`
	PDFURL           string    `json:"pdf_url,omitempty"`
	CitationCount    int       `json:"citation_count"`
	Source           string    `json:"source,omitempty"`
	HasContent       bool      `json:"has_content"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	Confidence       string    `json:"confidence,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (p Paper) YearOrZero() int {
	if p.Year == nil {
		return 0
	}
	return *p.Year
}

type SectionType string

const (
	SectionAbstract     SectionType = "abstract"
	SectionIntroduction SectionType = "introduction"
	SectionMethods      SectionType = "methods"
	SectionResults      SectionType = "results"
	SectionDiscussion   SectionType = "discussion"
	SectionConclusion   SectionType = "conclusion"
)

// ChunkMetadata is derived from chunk text alone. An empty SectionType means unknown.
type ChunkMetadata struct {
	SectionType     SectionType `json:"section_type,omitempty"`
	HasCitations    bool        `json:"has_citations"`
	HasFigures      bool        `json:"has_figures"`
	HasData         bool        `json:"has_data"`
	IsConclusion    bool        `json:"is_conclusion"`
	ComplexityScore float64     `json:"complexity_score"`
	KeyTerms        []string    `json:"key_terms"`
}

type Chunk struct {
	ChunkID          string        `json:"chunk_id"`
	PaperID          string        `json:"paper_id"`
	ChunkIndex       int           `json:"chunk_index"`
	Content          string        `json:"content"`
	Embedding        []float32     `json:"-"`
	EmbeddingVersion string        `json:"embedding_version,omitempty"`
	Metadata         ChunkMetadata `json:"metadata"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ChunkResult is a chunk returned from a search, carrying paper fields used for ranking.
type ChunkResult struct {
	ChunkID       string        `json:"chunk_id"`
	PaperID       string        `json:"paper_id"`
	ChunkIndex    int           `json:"chunk_index"`
	Content       string        `json:"content"`
	Title         string        `json:"title"`
	CitationCount int           `json:"citation_count"`
	Metadata      ChunkMetadata `json:"metadata"`
	Score         float64       `json:"score"`
}
