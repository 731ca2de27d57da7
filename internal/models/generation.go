package models

import "time"

type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectGenerating ProjectStatus = "generating"
	ProjectComplete   ProjectStatus = "complete"
	ProjectFailed     ProjectStatus = "failed"
)

type Project struct {
	ProjectID     string                   `json:"project_id"`
	OwnerID       string                   `json:"owner_id"`
	Title         string                   `json:"title"`
	Topic         string                   `json:"topic"`
	Status        ProjectStatus            `json:"status"`
	Stage         string                   `json:"stage,omitempty"`
	ErrorCategory string                   `json:"error_category,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	Content       string                   `json:"content,omitempty"`
	CitationMap   map[string]CitationEntry `json:"citation_map,omitempty"`
	QualityScore  *float64                 `json:"quality_score,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// CitationEntry is one inline citation occurrence in a saved document.
type CitationEntry struct {
	Key        string `json:"key"`
	PaperID    string `json:"paper_id"`
	CiteKey    string `json:"cite_key"`
	SectionKey string `json:"section_key"`
	Fragment   string `json:"fragment"`
}

type OutlineSection struct {
	Key               string   `json:"key"`
	Title             string   `json:"title"`
	KeyPoints         []string `json:"key_points,omitempty"`
	CandidatePaperIDs []string `json:"candidate_paper_ids"`
	ExpectedWords     int      `json:"expected_words"`
}

type Outline struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

type SectionContext struct {
	Section OutlineSection `json:"section"`
	Chunks  []ChunkResult  `json:"chunks"`
}

// SectionDraft is one generated section. ChunkIDs are the evidence it was given.
type SectionDraft struct {
	SectionKey    string   `json:"section_key"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	CiteKeys      []string `json:"cite_keys,omitempty"`
	CitedPaperIDs []string `json:"cited_paper_ids,omitempty"`
	ChunkIDs      []string `json:"chunk_ids,omitempty"`
	TokensUsed    int      `json:"tokens_used,omitempty"`
}

type ReviewedSection struct {
	SectionDraft
	Score           float64  `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	Rewritten       bool     `json:"rewritten"`
	Overlap         float64  `json:"overlap"`
	UngroundedRatio float64  `json:"ungrounded_ratio"`
	UsedChunkIDs    []string `json:"used_chunk_ids,omitempty"`
}
