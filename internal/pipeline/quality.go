package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"genpaper/internal/citations"
	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/util"
)

const (
	DefaultOverlapThreshold = 0.22
	DefaultReviewScore      = 75.0

	hallucinationPenalty = 30.0
	groundedCoverage     = 0.5
	minClaimWords        = 6
	usedChunkCoverage    = 0.6
	ngramSize            = 4
)

// Review runs the quality pass over drafts in outline order: overlap rewrite, reviewer score,
// hallucination check, and evidence bookkeeping. Failures inside a section only degrade it.
func (p *Pipeline) Review(ctx context.Context, req Request, drafts []models.SectionDraft, contexts []models.SectionContext) ([]models.ReviewedSection, error) {
	evidence := make(map[string][]models.ChunkResult, len(contexts))
	for _, sc := range contexts {
		evidence[sc.Section.Key] = sc.Chunks
	}
	log := p.log.With("project_id", req.ProjectID)

	prior := newGramSet()
	out := make([]models.ReviewedSection, 0, len(drafts))
	for _, d := range drafts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs := models.ReviewedSection{SectionDraft: d}

		rs.Overlap = prior.overlap(d.Content)
		if rs.Overlap > p.opts.OverlapThreshold {
			rewritten, err := p.rewrite(ctx, req, d, p.sectionBudget(req, len(drafts)))
			if err != nil {
				log.Warn("rewrite failed, keeping original", "section", d.SectionKey, "overlap", rs.Overlap, "error", err)
				rs.Issues = append(rs.Issues, fmt.Sprintf("overlaps earlier sections (%.0f%%); rewrite failed", rs.Overlap*100))
			} else {
				rs.Content = rewritten
				rs.Rewritten = true
				p.metrics.SectionRewritten()
			}
		}

		score, issues, err := p.reviewSection(ctx, req, rs.SectionDraft)
		if err != nil {
			log.Warn("quality review failed, using default score", "section", d.SectionKey, "error", err)
			score = DefaultReviewScore
			issues = []string{"quality review unavailable"}
		}
		rs.Score = score
		rs.Issues = append(rs.Issues, issues...)

		ratio, claims, err := CheckGrounding(rs.Content, evidence[d.SectionKey])
		if err != nil {
			log.Debug("hallucination check skipped", "section", d.SectionKey, "error", err)
		} else if ratio > 0 {
			rs.UngroundedRatio = ratio
			rs.Score = math.Max(0, rs.Score-ratio*hallucinationPenalty)
			rs.Issues = append(rs.Issues, fmt.Sprintf("%d of %d claims lack support in the retrieved evidence", int(math.Round(ratio*float64(claims))), claims))
		}

		rs.UsedChunkIDs = UsedChunks(rs.Content, rs.CitedPaperIDs, evidence[d.SectionKey])
		p.evidence.Record(req.ProjectID, rs.UsedChunkIDs)

		prior.add(rs.Content)
		out = append(out, rs)
	}
	return out, nil
}

func (p *Pipeline) rewrite(ctx context.Context, req Request, d models.SectionDraft, maxTokens int) (string, error) {
	resp, _, err := p.llm.Generate(ctx, providers.GenerateRequest{
		Operation:   "section_rewrite",
		ProjectID:   req.ProjectID,
		Prompt:      buildRewritePrompt(d, p.evidence.Used(req.ProjectID)),
		MaxTokens:   maxTokens,
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", util.ErrRewriteFailure, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty output", util.ErrRewriteFailure)
	}
	return text, nil
}

type reviewJSON struct {
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

func (p *Pipeline) reviewSection(ctx context.Context, req Request, d models.SectionDraft) (float64, []string, error) {
	resp, _, err := p.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "section_review",
		ProjectID: req.ProjectID,
		Prompt:    buildReviewPrompt(d),
		MaxTokens: 400,
		JSON:      true,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", util.ErrQualityCheck, err)
	}
	var r reviewJSON
	if err := json.Unmarshal([]byte(stripFences(resp.Text)), &r); err != nil || r.Score == nil {
		return 0, nil, fmt.Errorf("%w: unparseable review", util.ErrQualityCheck)
	}
	return math.Min(100, math.Max(0, *r.Score)), r.Issues, nil
}

// CheckGrounding returns the share of claim sentences whose terms are not covered by any
// evidence chunk, and the number of claims checked.
func CheckGrounding(content string, evidence []models.ChunkResult) (float64, int, error) {
	if len(evidence) == 0 {
		return 0, 0, fmt.Errorf("%w: no evidence", util.ErrHallucinationCheck)
	}
	claims, ungrounded := 0, 0
	for _, s := range util.SplitSentences(plainText(content)) {
		if len(strings.Fields(s)) < minClaimWords {
			continue
		}
		claims++
		best := 0.0
		for _, c := range evidence {
			best = math.Max(best, util.TermCoverage(s, c.Content))
		}
		if best < groundedCoverage {
			ungrounded++
		}
	}
	if claims == 0 {
		return 0, 0, nil
	}
	return float64(ungrounded) / float64(claims), claims, nil
}

// UsedChunks returns the evidence a section drew on: chunks of cited papers that share
// enough terms with some sentence, in evidence order.
func UsedChunks(content string, citedPaperIDs []string, evidence []models.ChunkResult) []string {
	cited := make(map[string]struct{}, len(citedPaperIDs))
	for _, id := range citedPaperIDs {
		cited[id] = struct{}{}
	}
	sentences := util.SplitSentences(plainText(content))
	out := make([]string, 0)
	for _, c := range evidence {
		if _, ok := cited[c.PaperID]; ok {
			out = append(out, c.ChunkID)
			continue
		}
		for _, s := range sentences {
			if len(strings.Fields(s)) >= minClaimWords && util.TermCoverage(s, c.Content) >= usedChunkCoverage {
				out = append(out, c.ChunkID)
				break
			}
		}
	}
	return out
}

func plainText(content string) string {
	s := citations.ReplaceMarkers(content, func(string, int) string { return "" })
	return strings.ReplaceAll(s, citations.Placeholder, "")
}

type gramSet map[string]struct{}

func newGramSet() gramSet {
	return gramSet{}
}

func (g gramSet) add(text string) {
	for _, k := range ngrams(text) {
		g[k] = struct{}{}
	}
}

// overlap is the share of the text's distinct 4-grams already present in the set.
func (g gramSet) overlap(text string) float64 {
	grams := ngrams(text)
	if len(grams) == 0 || len(g) == 0 {
		return 0
	}
	distinct := map[string]struct{}{}
	hit := 0
	for _, k := range grams {
		if _, dup := distinct[k]; dup {
			continue
		}
		distinct[k] = struct{}{}
		if _, ok := g[k]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(distinct))
}

// Overlap is the 4-gram overlap of text against prior.
func Overlap(prior, text string) float64 {
	g := newGramSet()
	g.add(prior)
	return g.overlap(text)
}

func ngrams(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(plainText(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) < ngramSize {
		return nil
	}
	out := make([]string, 0, len(words)-ngramSize+1)
	for i := 0; i+ngramSize <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+ngramSize], " "))
	}
	return out
}

// EvidenceTracker remembers which chunks each run has already used.
type EvidenceTracker struct {
	mu   sync.Mutex
	used map[string][]string
}

func NewEvidenceTracker() *EvidenceTracker {
	return &EvidenceTracker{used: map[string][]string{}}
}

func (t *EvidenceTracker) Record(projectID string, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	have := map[string]struct{}{}
	for _, id := range t.used[projectID] {
		have[id] = struct{}{}
	}
	for _, id := range chunkIDs {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		t.used[projectID] = append(t.used[projectID], id)
	}
}

func (t *EvidenceTracker) Used(projectID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.used[projectID]...)
}

func (t *EvidenceTracker) Reset(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.used, projectID)
}

// Runs is the number of runs with recorded evidence.
func (t *EvidenceTracker) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.used)
}
