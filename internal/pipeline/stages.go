package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"genpaper/internal/citations"
	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/retrieval"
	"genpaper/internal/util"
)

const (
	minSectionTokens = 1000
	maxToolRounds    = 6
)

// Search collects the candidate papers and waits for any pending ingestion.
func (p *Pipeline) Search(ctx context.Context, req Request) ([]models.Paper, error) {
	papers, err := p.retrieval.Discover(ctx, retrieval.DiscoverRequest{
		Topic:           req.Topic,
		OwnerID:         req.OwnerID,
		LibraryPaperIDs: req.LibraryPaperIDs,
		IncludeLibrary:  req.IncludeLibrary,
		UseLibraryOnly:  req.UseLibraryOnly,
		Sources:         req.Sources,
		MaxResults:      req.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(papers) == 0 {
		return nil, fmt.Errorf("search %q: %w", req.Topic, util.ErrNoPapersFound)
	}
	papers, err = p.retrieval.EnsureIngested(ctx, req.OwnerID, papers)
	if err != nil {
		return nil, fmt.Errorf("search ingest: %w", err)
	}
	return papers, nil
}

type outlineJSON struct {
	Title    string `json:"title"`
	Sections []struct {
		Key               string   `json:"key"`
		Title             string   `json:"title"`
		KeyPoints         []string `json:"key_points"`
		PaperIDs          []string `json:"paper_ids"`
		CandidatePaperIDs []string `json:"candidate_paper_ids"`
		ExpectedWords     int      `json:"expected_words"`
	} `json:"sections"`
}

// Outline asks the model for a section plan. Unparseable output falls back to a fixed plan.
func (p *Pipeline) Outline(ctx context.Context, req Request, papers []models.Paper) (models.Outline, error) {
	resp, _, err := p.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "outline",
		ProjectID: req.ProjectID,
		Prompt:    buildOutlinePrompt(req.Topic, papers),
		MaxTokens: 1500,
		JSON:      true,
	})
	if err != nil {
		return models.Outline{}, fmt.Errorf("outline: %w", err)
	}
	outline, ok := parseOutline(resp.Text, papers)
	if !ok {
		p.log.Warn("outline output unusable, using default plan", "project_id", req.ProjectID)
		outline = defaultOutline(req.Topic, papers)
	}
	if strings.TrimSpace(req.Title) != "" {
		outline.Title = req.Title
	}
	if outline.Title == "" {
		outline.Title = req.Topic
	}
	return outline, nil
}

func parseOutline(raw string, papers []models.Paper) (models.Outline, bool) {
	var in outlineJSON
	if err := json.Unmarshal([]byte(stripFences(raw)), &in); err != nil || len(in.Sections) == 0 {
		return models.Outline{}, false
	}
	known := make(map[string]struct{}, len(papers))
	all := make([]string, 0, len(papers))
	for _, p := range papers {
		known[p.PaperID] = struct{}{}
		all = append(all, p.PaperID)
	}
	keys := map[string]struct{}{}
	out := models.Outline{Title: strings.TrimSpace(in.Title)}
	for _, s := range in.Sections {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			continue
		}
		ids := append(append([]string{}, s.PaperIDs...), s.CandidatePaperIDs...)
		cands := make([]string, 0, len(ids))
		seen := map[string]struct{}{}
		for _, id := range ids {
			id = strings.TrimPrefix(strings.TrimSpace(id), "paper:")
			if _, ok := known[id]; !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			cands = append(cands, id)
		}
		if len(cands) == 0 {
			cands = append([]string{}, all...)
		}
		key := slugKey(s.Key)
		if key == "" {
			key = slugKey(title)
		}
		key = util.NextFreeKey(key, func(k string) bool {
			_, ok := keys[k]
			return ok
		})
		keys[key] = struct{}{}
		words := s.ExpectedWords
		if words <= 0 {
			words = 300
		}
		out.Sections = append(out.Sections, models.OutlineSection{
			Key:               key,
			Title:             title,
			KeyPoints:         s.KeyPoints,
			CandidatePaperIDs: cands,
			ExpectedWords:     words,
		})
	}
	return out, len(out.Sections) > 0
}

func defaultOutline(topic string, papers []models.Paper) models.Outline {
	ids := make([]string, 0, len(papers))
	for _, p := range papers {
		ids = append(ids, p.PaperID)
	}
	sec := func(key, title string, words int) models.OutlineSection {
		return models.OutlineSection{Key: key, Title: title, CandidatePaperIDs: append([]string{}, ids...), ExpectedWords: words}
	}
	return models.Outline{
		Title: topic,
		Sections: []models.OutlineSection{
			sec("introduction", "Introduction", 300),
			sec("current-research", "Current Research", 600),
			sec("discussion", "Discussion", 400),
			sec("conclusion", "Conclusion", 200),
		},
	}
}

var fencePattern = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*(.*?)\\s*```\\s*$")

func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

func slugKey(s string) string {
	return strings.ReplaceAll(util.NormalizeTitle(s), " ", "-")
}

func (p *Pipeline) Contexts(ctx context.Context, req Request, outline models.Outline, papers []models.Paper) ([]models.SectionContext, error) {
	contexts, err := p.retrieval.BuildSectionContexts(ctx, req.Topic, outline, papers)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return contexts, nil
}

// SectionTokenBudget splits the run budget evenly, never below 1000 tokens a section.
func SectionTokenBudget(total, sections int) int {
	if sections <= 0 {
		return total
	}
	return max(total/sections, minSectionTokens)
}

// sectionBudget is the per-section share of the request budget, or the configured one.
func (p *Pipeline) sectionBudget(req Request, sections int) int {
	total := req.TotalMaxTokens
	if total <= 0 {
		total = p.opts.TotalMaxTokens
	}
	return SectionTokenBudget(total, sections)
}

// Generate writes every section concurrently under one run-scoped citation cache.
// Drafts come back in outline order.
func (p *Pipeline) Generate(ctx context.Context, req Request, contexts []models.SectionContext) ([]models.SectionDraft, error) {
	budget := p.sectionBudget(req, len(contexts))
	cache := p.cites.NewRunCache()
	drafts := make([]models.SectionDraft, len(contexts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.SectionConcurrency)
	for i, sc := range contexts {
		g.Go(func() error {
			d, err := p.generateSection(gctx, req, sc, cache, budget)
			if err != nil {
				return fmt.Errorf("generate section %q: %w", sc.Section.Key, err)
			}
			drafts[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return drafts, nil
}

func (p *Pipeline) generateSection(ctx context.Context, req Request, sc models.SectionContext, cache *citations.RunCache, budget int) (models.SectionDraft, error) {
	var mu sync.Mutex
	cited := map[string]string{}
	handle := citations.ToolHandler(cache, req.ProjectID, func(r citations.AddResult) {
		mu.Lock()
		cited[r.CiteKey] = r.PaperID
		mu.Unlock()
	})
	prompt, evidence := buildSectionPrompt(req.Topic, sc.Section, sc.Chunks)
	resp, _, err := providers.RunWithTools(ctx, p.llm, providers.GenerateRequest{
		Operation:   "section_generate",
		ProjectID:   req.ProjectID,
		System:      sectionSystemPrompt,
		Prompt:      prompt,
		Context:     evidence,
		Tools:       []providers.Tool{citations.Tool()},
		MaxTokens:   budget,
		Temperature: 0.4,
	}, handle, maxToolRounds)
	if err != nil {
		return models.SectionDraft{}, err
	}
	content := strings.TrimSpace(resp.Text)
	if content == "" {
		return models.SectionDraft{}, fmt.Errorf("empty section output: %w", util.ErrPermanent)
	}

	d := models.SectionDraft{
		SectionKey: sc.Section.Key,
		Title:      sc.Section.Title,
		Content:    content,
		TokensUsed: resp.TokensUsed,
	}
	seen := map[string]struct{}{}
	for _, k := range citations.MarkerKeys(content) {
		paperID, ok := cited[k]
		if _, dup := seen[k]; dup || !ok {
			continue
		}
		seen[k] = struct{}{}
		d.CiteKeys = append(d.CiteKeys, k)
		d.CitedPaperIDs = append(d.CitedPaperIDs, paperID)
	}
	for _, c := range sc.Chunks {
		d.ChunkIDs = append(d.ChunkIDs, c.ChunkID)
	}
	return d, nil
}
