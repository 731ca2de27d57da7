package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"genpaper/internal/citations"
	"genpaper/internal/models"
	"genpaper/internal/util"
)

const fragmentRunes = 80

// Save assembles the sections in outline order, renders citations, and persists the
// document in one write that marks the project complete. Artifact files are best-effort.
func (p *Pipeline) Save(ctx context.Context, req Request, outline models.Outline, sections []models.ReviewedSection) (*Result, error) {
	style := p.opts.Style
	if req.Style != "" {
		s, err := citations.ParseStyle(req.Style)
		if err != nil {
			return nil, fmt.Errorf("save: %w", err)
		}
		style = s
	}
	records, err := p.cites.List(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	byKey := make(map[string]models.Citation, len(records))
	for _, c := range records {
		byKey[c.CiteKey] = c
	}

	ordered := orderSections(outline, sections)
	doc := Assemble(outline.Title, ordered, byKey, style)
	score := meanScore(ordered)

	if err := p.projects.SaveResult(ctx, req.ProjectID, doc.Content, doc.CitationMap, score); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	p.metrics.ProjectFinished(string(models.ProjectComplete), "")
	p.evidence.Reset(req.ProjectID)

	res := &Result{
		ProjectID:    req.ProjectID,
		Content:      doc.Content,
		CitationMap:  doc.CitationMap,
		QualityScore: score,
		Sections:     ordered,
		Bibliography: doc.Bibliography,
	}
	if p.opts.ArtifactsRoot != "" {
		dir, err := writeArtifacts(p.opts.ArtifactsRoot, req, res, style)
		if err != nil {
			p.log.Warn("artifact write failed", "project_id", req.ProjectID, "error", err)
		} else {
			res.ArtifactsDir = dir
		}
	}
	return res, nil
}

// orderSections re-sorts reviewed sections to outline order. Sections missing from the
// outline keep their relative order at the end.
func orderSections(outline models.Outline, sections []models.ReviewedSection) []models.ReviewedSection {
	pos := make(map[string]int, len(outline.Sections))
	for i, s := range outline.Sections {
		pos[s.Key] = i
	}
	out := append([]models.ReviewedSection(nil), sections...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i].SectionKey]
		pj, jok := pos[out[j].SectionKey]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		return false
	})
	return out
}

func meanScore(sections []models.ReviewedSection) float64 {
	if len(sections) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range sections {
		sum += s.Score
	}
	return sum / float64(len(sections))
}

type Document struct {
	Content      string
	CitationMap  map[string]models.CitationEntry
	Bibliography []string
}

// Assemble renders markers in style and builds the citation map. Each occurrence is keyed by
// ShortHash(paperID|fragment, 8), with -2, -3 suffixes for collisions. Markers with no stored
// citation become the placeholder.
func Assemble(title string, sections []models.ReviewedSection, byKey map[string]models.Citation, style citations.Style) Document {
	cmap := map[string]models.CitationEntry{}
	used := map[string]models.Citation{}
	var b strings.Builder
	if title = strings.TrimSpace(title); title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	for _, s := range sections {
		content := citations.ReplaceMarkers(s.Content, func(key string, at int) string {
			c, ok := byKey[key]
			if !ok {
				return citations.Placeholder
			}
			used[key] = c
			fragment := precedingFragment(s.Content, at)
			k := util.NextNumberedKey(util.ShortHash(c.PaperID+"|"+fragment, 8), func(k string) bool {
				_, taken := cmap[k]
				return taken
			})
			cmap[k] = models.CitationEntry{Key: k, PaperID: c.PaperID, CiteKey: c.CiteKey, SectionKey: s.SectionKey, Fragment: fragment}
			return citations.Format(c, style, c.FirstSeenOrder)
		})
		b.WriteString("## " + s.Title + "\n\n" + strings.TrimSpace(content) + "\n\n")
	}

	cited := make([]models.Citation, 0, len(used))
	for _, c := range used {
		cited = append(cited, c)
	}
	sort.Slice(cited, func(i, j int) bool { return cited[i].FirstSeenOrder < cited[j].FirstSeenOrder })
	bib := citations.Bibliography(cited, style)
	if len(bib) > 0 {
		b.WriteString("## References\n\n")
		for _, line := range bib {
			b.WriteString("- " + line + "\n")
		}
	}
	return Document{Content: strings.TrimRight(b.String(), "\n") + "\n", CitationMap: cmap, Bibliography: bib}
}

// precedingFragment is the sentence text before the marker at offset, without other markers.
func precedingFragment(content string, at int) string {
	head := content[:at]
	if i := strings.LastIndexAny(head, ".!?\n"); i >= 0 {
		head = head[i+1:]
	}
	head = strings.Join(strings.Fields(plainText(head)), " ")
	r := []rune(head)
	if len(r) > fragmentRunes {
		head = string(r[len(r)-fragmentRunes:])
	}
	return head
}

type artifactManifest struct {
	ProjectID    string    `json:"project_id"`
	Topic        string    `json:"topic"`
	Style        string    `json:"style"`
	Prompt       string    `json:"prompt"`
	QualityScore float64   `json:"quality_score"`
	Sections     int       `json:"sections"`
	Citations    int       `json:"citations"`
	GeneratedAt  time.Time `json:"generated_at"`
}

func writeArtifacts(root string, req Request, res *Result, style citations.Style) (string, error) {
	dir := util.SafeJoin(filepath.Join(root, "projects"), req.ProjectID)
	if err := util.EnsureDir(dir); err != nil {
		return "", err
	}
	if err := util.WriteTextAtomic(filepath.Join(dir, "paper.md"), res.Content); err != nil {
		return "", err
	}
	if err := util.WriteJSONAtomic(filepath.Join(dir, "citation_map.json"), res.CitationMap); err != nil {
		return "", err
	}
	if err := util.WriteJSONLinesAtomic(filepath.Join(dir, "sections.jsonl"), res.Sections); err != nil {
		return "", err
	}
	if err := util.WriteJSONAtomic(filepath.Join(dir, "manifest.json"), artifactManifest{
		ProjectID:    req.ProjectID,
		Topic:        req.Topic,
		Style:        string(style),
		Prompt:       PromptHash(),
		QualityScore: res.QualityScore,
		Sections:     len(res.Sections),
		Citations:    len(res.Bibliography),
		GeneratedAt:  time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	return dir, nil
}
