package citations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/util"
)

const titleMatchThreshold = 0.85

// Store is the only writer of citation rows. GetOrCreate must be a single atomic create-if-absent.
type Store interface {
	GetOrCreate(ctx context.Context, c models.Citation) (models.Citation, bool, error)
	ListByProject(ctx context.Context, projectID string) ([]models.Citation, error)
}

type PaperLookup interface {
	GetPaper(ctx context.Context, paperID string) (models.Paper, error)
	GetPaperByDOI(ctx context.Context, doi string) (models.Paper, error)
	ListPapersByYear(ctx context.Context, year int, titleNorm string) ([]models.Paper, error)
}

// SourceRef names a work by paper id, DOI, or title and year. Fields are tried in that order.
type SourceRef struct {
	PaperID string `json:"paper_id,omitempty"`
	DOI     string `json:"doi,omitempty"`
	Title   string `json:"title,omitempty"`
	Year    int    `json:"year,omitempty"`
}

type AddRequest struct {
	ProjectID string    `json:"project_id"`
	Source    SourceRef `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Quote     string    `json:"quote,omitempty"`
}

type AddResult struct {
	CiteKey        string     `json:"cite_key"`
	PaperID        string     `json:"paper_id"`
	CSL            models.CSL `json:"csl"`
	IsNew          bool       `json:"is_new"`
	FirstSeenOrder int        `json:"first_seen_order"`
}

type Service struct {
	store  Store
	papers PaperLookup
	log    *logger.Logger
	onNew  func()
}

func NewService(log *logger.Logger, store Store, papers PaperLookup) *Service {
	return &Service{store: store, papers: papers, log: log.With("component", "citations")}
}

// OnCreate registers a hook called once per newly stored citation.
func (s *Service) OnCreate(fn func()) {
	s.onNew = fn
}

// Resolve maps a source reference onto a known paper.
func (s *Service) Resolve(ctx context.Context, ref SourceRef) (models.Paper, error) {
	if id := strings.TrimSpace(ref.PaperID); id != "" {
		p, err := s.papers.GetPaper(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, util.ErrNotFound) {
			return models.Paper{}, fmt.Errorf("resolve paper id: %w", err)
		}
	}
	if doi := util.NormalizeDOI(ref.DOI); doi != "" {
		p, err := s.papers.GetPaperByDOI(ctx, doi)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, util.ErrNotFound) {
			return models.Paper{}, fmt.Errorf("resolve doi: %w", err)
		}
	}
	if title := util.NormalizeTitle(ref.Title); title != "" {
		candidates, err := s.papers.ListPapersByYear(ctx, ref.Year, title)
		if err != nil {
			return models.Paper{}, fmt.Errorf("resolve title: %w", err)
		}
		best, bestScore := models.Paper{}, 0.0
		for _, c := range candidates {
			if ref.Year > 0 && c.YearOrZero() != ref.Year {
				continue
			}
			if score := util.TitleSimilarity(ref.Title, c.Title); score > bestScore {
				best, bestScore = c, score
			}
		}
		if bestScore >= titleMatchThreshold {
			return best, nil
		}
	}
	return models.Paper{}, fmt.Errorf("resolve %+v: %w", ref, util.ErrUnresolvedSourceReference)
}

// Add resolves the reference and records the citation for the project. Equivalent concurrent
// calls converge on one stored row; exactly one of them reports IsNew.
func (s *Service) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	paper, err := s.Resolve(ctx, req.Source)
	if err != nil {
		return AddResult{}, err
	}
	return s.record(ctx, req, paper)
}

func (s *Service) record(ctx context.Context, req AddRequest, paper models.Paper) (AddResult, error) {
	csl := CSLFromPaper(paper)
	stored, created, err := s.store.GetOrCreate(ctx, models.Citation{
		ProjectID: req.ProjectID,
		SourceKey: SourceKey(paper.PaperID),
		PaperID:   paper.PaperID,
		CiteKey:   BaseCiteKey(csl),
		CSL:       csl,
		Reason:    util.Clip(req.Reason, 500),
		Quote:     util.Clip(req.Quote, 1000),
	})
	if err != nil {
		return AddResult{}, fmt.Errorf("add citation: %w", err)
	}
	if created {
		s.log.Debug("citation created", "project_id", req.ProjectID, "cite_key", stored.CiteKey, "order", stored.FirstSeenOrder)
		if s.onNew != nil {
			s.onNew()
		}
	}
	return AddResult{
		CiteKey:        stored.CiteKey,
		PaperID:        stored.PaperID,
		CSL:            stored.CSL,
		IsNew:          created,
		FirstSeenOrder: stored.FirstSeenOrder,
	}, nil
}

func (s *Service) List(ctx context.Context, projectID string) ([]models.Citation, error) {
	return s.store.ListByProject(ctx, projectID)
}

func SourceKey(paperID string) string {
	return "paper:" + paperID
}

func CSLFromPaper(p models.Paper) models.CSL {
	csl := models.CSL{
		ID:             p.PaperID,
		Type:           "article",
		Title:          p.Title,
		ContainerTitle: p.Venue,
		DOI:            util.NormalizeDOI(p.DOI),
		URL:            p.URL,
	}
	if csl.ContainerTitle != "" {
		csl.Type = "article-journal"
	}
	if y := p.YearOrZero(); y > 0 {
		csl.Issued = &models.CSLDate{DateParts: [][]int{{y}}}
	}
	for _, a := range p.Authors {
		if n, ok := parseName(a); ok {
			csl.Author = append(csl.Author, n)
		}
	}
	return csl
}

// parseName accepts "Given Family" and "Family, Given". A single token becomes a literal.
func parseName(raw string) (models.CSLName, bool) {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return models.CSLName{}, false
	}
	if family, given, ok := strings.Cut(raw, ","); ok {
		return models.CSLName{Family: strings.TrimSpace(family), Given: strings.TrimSpace(given)}, true
	}
	parts := strings.Fields(raw)
	if len(parts) == 1 {
		return models.CSLName{Literal: raw}, true
	}
	return models.CSLName{Family: parts[len(parts)-1], Given: strings.Join(parts[:len(parts)-1], " ")}, true
}

func familyOf(n models.CSLName) string {
	if n.Family != "" {
		return n.Family
	}
	return n.Literal
}

// BaseCiteKey builds a Pandoc-style key: smith2020, smithJones2020, smithEtAl2020.
// Collisions are resolved by the store with a letter suffix.
func BaseCiteKey(csl models.CSL) string {
	year := "nd"
	if y := csl.Year(); y > 0 {
		year = fmt.Sprint(y)
	}
	var stem string
	switch len(csl.Author) {
	case 0:
		for _, w := range util.MeaningfulTerms(csl.Title) {
			stem = keyToken(w)
			if stem != "" {
				break
			}
		}
		if stem == "" {
			stem = "anon"
		}
	case 1:
		stem = keyToken(familyOf(csl.Author[0]))
	case 2:
		stem = keyToken(familyOf(csl.Author[0])) + capitalize(keyToken(familyOf(csl.Author[1])))
	default:
		stem = keyToken(familyOf(csl.Author[0])) + "EtAl"
	}
	if stem == "" {
		stem = "anon"
	}
	return stem + year
}

// keyToken folds a name to lowercase ASCII letters, dropping diacritics.
func keyToken(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
