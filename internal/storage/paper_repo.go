package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

var paperNamespace = uuid.MustParse("8f6b6f0e-3d0a-4a53-9a55-6a1f6c1b7c2e")

// PaperIDFor derives a stable id from the DOI, falling back to the normalized title.
func PaperIDFor(p models.Paper) string {
	if doi := util.NormalizeDOI(p.DOI); doi != "" {
		return uuid.NewSHA1(paperNamespace, []byte("doi:"+doi)).String()
	}
	return uuid.NewSHA1(paperNamespace, []byte("title:"+util.NormalizeTitle(p.Title))).String()
}

type PaperRepo struct {
	db *DB
}

func NewPaperRepo(db *DB) *PaperRepo {
	return &PaperRepo{db: db}
}

const paperColumns = `paper_id, COALESCE(doi,''), title, authors, year, COALESCE(venue,''), COALESCE(abstract,''),
       COALESCE(url,''), COALESCE(pdf_url,''), citation_count, COALESCE(source,''), has_content,
       COALESCE(extraction_method,''), COALESCE(confidence,''), created_at, updated_at`

func scanPaper(row pgx.Row) (models.Paper, error) {
	var p models.Paper
	err := row.Scan(&p.PaperID, &p.DOI, &p.Title, &p.Authors, &p.Year, &p.Venue, &p.Abstract,
		&p.URL, &p.PDFURL, &p.CitationCount, &p.Source, &p.HasContent,
		&p.ExtractionMethod, &p.Confidence, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// UpsertPaper inserts a paper or backfills missing fields on the existing row.
func (r *PaperRepo) UpsertPaper(ctx context.Context, p models.Paper) (models.Paper, error) {
	if p.PaperID == "" {
		p.PaperID = PaperIDFor(p)
	}
	if p.Authors == nil {
		p.Authors = []string{}
	}
	row := r.db.Pool.QueryRow(ctx, `
INSERT INTO papers (paper_id, doi, title, title_norm, authors, year, venue, abstract, url, pdf_url, citation_count, source)
VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), $11, NULLIF($12,''))
ON CONFLICT (paper_id)
DO UPDATE SET
  doi = COALESCE(papers.doi, EXCLUDED.doi),
  authors = CASE WHEN cardinality(papers.authors) = 0 THEN EXCLUDED.authors ELSE papers.authors END,
  year = COALESCE(papers.year, EXCLUDED.year),
  venue = COALESCE(papers.venue, EXCLUDED.venue),
  abstract = COALESCE(papers.abstract, EXCLUDED.abstract),
  url = COALESCE(papers.url, EXCLUDED.url),
  pdf_url = COALESCE(papers.pdf_url, EXCLUDED.pdf_url),
  citation_count = GREATEST(papers.citation_count, EXCLUDED.citation_count),
  updated_at = NOW()
RETURNING `+paperColumns,
		p.PaperID, util.NormalizeDOI(p.DOI), p.Title, util.NormalizeTitle(p.Title), p.Authors, p.Year,
		p.Venue, p.Abstract, p.URL, p.PDFURL, p.CitationCount, p.Source,
	)
	out, err := scanPaper(row)
	if err != nil {
		return models.Paper{}, fmt.Errorf("upsert paper: %w", err)
	}
	return out, nil
}

func (r *PaperRepo) AddToLibrary(ctx context.Context, ownerID, paperID string) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO library_papers (owner_id, paper_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, ownerID, paperID)
	if err != nil {
		return fmt.Errorf("add library paper: %w", err)
	}
	return nil
}

// MarkIngested flags the paper as having content and backfills bibliographic fields the extractor found.
func (r *PaperRepo) MarkIngested(ctx context.Context, paperID string, res models.ExtractionResult) error {
	var year *int
	if res.Year > 0 {
		year = &res.Year
	}
	authors := res.Authors
	if authors == nil {
		authors = []string{}
	}
	_, err := r.db.Pool.Exec(ctx, `
UPDATE papers SET
  has_content = TRUE,
  extraction_method = $2,
  confidence = $3,
  abstract = COALESCE(abstract, NULLIF($4,'')),
  doi = COALESCE(doi, NULLIF($5,'')),
  authors = CASE WHEN cardinality(authors) = 0 THEN $6 ELSE authors END,
  year = COALESCE(year, $7),
  updated_at = NOW()
WHERE paper_id = $1`,
		paperID, string(res.Method), string(res.Confidence), res.Abstract, util.NormalizeDOI(res.DOI), authors, year)
	if err != nil {
		return fmt.Errorf("mark paper ingested: %w", err)
	}
	return nil
}

func (r *PaperRepo) GetPaper(ctx context.Context, paperID string) (models.Paper, error) {
	p, err := scanPaper(r.db.Pool.QueryRow(ctx, `SELECT `+paperColumns+` FROM papers WHERE paper_id=$1`, paperID))
	if err != nil {
		return models.Paper{}, fmt.Errorf("get paper: %w", notFound(err))
	}
	return p, nil
}

func (r *PaperRepo) GetPaperByDOI(ctx context.Context, doi string) (models.Paper, error) {
	p, err := scanPaper(r.db.Pool.QueryRow(ctx, `SELECT `+paperColumns+` FROM papers WHERE doi=$1`, util.NormalizeDOI(doi)))
	if err != nil {
		return models.Paper{}, fmt.Errorf("get paper by doi: %w", notFound(err))
	}
	return p, nil
}

// ListPapersByYear returns title-match candidates. Year 0 searches by exact normalized title only.
func (r *PaperRepo) ListPapersByYear(ctx context.Context, year int, titleNorm string) ([]models.Paper, error) {
	return r.list(ctx, "list papers by year", `
SELECT `+paperColumns+` FROM papers
WHERE ($1 = 0 AND title_norm = $2) OR ($1 <> 0 AND year = $1)
ORDER BY (title_norm = $2) DESC, citation_count DESC
LIMIT 500`, year, titleNorm)
}

func (r *PaperRepo) ListPapersByIDs(ctx context.Context, paperIDs []string) ([]models.Paper, error) {
	if len(paperIDs) == 0 {
		return []models.Paper{}, nil
	}
	return r.list(ctx, "list papers by ids", `
SELECT `+paperColumns+` FROM papers
WHERE paper_id = ANY($1)
ORDER BY created_at ASC`, paperIDs)
}

func (r *PaperRepo) ListLibraryPapers(ctx context.Context, ownerID string) ([]models.Paper, error) {
	return r.list(ctx, "list library papers", `
SELECT `+paperColumns+` FROM papers
WHERE paper_id IN (SELECT paper_id FROM library_papers WHERE owner_id = $1)
ORDER BY created_at ASC`, ownerID)
}

func (r *PaperRepo) list(ctx context.Context, op, sql string, args ...any) ([]models.Paper, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	out := make([]models.Paper, 0)
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}
