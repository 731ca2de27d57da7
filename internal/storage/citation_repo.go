package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

type CitationRepo struct {
	db *DB
}

func NewCitationRepo(db *DB) *CitationRepo {
	return &CitationRepo{db: db}
}

// GetOrCreate stores c unless (project_id, source_key) already exists and returns the stored row.
// The project row lock serializes first_seen_order and cite key suffixes per project; existence
// itself is decided by the conditional insert.
func (r *CitationRepo) GetOrCreate(ctx context.Context, c models.Citation) (models.Citation, bool, error) {
	var out models.Citation
	var created bool
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var one int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM projects WHERE project_id=$1::uuid FOR UPDATE`, c.ProjectID).Scan(&one); err != nil {
			return fmt.Errorf("lock project: %w", notFound(err))
		}

		key, err := freeCiteKey(ctx, tx, c.ProjectID, c.SourceKey, c.CiteKey)
		if err != nil {
			return err
		}
		csl, err := json.Marshal(c.CSL)
		if err != nil {
			return fmt.Errorf("encode csl: %w", err)
		}
		row := tx.QueryRow(ctx, `
INSERT INTO citations (project_id, source_key, paper_id, cite_key, csl_json, first_seen_order, reason, quote)
SELECT $1::uuid, $2, $3, $4, $5, COALESCE(MAX(first_seen_order), 0) + 1, NULLIF($6,''), NULLIF($7,'')
FROM citations WHERE project_id = $1::uuid
ON CONFLICT (project_id, source_key) DO NOTHING
RETURNING `+citationColumns, c.ProjectID, c.SourceKey, c.PaperID, key, csl, c.Reason, c.Quote)
		out, err = scanCitation(row)
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert citation: %w", err)
		}

		out, err = scanCitation(tx.QueryRow(ctx, `SELECT `+citationColumns+` FROM citations WHERE project_id=$1::uuid AND source_key=$2`,
			c.ProjectID, c.SourceKey))
		if err != nil {
			return fmt.Errorf("load citation: %w", err)
		}
		merged, changed := mergeMissingCSL(out.CSL, c.CSL)
		if !changed {
			return nil
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode csl backfill: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE citations SET csl_json=$3 WHERE project_id=$1::uuid AND source_key=$2`,
			c.ProjectID, c.SourceKey, b); err != nil {
			return fmt.Errorf("backfill citation: %w", err)
		}
		out.CSL = merged
		return nil
	})
	if err != nil {
		return models.Citation{}, false, err
	}
	return out, created, nil
}

func (r *CitationRepo) ListByProject(ctx context.Context, projectID string) ([]models.Citation, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+citationColumns+` FROM citations WHERE project_id=$1::uuid ORDER BY first_seen_order ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()
	out := make([]models.Citation, 0)
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const citationColumns = `project_id::text, source_key, paper_id, cite_key, csl_json, first_seen_order,
       COALESCE(reason,''), COALESCE(quote,''), created_at`

func scanCitation(row pgx.Row) (models.Citation, error) {
	var c models.Citation
	var csl []byte
	if err := row.Scan(&c.ProjectID, &c.SourceKey, &c.PaperID, &c.CiteKey, &csl, &c.FirstSeenOrder,
		&c.Reason, &c.Quote, &c.CreatedAt); err != nil {
		return models.Citation{}, err
	}
	if err := json.Unmarshal(csl, &c.CSL); err != nil {
		return models.Citation{}, fmt.Errorf("decode csl: %w", err)
	}
	return c, nil
}

// freeCiteKey returns base, or base with the first unused a..z suffix.
func freeCiteKey(ctx context.Context, tx pgx.Tx, projectID, sourceKey, base string) (string, error) {
	rows, err := tx.Query(ctx, `
SELECT cite_key FROM citations
WHERE project_id=$1::uuid AND source_key <> $2 AND (cite_key = $3 OR cite_key LIKE $3 || '_')`,
		projectID, sourceKey, base)
	if err != nil {
		return "", fmt.Errorf("list cite keys: %w", err)
	}
	defer rows.Close()
	taken := map[string]struct{}{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return "", fmt.Errorf("scan cite key: %w", err)
		}
		taken[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate cite keys: %w", err)
	}
	return util.NextFreeKey(base, func(k string) bool {
		_, ok := taken[k]
		return ok
	}), nil
}

func mergeMissingCSL(have, incoming models.CSL) (models.CSL, bool) {
	changed := false
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" && strings.TrimSpace(src) != "" {
			*dst = src
			changed = true
		}
	}
	fill(&have.DOI, incoming.DOI)
	fill(&have.URL, incoming.URL)
	fill(&have.ContainerTitle, incoming.ContainerTitle)
	fill(&have.Title, incoming.Title)
	if len(have.Author) == 0 && len(incoming.Author) > 0 {
		have.Author = incoming.Author
		changed = true
	}
	if have.Year() == 0 && incoming.Year() > 0 {
		have.Issued = incoming.Issued
		changed = true
	}
	return have, changed
}
