package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"genpaper/internal/models"
	"genpaper/internal/util"
)

type QuotaRepo struct {
	db              *DB
	dailyPDFLimit   int
	monthlyOCRLimit int
}

func NewQuotaRepo(db *DB, dailyPDFLimit, monthlyOCRLimit int) *QuotaRepo {
	return &QuotaRepo{db: db, dailyPDFLimit: dailyPDFLimit, monthlyOCRLimit: monthlyOCRLimit}
}

func (r *QuotaRepo) ensure(ctx context.Context, tx pgx.Tx, ownerID string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO user_quotas (owner_id, daily_pdf_limit, monthly_ocr_limit) VALUES ($1, $2, $3)
ON CONFLICT (owner_id) DO NOTHING`, ownerID, r.dailyPDFLimit, r.monthlyOCRLimit)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}
	return nil
}

// ReserveDailyPDF takes one daily slot with a single conditional update.
// A stale day window is rolled over in the same statement.
func (r *QuotaRepo) ReserveDailyPDF(ctx context.Context, ownerID string) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.ensure(ctx, tx, ownerID); err != nil {
			return err
		}
		var used int
		err := tx.QueryRow(ctx, `
UPDATE user_quotas SET
  daily_pdf_used = CASE WHEN daily_reset_at < date_trunc('day', NOW()) THEN 1 ELSE daily_pdf_used + 1 END,
  daily_reset_at = GREATEST(daily_reset_at, date_trunc('day', NOW()))
WHERE owner_id = $1
  AND (daily_reset_at < date_trunc('day', NOW()) OR daily_pdf_used < daily_pdf_limit)
  AND daily_pdf_limit > 0
RETURNING daily_pdf_used`, ownerID).Scan(&used)
		if errors.Is(err, pgx.ErrNoRows) {
			return util.ErrQuotaExceeded
		}
		if err != nil {
			return fmt.Errorf("reserve daily pdf: %w", err)
		}
		return nil
	})
}

// ReleaseDailyPDF hands back a slot taken today by a job that was never created.
func (r *QuotaRepo) ReleaseDailyPDF(ctx context.Context, ownerID string) error {
	_, err := r.db.Pool.Exec(ctx, `
UPDATE user_quotas SET daily_pdf_used = GREATEST(daily_pdf_used - 1, 0)
WHERE owner_id = $1 AND daily_reset_at >= date_trunc('day', NOW())`, ownerID)
	if err != nil {
		return fmt.Errorf("release daily pdf: %w", err)
	}
	return nil
}

func (r *QuotaRepo) OCRAvailable(ctx context.Context, ownerID string) (bool, error) {
	q, err := r.GetQuota(ctx, ownerID)
	if errors.Is(err, util.ErrNotFound) {
		return r.monthlyOCRLimit > 0, nil
	}
	if err != nil {
		return false, err
	}
	return q.MonthlyOCRUsed < q.MonthlyOCRLimit, nil
}

// RecordCompletion books OCR usage for a completed job.
func (r *QuotaRepo) RecordCompletion(ctx context.Context, ownerID string, usedOCR bool) error {
	if !usedOCR {
		return nil
	}
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.ensure(ctx, tx, ownerID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
UPDATE user_quotas SET monthly_ocr_used = LEAST(monthly_ocr_limit, monthly_ocr_used + 1)
WHERE owner_id = $1`, ownerID)
		if err != nil {
			return fmt.Errorf("record ocr usage: %w", err)
		}
		return nil
	})
}

func (r *QuotaRepo) GetQuota(ctx context.Context, ownerID string) (models.UserQuota, error) {
	var q models.UserQuota
	err := r.db.Pool.QueryRow(ctx, `
SELECT owner_id, daily_pdf_limit, daily_pdf_used, monthly_ocr_limit, monthly_ocr_used, daily_reset_at, monthly_reset_at
FROM user_quotas WHERE owner_id=$1`, ownerID).
		Scan(&q.OwnerID, &q.DailyPDFLimit, &q.DailyPDFUsed, &q.MonthlyOCRLimit, &q.MonthlyOCRUsed, &q.DailyResetAt, &q.MonthlyResetAt)
	if err != nil {
		return models.UserQuota{}, fmt.Errorf("get quota: %w", notFound(err))
	}
	return q, nil
}

func (r *QuotaRepo) ResetDaily(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE user_quotas SET daily_pdf_used = 0, daily_reset_at = date_trunc('day', NOW())
WHERE daily_reset_at < date_trunc('day', NOW())`)
	if err != nil {
		return 0, fmt.Errorf("reset daily quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *QuotaRepo) ResetMonthly(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE user_quotas SET monthly_ocr_used = 0, monthly_reset_at = date_trunc('month', NOW())
WHERE monthly_reset_at < date_trunc('month', NOW())`)
	if err != nil {
		return 0, fmt.Errorf("reset monthly quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}
