package postgres

/*
Файл threshold_repo.go хранит пороги и лестницы уровней подтверждения.
Горячий путь оценки читает их из RAM (policy.Registry); сюда ходят только админка и холодная загрузка.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

const thresholdColumns = `id, override_type, channel, category_id, is_active, description, created_at, updated_at`

func scanThreshold(row pgx.Row) (domain.Threshold, error) {
	var t domain.Threshold
	err := row.Scan(&t.ID, &t.OverrideType, &t.Channel, &t.CategoryID, &t.IsActive, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// ListThresholds возвращает все пороги, включая деактивированные.
func (r *Repo) ListThresholds(ctx context.Context) ([]domain.Threshold, error) {
	return r.listThresholds(ctx, false)
}

// ListActiveThresholds выполняет "холодную загрузку" активных порогов для кэша.
func (r *Repo) ListActiveThresholds(ctx context.Context) ([]domain.Threshold, error) {
	return r.listThresholds(ctx, true)
}

func (r *Repo) listThresholds(ctx context.Context, activeOnly bool) ([]domain.Threshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM override_thresholds`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapErr("list thresholds", err)
	}
	defer rows.Close()

	results := make([]domain.Threshold, 0)
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, mapErr("scan threshold", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows iteration", err)
	}

	levels, err := r.levels(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Levels = levels[results[i].ID]
		results[i].Normalize()
	}
	return results, nil
}

func (r *Repo) GetThreshold(ctx context.Context, id string) (*domain.Threshold, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}
	t, err := scanThreshold(r.pool.QueryRow(ctx, `SELECT `+thresholdColumns+` FROM override_thresholds WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get threshold", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, threshold_id, tier, max_value::text, is_unlimited, description
		FROM override_approval_levels WHERE threshold_id = $1`, id)
	if err != nil {
		return nil, mapErr("get levels", err)
	}
	byThreshold, err := scanLevels(rows)
	if err != nil {
		return nil, err
	}
	t.Levels = byThreshold[id]
	t.Normalize()
	return &t, nil
}

func (r *Repo) levels(ctx context.Context, activeOnly bool) (map[string][]domain.ApprovalLevel, error) {
	query := `
		SELECT l.id, l.threshold_id, l.tier, l.max_value::text, l.is_unlimited, l.description
		FROM override_approval_levels l
		JOIN override_thresholds t ON t.id = l.threshold_id`
	if activeOnly {
		query += ` WHERE t.is_active`
	}
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapErr("list levels", err)
	}
	return scanLevels(rows)
}

func scanLevels(rows pgx.Rows) (map[string][]domain.ApprovalLevel, error) {
	defer rows.Close()
	out := make(map[string][]domain.ApprovalLevel)
	for rows.Next() {
		var (
			l        domain.ApprovalLevel
			tier     string
			maxValue *string
		)
		if err := rows.Scan(&l.ID, &l.ThresholdID, &tier, &maxValue, &l.IsUnlimited, &l.Description); err != nil {
			return nil, mapErr("scan level", err)
		}
		parsed, err := domain.ParseTier(tier)
		if err != nil {
			return nil, fmt.Errorf("postgres: level %s: %w", l.ID, err)
		}
		l.Tier = parsed
		if v, err := parseNum(maxValue); err != nil {
			return nil, err
		} else if v != nil {
			l.MaxValue = *v
		}
		out[l.ThresholdID] = append(out[l.ThresholdID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows iteration", err)
	}
	return out, nil
}

// CreateThreshold сохраняет порог вместе с лестницей одной транзакцией.
func (r *Repo) CreateThreshold(ctx context.Context, t *domain.Threshold) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO override_thresholds (id, override_type, channel, category_id, is_active, description)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at`,
			t.ID, t.OverrideType, t.Channel, t.CategoryID, t.IsActive, t.Description,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return scopeErr("create threshold", err)
		}
		return insertLevels(ctx, tx, t)
	})
}

// UpdateThreshold заменяет атрибуты и лестницу целиком.
func (r *Repo) UpdateThreshold(ctx context.Context, t *domain.Threshold) error {
	if !isUUID(t.ID) {
		return domain.ErrNotFound
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE override_thresholds
			SET override_type = $1, channel = $2, category_id = $3, is_active = $4, description = $5, updated_at = NOW()
			WHERE id = $6
			RETURNING created_at, updated_at`,
			t.OverrideType, t.Channel, t.CategoryID, t.IsActive, t.Description, t.ID,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return scopeErr("update threshold", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM override_approval_levels WHERE threshold_id = $1`, t.ID); err != nil {
			return mapErr("replace levels", err)
		}
		return insertLevels(ctx, tx, t)
	})
}

// DeleteThreshold деактивирует порог: записи журнала продолжают на него ссылаться.
func (r *Repo) DeleteThreshold(ctx context.Context, id string) error {
	if !isUUID(id) {
		return domain.ErrNotFound
	}
	ct, err := r.pool.Exec(ctx, `UPDATE override_thresholds SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete threshold", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func insertLevels(ctx context.Context, tx pgx.Tx, t *domain.Threshold) error {
	batch := &pgx.Batch{}
	for i := range t.Levels {
		l := &t.Levels[i]
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		l.ThresholdID = t.ID
		var maxValue any
		if !l.IsUnlimited {
			maxValue = l.MaxValue.String()
		}
		batch.Queue(`
			INSERT INTO override_approval_levels (id, threshold_id, tier, max_value, is_unlimited, description)
			VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
			l.ID, l.ThresholdID, l.Tier.String(), maxValue, l.IsUnlimited, l.Description)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr("insert levels", err)
	}
	return nil
}

// scopeErr: нарушение уникального индекса активного скоупа - дубликат порога.
func scopeErr(op string, err error) error {
	mapped := mapErr(op, err)
	if errors.Is(mapped, domain.ErrConflict) {
		return domain.ErrDuplicateScope
	}
	return mapped
}
