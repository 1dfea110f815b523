package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

const credentialColumns = `user_id, manager_name, pin_hash, pin_lookup, approval_level, max_daily_overrides, valid_until, created_by, created_at, updated_at`

func scanCredential(row pgx.Row) (*domain.ManagerCredential, error) {
	var (
		c     domain.ManagerCredential
		level string
	)
	err := row.Scan(&c.UserID, &c.ManagerName, &c.PinHash, &c.PinLookup, &level,
		&c.MaxDailyOverrides, &c.ValidUntil, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tier, err := domain.ParseTier(level)
	if err != nil {
		return nil, fmt.Errorf("postgres: credential %s: %w", c.UserID, err)
	}
	c.ApprovalLevel = tier
	return &c, nil
}

// FindByLookup - поиск владельца PIN по HMAC-дайджесту (уникальный индекс).
func (r *Repo) FindByLookup(ctx context.Context, lookup string) (*domain.ManagerCredential, error) {
	c, err := scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM manager_credentials WHERE pin_lookup = $1`, lookup))
	if err != nil {
		return nil, mapErr("find credential", err)
	}
	return c, nil
}

func (r *Repo) GetCredential(ctx context.Context, userID string) (*domain.ManagerCredential, error) {
	c, err := scanCredential(r.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM manager_credentials WHERE user_id = $1`, userID))
	if err != nil {
		return nil, mapErr("get credential", err)
	}
	return c, nil
}

func (r *Repo) ListCredentials(ctx context.Context) ([]domain.ManagerCredential, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+credentialColumns+` FROM manager_credentials ORDER BY user_id`)
	if err != nil {
		return nil, mapErr("list credentials", err)
	}
	defer rows.Close()

	results := make([]domain.ManagerCredential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, mapErr("scan credential", err)
		}
		results = append(results, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows iteration", err)
	}
	return results, nil
}

// UpsertCredential создает или ротирует PIN. Совпадение PIN с чужим ловит уникальный индекс pin_lookup.
func (r *Repo) UpsertCredential(ctx context.Context, c *domain.ManagerCredential) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO manager_credentials (user_id, manager_name, pin_hash, pin_lookup, approval_level, max_daily_overrides, valid_until, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET manager_name = EXCLUDED.manager_name,
		    pin_hash = EXCLUDED.pin_hash,
		    pin_lookup = EXCLUDED.pin_lookup,
		    approval_level = EXCLUDED.approval_level,
		    max_daily_overrides = EXCLUDED.max_daily_overrides,
		    valid_until = EXCLUDED.valid_until,
		    updated_at = NOW()
		RETURNING created_at, updated_at`,
		c.UserID, c.ManagerName, c.PinHash, c.PinLookup, c.ApprovalLevel.String(),
		c.MaxDailyOverrides, c.ValidUntil, c.CreatedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return mapErr("upsert credential", err)
	}
	return nil
}

// RevokeCredential закрывает срок действия; запись остается для аудита.
func (r *Repo) RevokeCredential(ctx context.Context, userID string, at time.Time) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE manager_credentials SET valid_until = $1, updated_at = NOW() WHERE user_id = $2`, at, userID)
	if err != nil {
		return mapErr("revoke credential", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
