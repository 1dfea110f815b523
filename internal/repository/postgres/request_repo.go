package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

const requestColumns = `id::text, code, override_type, value::text, required_level, threshold_id::text, payload, context,
	requested_by, status, resolved_by, reason, resolved_at, expires_at, created_at`

func scanRequest(row pgx.Row) (*domain.OverrideRequest, error) {
	var (
		r       domain.OverrideRequest
		value   *string
		level   string
		payload []byte
		ctxJSON []byte
	)
	err := row.Scan(&r.ID, &r.Code, &r.OverrideType, &value, &level, &r.ThresholdID, &payload, &ctxJSON,
		&r.RequestedBy, &r.Status, &r.ResolvedBy, &r.Reason, &r.ResolvedAt, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if r.Value, err = parseNum(value); err != nil {
		return nil, err
	}
	if r.RequiredLevel, err = domain.ParseTier(level); err != nil {
		return nil, fmt.Errorf("postgres: request %s: %w", r.ID, err)
	}
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &r.Context); err != nil {
			return nil, fmt.Errorf("postgres: request %s context: %w", r.ID, err)
		}
	}
	return &r, nil
}

// CreateRequest вставляет заявку. Ожидающий держатель того же кода с истекшим сроком закрывается в той же транзакции.
func (r *Repo) CreateRequest(ctx context.Context, req *domain.OverrideRequest) error {
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("postgres: marshal request context: %w", err)
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = []byte(req.Payload)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE override_requests SET status = 'expired'
			WHERE code = $1 AND status = 'pending' AND expires_at < $2`,
			req.Code, req.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO override_requests (id, code, override_type, value, required_level, threshold_id, payload, context,
				requested_by, status, expires_at, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12)`,
			req.ID, req.Code, string(req.OverrideType), numArg(req.Value), req.RequiredLevel.String(), req.ThresholdID,
			payload, ctxJSON, req.RequestedBy, string(req.Status), req.ExpiresAt, req.CreatedAt)
		return err
	})
	if err != nil {
		return mapErr("create request", err)
	}
	return nil
}

func (r *Repo) GetRequest(ctx context.Context, id string) (*domain.OverrideRequest, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}
	req, err := scanRequest(r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM override_requests WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get request", err)
	}
	return req, nil
}

// GetRequestByCode - самая свежая заявка с этим кодом.
func (r *Repo) GetRequestByCode(ctx context.Context, code string) (*domain.OverrideRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM override_requests WHERE code = $1 ORDER BY created_at DESC LIMIT 1`, code))
	if err != nil {
		return nil, mapErr("get request by code", err)
	}
	return req, nil
}

func (r *Repo) ListPending(ctx context.Context, f domain.PendingFilter, now time.Time) ([]domain.OverrideRequest, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = domain.MaxPageLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM override_requests
		WHERE status = 'pending' AND expires_at >= $1
		  AND ($2 = '' OR context->>'shift_id' = $2)
		  AND ($3 = '' OR context->>'register_id' = $3)
		ORDER BY created_at
		LIMIT $4`, now, f.ShiftID, f.RegisterID, limit)
	if err != nil {
		return nil, mapErr("list pending", err)
	}
	defer rows.Close()

	results := make([]domain.OverrideRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, mapErr("scan request", err)
		}
		results = append(results, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows iteration", err)
	}
	return results, nil
}

// Resolve - compare-and-swap pending -> approved/denied и запись аудита одной транзакцией.
// Проигравший гонку получает ErrAlreadyProcessed; просроченная заявка закрывается и дает ErrRequestExpired.
func (r *Repo) Resolve(ctx context.Context, res domain.Resolution, entry *domain.OverrideLogEntry) (*domain.OverrideRequest, error) {
	if !isUUID(res.RequestID) {
		return nil, domain.ErrNotFound
	}
	var (
		resolved *domain.OverrideRequest
		outcome  error
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		resolved, outcome = nil, nil

		// 1. CAS: строка меняется только из pending и только до истечения
		req, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE override_requests
			SET status = $2, resolved_by = $3, reason = $4, resolved_at = $5
			WHERE id = $1 AND status = 'pending' AND expires_at >= $5
			RETURNING `+requestColumns,
			res.RequestID, string(res.Status), res.ResolvedBy, nullIfEmpty(res.Reason), res.At.UTC()))
		if err == nil {
			// 2. Аудит в той же транзакции: без записи нет и решения
			if entry != nil {
				if err := insertEntry(ctx, tx, entry); err != nil {
					return err
				}
			}
			resolved = req
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// 3. Строка не обновилась: выясняем почему
		current, err := scanRequest(tx.QueryRow(ctx,
			`SELECT `+requestColumns+` FROM override_requests WHERE id = $1 FOR UPDATE`, res.RequestID))
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = domain.ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		// Коммит прошлой попытки состоялся, но ответ потерялся: решение наше и его запись уже в журнале
		if entry != nil && current.ResolvedAs(res) {
			var journaled bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM override_log WHERE id = $1)`, entry.ID).Scan(&journaled); err != nil {
				return err
			}
			if journaled {
				resolved = current
				return nil
			}
		}
		if current.Status == domain.RequestPending {
			if _, err := tx.Exec(ctx, `UPDATE override_requests SET status = 'expired' WHERE id = $1`, res.RequestID); err != nil {
				return err
			}
			outcome = domain.ErrRequestExpired
			return nil
		}
		if current.Status == domain.RequestExpired {
			outcome = domain.ErrRequestExpired
			return nil
		}
		outcome = domain.ErrAlreadyProcessed
		return nil
	})
	if err != nil {
		return nil, mapErr("resolve request", err)
	}
	if outcome != nil {
		return nil, outcome
	}
	return resolved, nil
}

// ExpireOverdue закрывает просроченные заявки и возвращает их ID.
func (r *Repo) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE override_requests SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
		RETURNING id::text`, now)
	if err != nil {
		return nil, mapErr("expire overdue", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapErr("expire overdue", err)
	}
	return ids, nil
}
