package postgres

/*
Пакет postgres - долговременное хранилище подсистемы подтверждений.
Один Repo на пул соединений; методы разнесены по файлам по таблицам.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
)

type Repo struct {
	pool *pgxpool.Pool
}

// Open создает пул и проверяет доступность базы.
func Open(ctx context.Context, cfg infra.DatabaseConfig) (*Repo, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Ping проверяет доступность базы (health)
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repo) Close() {
	r.pool.Close()
}

// execer - общий интерфейс пула и транзакции.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"

	// Класс 22 - data exception: кривой UUID, переполнение NUMERIC и т.п.
	dataExceptionClass = "22"
)

// mapErr приводит ошибки драйвера к таксономии домена.
// Отказы из-за содержимого запроса становятся ErrValidation: их нельзя
// повторять и они не должны размыкать предохранитель хранилища.
func mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return fmt.Errorf("postgres: %s: %w", op, domain.ErrConflict)
		case pgErr.Code == checkViolation, strings.HasPrefix(pgErr.Code, dataExceptionClass):
			return fmt.Errorf("postgres: %s: %s: %w", op, pgErr.Message, domain.ErrValidation)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// NUMERIC передаем и читаем текстом: без потерь точности и без отдельного кодека.
func numArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNum(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("postgres: bad numeric %q: %w", *s, err)
	}
	return &d, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isUUID отсекает заведомо несуществующие ID до запроса (колонки UUID отвергли бы их ошибкой приведения).
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
