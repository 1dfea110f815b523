package audit

/*
Журнал подтверждений - система учета для комплаенса.

Запись синхронная: вызывающий сценарий получает logId только после подтверждения хранилищем.
Сбой записи ретраится (Guard: retry + circuit breaker); если запись так и не удалась,
наверх уходит ErrAuditUnavailable, и действие считается неподтвержденным (fail closed).
Записи никогда не обновляются и не удаляются.
*/

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

// Store - append-only хранилище записей.
type Store interface {
	// Append должен быть идемпотентен по ID: повтор после потерянного ответа не создает дубль.
	Append(ctx context.Context, e *domain.OverrideLogEntry) error
	History(ctx context.Context, f domain.HistoryFilter, p domain.Pagination) ([]domain.OverrideLogEntry, int64, error)
	Summary(ctx context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error)
	CountApprovedSince(ctx context.Context, managerID string, since time.Time) (int, error)
}

// Guard - обертка надежности для инфраструктурных вызовов (infra.Guard).
type Guard interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

type Journal struct {
	store  Store
	guard  Guard
	logger *zap.Logger
	now    func() time.Time
}

func NewJournal(store Store, guard Guard, logger *zap.Logger) *Journal {
	return &Journal{store: store, guard: guard, logger: logger.Named("audit"), now: time.Now}
}

// WithClock подменяет часы (тесты).
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Prepare проставляет ID и время, если их нет. Используется и транзакцией решения по заявке.
func (j *Journal) Prepare(e *domain.OverrideLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now().UTC()
	}
}

// Record добавляет запись и возвращает ее ID.
func (j *Journal) Record(ctx context.Context, e *domain.OverrideLogEntry) (string, error) {
	j.Prepare(e)
	err := j.guard.Do(ctx, func(ctx context.Context) error {
		return j.store.Append(ctx, e)
	})
	if err != nil {
		j.logger.Error("audit write failed",
			zap.String("id", e.ID),
			zap.String("override_type", string(e.OverrideType)),
			zap.Bool("was_approved", e.WasApproved),
			zap.Error(err))
		return "", err
	}
	return e.ID, nil
}

// LogOverride - запись решения, принятого вызывающим (например, после validateManagerPin на кассе).
func (j *Journal) LogOverride(ctx context.Context, in domain.LogOverrideInput, ip string) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	e := &domain.OverrideLogEntry{
		OverrideType:   in.OverrideType,
		ThresholdID:    in.ThresholdID,
		Context:        in.Context,
		ApprovedBy:     in.ApprovedBy,
		OriginalValue:  in.OriginalValue,
		OverrideValue:  in.OverrideValue,
		WasApproved:    in.WasApproved,
		ProductContext: in.ProductContext,
		IPAddress:      ip,
	}
	if !in.WasApproved {
		reason := domain.DenialNotApproved
		if in.Reason != nil && *in.Reason != "" {
			reason = *in.Reason
		}
		e.DenialReason = &reason
	}
	return j.Record(ctx, e)
}

// History - страница записей с общим числом совпадений.
func (j *Journal) History(ctx context.Context, f domain.HistoryFilter, p domain.Pagination) (*domain.HistoryPage, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, domain.NewValidationError("to", "must not be before from")
	}
	p = p.Normalize()
	items, total, err := j.store.History(ctx, f, p)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.OverrideLogEntry{}
	}
	return &domain.HistoryPage{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

func (j *Journal) Summary(ctx context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, domain.NewValidationError("to", "must not be before from")
	}
	rows, err := j.store.Summary(ctx, groupBy, f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.SummaryRow{}
	}
	return rows, nil
}

// CountApprovedSince - использование дневного лимита менеджера.
func (j *Journal) CountApprovedSince(ctx context.Context, managerID string, since time.Time) (int, error) {
	return j.store.CountApprovedSince(ctx, managerID, since)
}
