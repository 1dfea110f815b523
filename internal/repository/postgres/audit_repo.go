package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

const entryColumns = `id::text, override_type, threshold_id::text, transaction_id, quotation_id, shift_id, register_id,
	cashier_id, request_id, approved_by, approval_level, original_value::text, override_value::text,
	was_approved, denial_reason, product_context, ip_address, verified, created_at`

// Append дописывает запись. Повтор с тем же ID (ретрай после таймаута) ничего не меняет.
func (r *Repo) Append(ctx context.Context, e *domain.OverrideLogEntry) error {
	if err := insertEntry(ctx, r.pool, e); err != nil {
		return mapErr("append audit", err)
	}
	return nil
}

func insertEntry(ctx context.Context, db execer, e *domain.OverrideLogEntry) error {
	var productCtx []byte
	if len(e.ProductContext) > 0 {
		var err error
		if productCtx, err = json.Marshal(e.ProductContext); err != nil {
			return fmt.Errorf("marshal product context: %w", err)
		}
	}
	var level any
	if e.ApprovalLevel != nil {
		level = e.ApprovalLevel.String()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO override_log (id, override_type, threshold_id, transaction_id, quotation_id, shift_id, register_id,
			cashier_id, request_id, approved_by, approval_level, original_value, override_value,
			was_approved, denial_reason, product_context, ip_address, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13::numeric, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.OverrideType), e.ThresholdID,
		nullIfEmpty(e.Context.TransactionID), nullIfEmpty(e.Context.QuotationID), nullIfEmpty(e.Context.ShiftID),
		nullIfEmpty(e.Context.RegisterID), nullIfEmpty(e.Context.CashierID), nullIfEmpty(e.Context.RequestID),
		e.ApprovedBy, level, numArg(e.OriginalValue), numArg(e.OverrideValue),
		e.WasApproved, e.DenialReason, productCtx, e.IPAddress, e.Verified, e.CreatedAt,
	)
	return err
}

func scanEntry(row pgx.Row) (*domain.OverrideLogEntry, error) {
	var (
		e                                      domain.OverrideLogEntry
		txID, quoteID, shiftID, regID, cashier *string
		requestID, level, original, overridden *string
		productCtx                             []byte
	)
	err := row.Scan(&e.ID, &e.OverrideType, &e.ThresholdID, &txID, &quoteID, &shiftID, &regID,
		&cashier, &requestID, &e.ApprovedBy, &level, &original, &overridden,
		&e.WasApproved, &e.DenialReason, &productCtx, &e.IPAddress, &e.Verified, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Context = domain.ContextIDs{
		TransactionID: strOrEmpty(txID),
		QuotationID:   strOrEmpty(quoteID),
		ShiftID:       strOrEmpty(shiftID),
		RegisterID:    strOrEmpty(regID),
		CashierID:     strOrEmpty(cashier),
		RequestID:     strOrEmpty(requestID),
	}
	if level != nil {
		tier, err := domain.ParseTier(*level)
		if err != nil {
			return nil, fmt.Errorf("postgres: audit %s: %w", e.ID, err)
		}
		e.ApprovalLevel = &tier
	}
	if e.OriginalValue, err = parseNum(original); err != nil {
		return nil, err
	}
	if e.OverrideValue, err = parseNum(overridden); err != nil {
		return nil, err
	}
	if len(productCtx) > 0 {
		if err := json.Unmarshal(productCtx, &e.ProductContext); err != nil {
			return nil, fmt.Errorf("postgres: audit %s product context: %w", e.ID, err)
		}
	}
	return &e, nil
}

// historyWhere собирает WHERE с позиционными параметрами.
func historyWhere(f domain.HistoryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if f.OverrideType != "" {
		add("override_type = $%d", string(f.OverrideType))
	}
	if f.ApprovedBy != "" {
		add("approved_by = $%d", f.ApprovedBy)
	}
	if f.WasApproved != nil {
		add("was_approved = $%d", *f.WasApproved)
	}
	if f.TransactionID != "" {
		add("transaction_id = $%d", f.TransactionID)
	}
	if f.ShiftID != "" {
		add("shift_id = $%d", f.ShiftID)
	}
	if f.CashierID != "" {
		add("cashier_id = $%d", f.CashierID)
	}
	if f.RequestID != "" {
		add("request_id = $%d", f.RequestID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// History - страница журнала (новые сверху) и общее число совпадений.
func (r *Repo) History(ctx context.Context, f domain.HistoryFilter, p domain.Pagination) ([]domain.OverrideLogEntry, int64, error) {
	where, args := historyWhere(f)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM override_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr("count audit", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM override_log%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, mapErr("list audit", err)
	}
	defer rows.Close()

	items := make([]domain.OverrideLogEntry, 0, p.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, mapErr("scan audit", err)
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapErr("rows iteration", err)
	}
	return items, total, nil
}

var summaryKeys = map[domain.SummaryGroupBy]string{
	domain.GroupByOverrideType: "override_type",
	domain.GroupByApprovedBy:   "COALESCE(approved_by, '')",
	domain.GroupByDay:          "to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')",
}

// Summary - агрегаты журнала в выбранном разрезе.
func (r *Repo) Summary(ctx context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error) {
	key, ok := summaryKeys[groupBy]
	if !ok {
		return nil, domain.NewValidationError("group_by", "unsupported grouping")
	}
	where, args := historyWhere(f)
	query := fmt.Sprintf(`
		SELECT %[1]s AS key,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE was_approved),
		       COUNT(*) FILTER (WHERE NOT was_approved),
		       COALESCE(SUM(original_value), 0)::text,
		       COALESCE(SUM(override_value), 0)::text
		FROM override_log%[2]s
		GROUP BY 1
		ORDER BY 1`, key, where)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("summary audit", err)
	}
	defer rows.Close()

	out := make([]domain.SummaryRow, 0)
	for rows.Next() {
		var (
			row                domain.SummaryRow
			original, override string
		)
		if err := rows.Scan(&row.Key, &row.Total, &row.Approved, &row.Denied, &original, &override); err != nil {
			return nil, mapErr("scan summary", err)
		}
		if row.OriginalTotal, err = decimal.NewFromString(original); err != nil {
			return nil, fmt.Errorf("postgres: summary total: %w", err)
		}
		if row.OverrideTotal, err = decimal.NewFromString(override); err != nil {
			return nil, fmt.Errorf("postgres: summary total: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows iteration", err)
	}
	return out, nil
}

// CountApprovedSince - расход дневного лимита менеджера.
// Считаются только решения, подтвержденные PIN-кодом внутри сервиса; голые проверки PIN не считаются.
func (r *Repo) CountApprovedSince(ctx context.Context, managerID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM override_log
		WHERE was_approved AND verified AND approved_by = $1 AND created_at >= $2 AND override_type <> $3`,
		managerID, since, string(domain.OverridePinVerification)).Scan(&n)
	if err != nil {
		return 0, mapErr("count approved", err)
	}
	return n, nil
}
