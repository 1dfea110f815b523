package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/console/service"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit")}
}

// History возвращает страницу журнала с поддержкой фильтрации
// GET /v1/audit/history?from=&to=&override_type=&approved_by=&was_approved=&transaction_id=&shift_id=&cashier_id=&limit=&offset=
func (h *AuditHandler) History(w http.ResponseWriter, r *http.Request) {
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var p domain.Pagination
	if p.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if p.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, h.logger, err)
		return
	}

	page, err := h.service.History(r.Context(), f, p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Summary - агрегаты в разрезе override_type, approved_by или day.
// GET /v1/audit/summary?group_by=
func (h *AuditHandler) Summary(w http.ResponseWriter, r *http.Request) {
	groupBy, err := domain.ParseGroupBy(r.URL.Query().Get("group_by"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	rows, err := h.service.Summary(r.Context(), groupBy, f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_by": groupBy, "rows": rows})
}

func parseHistoryFilter(r *http.Request) (domain.HistoryFilter, error) {
	q := r.URL.Query()
	f := domain.HistoryFilter{
		OverrideType:  domain.OverrideType(q.Get("override_type")),
		ApprovedBy:    q.Get("approved_by"),
		TransactionID: q.Get("transaction_id"),
		ShiftID:       q.Get("shift_id"),
		CashierID:     q.Get("cashier_id"),
		RequestID:     q.Get("request_id"),
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domain.NewValidationError(name, "must be RFC3339 timestamp")
		}
		*dst = &t
	}
	if raw := q.Get("was_approved"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, domain.NewValidationError("was_approved", "must be true or false")
		}
		f.WasApproved = &b
	}
	return f, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	return n, nil
}
