package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

func (s *Store) Append(_ context.Context, e *domain.OverrideLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *Store) appendLocked(e *domain.OverrideLogEntry) {
	if _, dup := s.auditIDs[e.ID]; dup {
		return
	}
	s.auditIDs[e.ID] = struct{}{}
	s.audit = append(s.audit, *e)
}

func (s *Store) History(_ context.Context, f domain.HistoryFilter, p domain.Pagination) ([]domain.OverrideLogEntry, int64, error) {
	s.mu.RLock()
	matched := s.matchLocked(f)
	s.mu.RUnlock()

	// Новые сверху
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	if p.Offset >= len(matched) {
		return []domain.OverrideLogEntry{}, total, nil
	}
	end := min(p.Offset+p.Limit, len(matched))
	return matched[p.Offset:end], total, nil
}

func (s *Store) Summary(_ context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error) {
	s.mu.RLock()
	matched := s.matchLocked(f)
	s.mu.RUnlock()

	rows := map[string]*domain.SummaryRow{}
	for _, e := range matched {
		var key string
		switch groupBy {
		case domain.GroupByApprovedBy:
			if e.ApprovedBy != nil {
				key = *e.ApprovedBy
			}
		case domain.GroupByDay:
			key = e.CreatedAt.UTC().Format(time.DateOnly)
		default:
			key = string(e.OverrideType)
		}
		row, ok := rows[key]
		if !ok {
			row = &domain.SummaryRow{Key: key, OriginalTotal: decimal.Zero, OverrideTotal: decimal.Zero}
			rows[key] = row
		}
		row.Total++
		if e.WasApproved {
			row.Approved++
		} else {
			row.Denied++
		}
		if e.OriginalValue != nil {
			row.OriginalTotal = row.OriginalTotal.Add(*e.OriginalValue)
		}
		if e.OverrideValue != nil {
			row.OverrideTotal = row.OverrideTotal.Add(*e.OverrideValue)
		}
	}

	out := make([]domain.SummaryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CountApprovedSince считает только решения, подтвержденные PIN-кодом внутри сервиса.
// Голые проверки PIN и внешние записи logOverride дневной лимит не расходуют.
func (s *Store) CountApprovedSince(_ context.Context, managerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.audit {
		if !e.WasApproved || !e.Verified || e.OverrideType == domain.OverridePinVerification {
			continue
		}
		if e.ApprovedBy != nil && *e.ApprovedBy == managerID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) matchLocked(f domain.HistoryFilter) []domain.OverrideLogEntry {
	out := make([]domain.OverrideLogEntry, 0)
	for _, e := range s.audit {
		switch {
		case f.From != nil && e.CreatedAt.Before(*f.From):
		case f.To != nil && !e.CreatedAt.Before(*f.To):
		case f.OverrideType != "" && e.OverrideType != f.OverrideType:
		case f.ApprovedBy != "" && (e.ApprovedBy == nil || *e.ApprovedBy != f.ApprovedBy):
		case f.WasApproved != nil && e.WasApproved != *f.WasApproved:
		case f.TransactionID != "" && e.Context.TransactionID != f.TransactionID:
		case f.ShiftID != "" && e.Context.ShiftID != f.ShiftID:
		case f.CashierID != "" && e.Context.CashierID != f.CashierID:
		case f.RequestID != "" && e.Context.RequestID != f.RequestID:
		default:
			out = append(out, e)
		}
	}
	return out
}
