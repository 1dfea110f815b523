package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/pos-override-authority/internal/domain"
)

// AuditReader описывает контракт для чтения журнала (audit.Journal).
type AuditReader interface {
	History(ctx context.Context, f domain.HistoryFilter, p domain.Pagination) (*domain.HistoryPage, error)
	Summary(ctx context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error)
}

type AuditService struct {
	journal AuditReader
}

func NewAuditService(journal AuditReader) *AuditService {
	return &AuditService{
		journal: journal,
	}
}

// History запрашивает страницу журнала с фильтрацией.
func (s *AuditService) History(ctx context.Context, f domain.HistoryFilter, p domain.Pagination) (*domain.HistoryPage, error) {
	page, err := s.journal.History(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch history: %w", err)
	}
	return page, nil
}

func (s *AuditService) Summary(ctx context.Context, groupBy domain.SummaryGroupBy, f domain.HistoryFilter) ([]domain.SummaryRow, error) {
	rows, err := s.journal.Summary(ctx, groupBy, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to build summary: %w", err)
	}
	return rows, nil
}
