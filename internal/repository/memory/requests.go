package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
)

// CreateRequest сохраняет заявку. Код уникален среди ожидающих; просроченные держатели кода закрываются.
func (s *Store) CreateRequest(_ context.Context, r *domain.OverrideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.requests {
		if other.Code != r.Code || other.Status != domain.RequestPending {
			continue
		}
		if r.CreatedAt.After(other.ExpiresAt) {
			other.Status = domain.RequestExpired
			continue
		}
		return domain.ErrConflict
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*domain.OverrideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetRequestByCode - самая свежая заявка с этим кодом.
func (s *Store) GetRequestByCode(_ context.Context, code string) (*domain.OverrideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.OverrideRequest
	for _, r := range s.requests {
		if r.Code == code && (found == nil || r.CreatedAt.After(found.CreatedAt)) {
			found = r
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) ListPending(_ context.Context, f domain.PendingFilter, now time.Time) ([]domain.OverrideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OverrideRequest, 0)
	for _, r := range s.requests {
		if r.EffectiveStatus(now) != domain.RequestPending {
			continue
		}
		if f.ShiftID != "" && r.Context.ShiftID != f.ShiftID {
			continue
		}
		if f.RegisterID != "" && r.Context.RegisterID != f.RegisterID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Resolve - compare-and-swap pending -> approved/denied вместе с записью аудита.
func (s *Store) Resolve(_ context.Context, res domain.Resolution, entry *domain.OverrideLogEntry) (*domain.OverrideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[res.RequestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.replayLocked(r, res, entry) {
		cp := *r
		return &cp, nil
	}
	if err := r.CanTransitionTo(res.Status, res.At); err != nil {
		if r.Status == domain.RequestPending && r.EffectiveStatus(res.At) == domain.RequestExpired {
			r.Status = domain.RequestExpired
		}
		return nil, err
	}

	at := res.At.UTC()
	r.Status = res.Status
	r.ResolvedBy = &res.ResolvedBy
	r.ResolvedAt = &at
	if res.Reason != "" {
		reason := res.Reason
		r.Reason = &reason
	}
	if entry != nil {
		s.appendLocked(entry)
	}
	cp := *r
	return &cp, nil
}

// replayLocked - повтор уже зафиксированной резолюции: то же решение и его запись аудита уже в журнале.
func (s *Store) replayLocked(r *domain.OverrideRequest, res domain.Resolution, entry *domain.OverrideLogEntry) bool {
	if entry == nil || !r.ResolvedAs(res) {
		return false
	}
	_, journaled := s.auditIDs[entry.ID]
	return journaled
}

// ExpireOverdue закрывает просроченные заявки и возвращает их ID.
func (s *Store) ExpireOverdue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, r := range s.requests {
		if r.Status == domain.RequestPending && now.After(r.ExpiresAt) {
			r.Status = domain.RequestExpired
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
