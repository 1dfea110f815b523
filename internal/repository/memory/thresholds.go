package memory

import (
	"context"
	"sort"

	"github.com/xela07ax/pos-override-authority/internal/domain"
)

func (s *Store) ListThresholds(_ context.Context) ([]domain.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Threshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		out = append(out, cloneThreshold(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveThresholds(ctx context.Context) ([]domain.Threshold, error) {
	all, _ := s.ListThresholds(ctx)
	out := all[:0]
	for _, t := range all {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) GetThreshold(_ context.Context, id string) (*domain.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.thresholds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := cloneThreshold(t)
	return &cp, nil
}

func (s *Store) CreateThreshold(_ context.Context, t *domain.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.thresholds[t.ID]; ok {
		return domain.ErrConflict
	}
	if err := s.checkScopeLocked(t); err != nil {
		return err
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.stampLevels(t)
	cp := cloneThreshold(t)
	s.thresholds[t.ID] = &cp
	return nil
}

func (s *Store) UpdateThreshold(_ context.Context, t *domain.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.thresholds[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := s.checkScopeLocked(t); err != nil {
		return err
	}
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now().UTC()
	s.stampLevels(t)
	cp := cloneThreshold(t)
	s.thresholds[t.ID] = &cp
	return nil
}

// DeleteThreshold деактивирует порог: записи аудита продолжают на него ссылаться.
func (s *Store) DeleteThreshold(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thresholds[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.IsActive = false
	t.UpdatedAt = s.now().UTC()
	return nil
}

// checkScopeLocked - не более одного активного порога на (тип, канал, категория).
func (s *Store) checkScopeLocked(t *domain.Threshold) error {
	if !t.IsActive {
		return nil
	}
	key := t.ScopeKey()
	for id, other := range s.thresholds {
		if id != t.ID && other.IsActive && other.ScopeKey() == key {
			return domain.ErrDuplicateScope
		}
	}
	return nil
}

func (s *Store) stampLevels(t *domain.Threshold) {
	for i := range t.Levels {
		t.Levels[i].ThresholdID = t.ID
		if t.Levels[i].ID == "" {
			t.Levels[i].ID = t.ID + ":" + t.Levels[i].Tier.String()
		}
	}
}
