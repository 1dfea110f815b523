package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
)

func (s *Store) FindByLookup(_ context.Context, lookup string) (*domain.ManagerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.PinLookup == lookup {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) GetCredential(_ context.Context, userID string) (*domain.ManagerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCredentials(_ context.Context) ([]domain.ManagerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ManagerCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpsertCredential создает или ротирует PIN. Совпадение PIN с чужим - конфликт.
func (s *Store) UpsertCredential(_ context.Context, c *domain.ManagerCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, other := range s.credentials {
		if uid != c.UserID && other.PinLookup == c.PinLookup {
			return domain.ErrConflict
		}
	}
	now := s.now().UTC()
	if cur, ok := s.credentials[c.UserID]; ok {
		c.CreatedAt = cur.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.credentials[c.UserID] = &cp
	return nil
}

// RevokeCredential закрывает срок действия; запись остается.
func (s *Store) RevokeCredential(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[userID]
	if !ok {
		return domain.ErrNotFound
	}
	c.ValidUntil = &at
	c.UpdatedAt = s.now().UTC()
	return nil
}
