// Package memory - хранилища в памяти процесса для стенда, демо и тестов.
// Один мьютекс на все таблицы: решение по заявке и запись аудита атомарны так же, как в транзакции Postgres.
package memory

import (
	"sync"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
)

type Store struct {
	mu          sync.RWMutex
	thresholds  map[string]*domain.Threshold
	credentials map[string]*domain.ManagerCredential // userID -> credential
	users       map[string]*domain.User              // username -> user
	requests    map[string]*domain.OverrideRequest
	audit       []domain.OverrideLogEntry
	auditIDs    map[string]struct{}
	now         func() time.Time
}

func New() *Store {
	return &Store{
		thresholds:  make(map[string]*domain.Threshold),
		credentials: make(map[string]*domain.ManagerCredential),
		users:       make(map[string]*domain.User),
		requests:    make(map[string]*domain.OverrideRequest),
		auditIDs:    make(map[string]struct{}),
		now:         time.Now,
	}
}

// WithClock подменяет часы (тесты).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func cloneThreshold(t *domain.Threshold) domain.Threshold {
	cp := *t
	cp.Levels = append([]domain.ApprovalLevel(nil), t.Levels...)
	return cp
}
