package policy

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"go.uber.org/zap"
)

// ThresholdSource - источник правды для порогов (Postgres или память).
type ThresholdSource interface {
	ListActiveThresholds(ctx context.Context) ([]domain.Threshold, error)
	GetThreshold(ctx context.Context, id string) (*domain.Threshold, error)
}

// Registry - кэш активных порогов в RAM. Горячий путь оценки не ходит в базу:
// снимок перечитывается при старте и по сигналу из Redis после каждой правки администратором.
type Registry struct {
	mu sync.RWMutex
	// Кэш: ScopeKey(type, channel, category) -> порог
	byScope map[string]*domain.Threshold
	byID    map[string]*domain.Threshold

	repo   ThresholdSource
	logger *zap.Logger
}

func NewRegistry(repo ThresholdSource, logger *zap.Logger) *Registry {
	return &Registry{
		byScope: make(map[string]*domain.Threshold),
		byID:    make(map[string]*domain.Threshold),
		repo:    repo,
		logger:  logger.Named("registry"),
	}
}

// Lookup ищет самый специфичный активный порог:
// (канал, категория) -> (категория) -> (канал) -> без скоупа.
func (r *Registry) Lookup(overrideType domain.OverrideType, ec domain.EvaluationContext) (*domain.Threshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := [][2]string{
		{ec.Channel, ec.CategoryID},
		{"", ec.CategoryID},
		{ec.Channel, ""},
		{"", ""},
	}
	for _, c := range candidates {
		if t, ok := r.byScope[domain.ScopeKey(overrideType, c[0], c[1])]; ok {
			return t, true
		}
	}
	return nil, false
}

// Get - порог по ID. Неактивные пороги в кэше не живут, за ними идем в источник.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Threshold, error) {
	r.mu.RLock()
	t, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	return r.repo.GetThreshold(ctx, id)
}

// Refresh выполняет «холодную загрузку» всех активных порогов и атомарно подменяет снимок.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.repo.ListActiveThresholds(ctx)
	if err != nil {
		return err
	}

	byScope := make(map[string]*domain.Threshold, len(list))
	byID := make(map[string]*domain.Threshold, len(list))
	for i := range list {
		t := &list[i]
		t.Normalize()
		if prev, dup := byScope[t.ScopeKey()]; dup {
			// Уникальный индекс в базе не должен этого допускать
			r.logger.Error("duplicate active threshold scope", zap.String("scope", t.ScopeKey()),
				zap.String("kept", prev.ID), zap.String("skipped", t.ID))
			continue
		}
		byScope[t.ScopeKey()] = t
		byID[t.ID] = t
	}

	r.mu.Lock()
	r.byScope = byScope
	r.byID = byID
	r.mu.Unlock()

	r.logger.Info("threshold cache refreshed", zap.Int("count", len(byID)))
	return nil
}

// Listen держит подписку на сигналы обновления порогов. Блокируется до отмены ctx.
func (r *Registry) Listen(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, r.logger, infra.RedisChanThresholdUpdate, r.Refresh, func(string) {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("threshold refresh failed", zap.Error(err))
		}
	})
}
