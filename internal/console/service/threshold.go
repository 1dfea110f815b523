package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"go.uber.org/zap"
)

// ThresholdRepository описывает требования сервиса к хранилищу порогов
type ThresholdRepository interface {
	ListThresholds(ctx context.Context) ([]domain.Threshold, error)
	GetThreshold(ctx context.Context, id string) (*domain.Threshold, error)
	CreateThreshold(ctx context.Context, t *domain.Threshold) error
	UpdateThreshold(ctx context.Context, t *domain.Threshold) error
	DeleteThreshold(ctx context.Context, id string) error
}

// Refresher - локальный кэш порогов (policy.Registry).
type Refresher interface {
	Refresh(ctx context.Context) error
}

type ThresholdService struct {
	repo   ThresholdRepository
	rdb    *redis.Client // nil - одиночный инстанс без Redis
	cache  Refresher
	logger *zap.Logger
}

func NewThresholdService(repo ThresholdRepository, rdb *redis.Client, cache Refresher, logger *zap.Logger) *ThresholdService {
	return &ThresholdService{
		repo:   repo,
		rdb:    rdb,
		cache:  cache,
		logger: logger.Named("thresholds"),
	}
}

func (s *ThresholdService) GetByID(ctx context.Context, id string) (*domain.Threshold, error) {
	return s.repo.GetThreshold(ctx, id)
}

// GetAll возвращает все пороги, включая деактивированные
func (s *ThresholdService) GetAll(ctx context.Context) ([]domain.Threshold, error) {
	return s.repo.ListThresholds(ctx)
}

// Create сохраняет порог и уведомляет инстансы об обновлении
func (s *ThresholdService) Create(ctx context.Context, t *domain.Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.ID = uuid.NewString()
	resetLevelIDs(t)
	if err := s.repo.CreateThreshold(ctx, t); err != nil {
		return err
	}
	s.logger.Info("threshold created",
		zap.String("threshold_id", t.ID),
		zap.String("scope", t.ScopeKey()))
	s.notifyUpdate(ctx)
	return nil
}

// Update заменяет порог вместе с лестницей и инициирует инвалидацию кэша
func (s *ThresholdService) Update(ctx context.Context, t *domain.Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}
	resetLevelIDs(t)
	if err := s.repo.UpdateThreshold(ctx, t); err != nil {
		return err
	}
	s.logger.Info("threshold updated", zap.String("threshold_id", t.ID))
	s.notifyUpdate(ctx)
	return nil
}

// Delete деактивирует порог
func (s *ThresholdService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteThreshold(ctx, id); err != nil {
		return err
	}
	s.logger.Info("threshold deactivated", zap.String("threshold_id", id))
	s.notifyUpdate(ctx)
	return nil
}

// notifyUpdate перечитывает локальный кэш и отправляет широковещательный сигнал в Redis.
// Все инстансы, подписанные на канал, вызовут Refresh() своего Registry.
// Запись в базе уже зафиксирована, поэтому сбой уведомления только логируется.
func (s *ThresholdService) notifyUpdate(ctx context.Context) {
	if s.cache != nil {
		if err := s.cache.Refresh(ctx); err != nil {
			s.logger.Error("local threshold refresh failed", zap.Error(err))
		}
	}
	if s.rdb == nil {
		return
	}
	// Сигнал может быть простым "refresh", так как инстанс сам перечитает всю таблицу
	if err := s.rdb.Publish(ctx, infra.RedisChanThresholdUpdate, "refresh").Err(); err != nil {
		s.logger.Error("threshold update broadcast failed", zap.Error(err))
	}
}

// Лестница заменяется целиком, ID ступеней выдает хранилище.
func resetLevelIDs(t *domain.Threshold) {
	for i := range t.Levels {
		t.Levels[i].ID = ""
	}
}
