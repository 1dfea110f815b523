package engine

import (
	"context"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

// Sweeper закрывает просроченные заявки в фоне и будит ждущие терминалы.
// Чтение и без него видит истечение (EffectiveStatus); свипер делает статус в хранилище явным.
type Sweeper struct {
	store    RequestStore
	notifier Notifier
	metrics  *Metrics
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store RequestStore, notifier Notifier, metrics *Metrics, logger *zap.Logger, interval time.Duration) *Sweeper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("sweeper"),
		interval: interval,
		now:      time.Now,
	}
}

// Run блокируется до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce - один проход. Возвращает число закрытых заявок.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.metrics.Requests.WithLabelValues("expired").Inc()
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.Publish(ctx, id, domain.RequestExpired); err != nil {
			s.logger.Warn("expiry notification failed", zap.String("request_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.logger.Info("expired override requests", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}
