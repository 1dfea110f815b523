package infra

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/pos-override-authority/internal/domain"
)

// Guard оборачивает инфраструктурные операции (запись аудита, транзакция решения)
// в ретраи и предохранитель. Доменные ошибки не ретраятся и не размыкают предохранитель.
type Guard struct {
	cb       *gobreaker.CircuitBreaker
	attempts uint
	delay    time.Duration
	onState  func(open bool)
}

func NewGuard(name string, cfg AuditConfig, onState func(open bool)) *Guard {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}
	failures := cfg.CBFailures
	if failures == 0 {
		failures = 5
	}
	g := &Guard{attempts: cfg.RetryAttempts, delay: cfg.RetryDelay, onState: onState}

	// Настройка предохранителя
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsDomain(err)
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if g.onState != nil {
				g.onState(to == gobreaker.StateOpen)
			}
		},
	})
	return g
}

// Do выполняет op с ретраями внутри предохранителя.
// Если предохранитель открыт или ретраи исчерпаны - возвращается ErrAuditUnavailable (fail closed).
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.Delay(g.delay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !domain.IsDomain(err)
			}),
		)
		return nil, r.Do(func() error {
			return op(ctx)
		})
	})
	if err == nil || domain.IsDomain(err) {
		return err
	}
	// Открытый предохранитель (ErrOpenState) и исчерпанные ретраи одинаково означают отказ
	return errors.Join(domain.ErrAuditUnavailable, err)
}
