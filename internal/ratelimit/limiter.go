package ratelimit

/*
Пакет ratelimit - защита проверки PIN от перебора.

Счетчик неудачных попыток ведется по ключам-источникам (адрес клиента, менеджер, заявка).
Окно скользящее: каждая неудача продлевает жизнь счетчика на lockout.
Как только счетчик любого ключа достигает maxAttempts, источник заблокирован до истечения окна;
пока идет блокировка, новые неудачи не регистрируются, поэтому блокировка длится ровно lockout
с момента N-й неудачи.

Хранилище счетчиков подменяемое: в памяти для одного процесса, Redis - для нескольких инстансов.
*/

import (
	"context"
	"fmt"
	"time"
)

// CounterStore - атомарные счетчики с TTL.
type CounterStore interface {
	// Incr увеличивает счетчик и продлевает его жизнь до now+ttl. Возвращает новое значение и момент истечения.
	Incr(ctx context.Context, key string, ttl time.Duration) (int, time.Time, error)
	// Get возвращает текущее значение (0, если счетчика нет или он истек).
	Get(ctx context.Context, key string) (int, time.Time, error)
	Reset(ctx context.Context, keys ...string) error
}

func OriginKey(origin string) string {
	return "origin:" + origin
}

func UserKey(userID string) string {
	return "user:" + userID
}

func RequestKey(requestID string) string {
	return "request:" + requestID
}

// Status - состояние набора ключей после проверки или неудачи.
type Status struct {
	Locked    bool
	Until     time.Time
	Failures  int // максимум по ключам
	Remaining int // сколько попыток осталось до блокировки
}

type Limiter struct {
	store       CounterStore
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

func NewLimiter(store CounterStore, maxAttempts int, lockout time.Duration) *Limiter {
	return &Limiter{store: store, maxAttempts: maxAttempts, lockout: lockout, now: time.Now}
}

// WithClock подменяет часы (тесты).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) MaxAttempts() int { return l.maxAttempts }

// Check - заблокирован ли хотя бы один из ключей.
func (l *Limiter) Check(ctx context.Context, keys ...string) (Status, error) {
	st := Status{Remaining: l.maxAttempts}
	now := l.now()
	for _, key := range keys {
		count, until, err := l.store.Get(ctx, key)
		if err != nil {
			return Status{}, fmt.Errorf("ratelimit: read %s: %w", key, err)
		}
		l.merge(&st, count, until, now)
	}
	return st, nil
}

// RecordFailure увеличивает счетчики всех ключей. Конкурентные неудачи не теряются:
// атомарность инкремента обеспечивает хранилище.
func (l *Limiter) RecordFailure(ctx context.Context, keys ...string) (Status, error) {
	st := Status{Remaining: l.maxAttempts}
	now := l.now()
	for _, key := range keys {
		count, until, err := l.store.Incr(ctx, key, l.lockout)
		if err != nil {
			return Status{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
		}
		l.merge(&st, count, until, now)
	}
	return st, nil
}

// Reset обнуляет счетчики после успешной проверки.
func (l *Limiter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := l.store.Reset(ctx, keys...); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// IsLocked - проекция Check для одного источника: флаг и сколько осталось ждать.
func (l *Limiter) IsLocked(ctx context.Context, origin string) (bool, time.Duration, error) {
	st, err := l.Check(ctx, OriginKey(origin))
	if err != nil {
		return false, 0, err
	}
	if !st.Locked {
		return false, 0, nil
	}
	return true, st.Until.Sub(l.now()), nil
}

func (l *Limiter) merge(st *Status, count int, until time.Time, now time.Time) {
	if count > st.Failures {
		st.Failures = count
	}
	if remaining := l.maxAttempts - count; remaining < st.Remaining {
		st.Remaining = max(remaining, 0)
	}
	if count >= l.maxAttempts && until.After(now) {
		st.Locked = true
		if until.After(st.Until) {
			st.Until = until
		}
	}
}
