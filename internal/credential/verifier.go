package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/ratelimit"
	"go.uber.org/zap"
)

// Store - чтение учетных данных менеджеров.
type Store interface {
	FindByLookup(ctx context.Context, lookup string) (*domain.ManagerCredential, error)
}

// UsageCounter считает подтвержденные менеджером действия (источник - журнал аудита).
type UsageCounter interface {
	CountApprovedSince(ctx context.Context, managerID string, since time.Time) (int, error)
}

// VerifyInput - одна попытка проверки PIN.
type VerifyInput struct {
	PIN           string
	RequiredLevel domain.ApprovalTier // TierNone - любой уровень
	UserID        string              // если задан, PIN должен принадлежать этому менеджеру
	Origin        string              // адрес клиента
	RequestID     string              // заявка, которую пытаются разрешить
}

// Keys - ключи счетчиков неудач для попытки.
func (in VerifyInput) Keys() []string {
	keys := []string{ratelimit.OriginKey(in.Origin)}
	if in.UserID != "" {
		keys = append(keys, ratelimit.UserKey(in.UserID))
	}
	if in.RequestID != "" {
		keys = append(keys, ratelimit.RequestKey(in.RequestID))
	}
	return keys
}

type Verifier struct {
	store    Store
	usage    UsageCounter
	limiter  *ratelimit.Limiter
	hasher   *PinHasher
	logger   *zap.Logger
	now      func() time.Time
	location *time.Location
	// onLockout вызывается, когда неудача переводит источник в блокировку
	onLockout func(origin string)
}

func NewVerifier(store Store, usage UsageCounter, limiter *ratelimit.Limiter, hasher *PinHasher, logger *zap.Logger) *Verifier {
	return &Verifier{
		store:    store,
		usage:    usage,
		limiter:  limiter,
		hasher:   hasher,
		logger:   logger.Named("verifier"),
		now:      time.Now,
		location: time.Local,
	}
}

// WithClock подменяет часы и часовой пояс, от которого отсчитываются сутки дневного лимита.
func (v *Verifier) WithClock(now func() time.Time, loc *time.Location) *Verifier {
	v.now = now
	if loc != nil {
		v.location = loc
	}
	return v
}

// OnLockout регистрирует наблюдателя новых блокировок (метрики).
func (v *Verifier) OnLockout(fn func(origin string)) {
	v.onLockout = fn
}

// Verify проверяет PIN. Все отказы для вызывающего выглядят одинаково:
// *domain.InvalidCredentialError (с остатком попыток) или *domain.LockoutError.
// Журнал аудита здесь не пишется - это делают вызывающие сценарии.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (*domain.ManagerIdentity, error) {
	if in.PIN == "" {
		return nil, domain.NewValidationError("pin", "is required")
	}
	if in.RequiredLevel != domain.TierNone && !in.RequiredLevel.Valid() {
		return nil, domain.NewValidationError("required_level", "unknown approval level")
	}
	keys := in.Keys()

	// 1. Заблокированный источник отклоняется без обращения к хранилищу
	st, err := v.limiter.Check(ctx, keys...)
	if err != nil {
		return nil, err
	}
	if st.Locked {
		v.logger.Warn("verification refused: locked out", zap.String("origin", in.Origin), zap.Time("until", st.Until))
		return nil, &domain.LockoutError{Until: st.Until}
	}

	// 2. Поиск по дайджесту и сравнение bcrypt
	cred, err := v.store.FindByLookup(ctx, v.hasher.Lookup(in.PIN))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		v.hasher.burn(in.PIN)
		return nil, v.fail(ctx, in, keys, "unknown_pin")
	case err != nil:
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if !v.hasher.Compare(cred.PinHash, in.PIN) {
		return nil, v.fail(ctx, in, keys, "hash_mismatch")
	}

	// 3. Ограничения учетной записи
	now := v.now()
	if in.UserID != "" && cred.UserID != in.UserID {
		return nil, v.fail(ctx, in, keys, "user_mismatch")
	}
	if cred.IsExpired(now) {
		return nil, v.fail(ctx, in, keys, "expired")
	}
	if in.RequiredLevel != domain.TierNone && !cred.ApprovalLevel.AtLeast(in.RequiredLevel) {
		return nil, v.fail(ctx, in, keys, "insufficient_level")
	}

	var remaining *int
	if cred.MaxDailyOverrides != nil {
		used, err := v.usage.CountApprovedSince(ctx, cred.UserID, v.startOfDay(now))
		if err != nil {
			return nil, fmt.Errorf("daily usage: %w", err)
		}
		if used >= *cred.MaxDailyOverrides {
			return nil, v.fail(ctx, in, keys, "daily_cap_exhausted")
		}
		left := *cred.MaxDailyOverrides - used - 1
		remaining = &left
	}

	// 4. Успех обнуляет все счетчики попытки
	if err := v.limiter.Reset(ctx, keys...); err != nil {
		v.logger.Error("failed to reset attempt counters", zap.Error(err))
	}

	return &domain.ManagerIdentity{
		ManagerID:          cred.UserID,
		ManagerName:        cred.ManagerName,
		ApprovalLevel:      cred.ApprovalLevel,
		RemainingOverrides: remaining,
	}, nil
}

// fail регистрирует неудачу и возвращает обезличенную ошибку. Причина остается только в логе сервера.
func (v *Verifier) fail(ctx context.Context, in VerifyInput, keys []string, cause string) error {
	st, err := v.limiter.RecordFailure(ctx, keys...)
	if err != nil {
		// Без счетчика нет защиты от перебора - отказываем, но не сообщаем лишнего
		v.logger.Error("failed to record attempt", zap.Error(err))
		return &domain.InvalidCredentialError{RemainingAttempts: 0}
	}
	if st.Locked {
		v.logger.Warn("origin locked out",
			zap.String("origin", in.Origin),
			zap.String("cause", cause),
			zap.Int("failures", st.Failures),
			zap.Time("until", st.Until))
		if v.onLockout != nil {
			v.onLockout(in.Origin)
		}
		return &domain.LockoutError{Until: st.Until, Triggered: true}
	}
	v.logger.Warn("verification failed",
		zap.String("origin", in.Origin),
		zap.String("cause", cause),
		zap.Int("remaining", st.Remaining))
	return &domain.InvalidCredentialError{RemainingAttempts: st.Remaining}
}

func (v *Verifier) startOfDay(now time.Time) time.Time {
	local := now.In(v.location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, v.location)
}
