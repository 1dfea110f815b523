package engine

/*
Authority - ядро подсистемы подтверждений. Два входа (проверка PIN на месте и удаленная заявка)
используют общие оценщик, проверку учетных данных и журнал.

Правило журнала: каждый вызов ValidateManagerPin и ResolveRequest, кроме ошибок валидации и
неизвестной заявки, оставляет ровно одну запись аудита. Если запись не удалась, подтверждение не выдается.
*/

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

// Evaluator - чистая логика порогов (risk.Evaluator).
type Evaluator interface {
	CheckRequiresApproval(overrideType domain.OverrideType, value decimal.Decimal, ec domain.EvaluationContext) (*domain.ApprovalDecision, error)
	CheckDiscountApproval(in domain.DiscountInput) (*domain.DiscountDecision, error)
	GetRequiredApprovalLevel(ctx context.Context, thresholdID string, value decimal.Decimal) (*domain.ApprovalDecision, error)
	CanUserApproveValue(ctx context.Context, userLevel domain.ApprovalTier, thresholdID string, value decimal.Decimal) (bool, error)
}

// Verifier - проверка PIN с защитой от перебора (credential.Verifier).
type Verifier interface {
	Verify(ctx context.Context, in credential.VerifyInput) (*domain.ManagerIdentity, error)
}

// Journal - журнал аудита (audit.Journal).
type Journal interface {
	Prepare(e *domain.OverrideLogEntry)
	Record(ctx context.Context, e *domain.OverrideLogEntry) (string, error)
	LogOverride(ctx context.Context, in domain.LogOverrideInput, ip string) (string, error)
}

// Guard - ретраи и предохранитель для транзакции решения (infra.Guard).
type Guard interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// RequestStore - хранилище заявок. Resolve атомарно меняет статус и пишет запись аудита.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *domain.OverrideRequest) error
	GetRequest(ctx context.Context, id string) (*domain.OverrideRequest, error)
	GetRequestByCode(ctx context.Context, code string) (*domain.OverrideRequest, error)
	ListPending(ctx context.Context, f domain.PendingFilter, now time.Time) ([]domain.OverrideRequest, error)
	Resolve(ctx context.Context, res domain.Resolution, entry *domain.OverrideLogEntry) (*domain.OverrideRequest, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)
}

// Options - параметры жизненного цикла заявок.
type Options struct {
	RequestTTL time.Duration
	CodeLength int
}

type Authority struct {
	evaluator Evaluator
	verifier  Verifier
	journal   Journal
	requests  RequestStore
	guard     Guard
	notifier  Notifier
	metrics   *Metrics
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewAuthority(
	evaluator Evaluator,
	verifier Verifier,
	journal Journal,
	requests RequestStore,
	guard Guard,
	notifier Notifier,
	metrics *Metrics,
	logger *zap.Logger,
	opts Options,
) *Authority {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.CodeLength == 0 {
		opts.CodeLength = 6
	}
	if opts.RequestTTL == 0 {
		opts.RequestTTL = 10 * time.Minute
	}
	return &Authority{
		evaluator: evaluator,
		verifier:  verifier,
		journal:   journal,
		requests:  requests,
		guard:     guard,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger.Named("authority"),
		opts:      opts,
		now:       time.Now,
	}
}

// WithClock подменяет часы (тесты).
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// --- Оценка ---

func (a *Authority) CheckRequiresApproval(overrideType domain.OverrideType, value decimal.Decimal, ec domain.EvaluationContext) (*domain.ApprovalDecision, error) {
	d, err := a.evaluator.CheckRequiresApproval(overrideType, value, ec)
	if d != nil {
		a.metrics.Evaluations.WithLabelValues(string(d.OverrideType), strconv.FormatBool(d.RequiresApproval)).Inc()
	}
	return d, err
}

func (a *Authority) CheckDiscountApproval(in domain.DiscountInput) (*domain.DiscountDecision, error) {
	d, err := a.evaluator.CheckDiscountApproval(in)
	if d != nil {
		a.metrics.Evaluations.WithLabelValues(string(d.OverrideType), strconv.FormatBool(d.RequiresApproval)).Inc()
	}
	return d, err
}

func (a *Authority) GetRequiredApprovalLevel(ctx context.Context, thresholdID string, value decimal.Decimal) (*domain.ApprovalDecision, error) {
	return a.evaluator.GetRequiredApprovalLevel(ctx, thresholdID, value)
}

func (a *Authority) CanUserApproveValue(ctx context.Context, userLevel domain.ApprovalTier, thresholdID string, value decimal.Decimal) (bool, error) {
	return a.evaluator.CanUserApproveValue(ctx, userLevel, thresholdID, value)
}

// --- Проверка PIN на месте ---

// PinCheck - вход validateManagerPin. Поля действия попадают в запись аудита.
type PinCheck struct {
	PIN            string
	RequiredLevel  domain.ApprovalTier
	UserID         string
	Origin         string
	OverrideType   domain.OverrideType // пусто - pin_verification
	ThresholdID    *string
	Context        domain.ContextIDs
	OriginalValue  *decimal.Decimal
	OverrideValue  *decimal.Decimal
	ProductContext map[string]any
}

// Validate отсекает то, что хранилище не примет: такой вызов не должен ни расходовать
// попытки, ни доходить до журнала.
func (in PinCheck) Validate() error {
	if err := in.OverrideType.Validate(); err != nil {
		return err
	}
	if err := domain.ValidateRef("threshold_id", in.ThresholdID); err != nil {
		return err
	}
	if err := domain.ValidateAmount("original_value", in.OriginalValue); err != nil {
		return err
	}
	return domain.ValidateAmount("override_value", in.OverrideValue)
}

type PinResult struct {
	Valid bool `json:"valid"`
	domain.ManagerIdentity
	LogID string `json:"log_id"`
}

// ValidateManagerPin проверяет PIN и фиксирует исход в журнале.
func (a *Authority) ValidateManagerPin(ctx context.Context, in PinCheck) (*PinResult, error) {
	if in.OverrideType == "" {
		in.OverrideType = domain.OverridePinVerification
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	entry := &domain.OverrideLogEntry{
		OverrideType:   in.OverrideType,
		ThresholdID:    in.ThresholdID,
		Context:        in.Context,
		OriginalValue:  in.OriginalValue,
		OverrideValue:  in.OverrideValue,
		ProductContext: in.ProductContext,
		IPAddress:      in.Origin,
	}

	id, err := a.verifier.Verify(ctx, credential.VerifyInput{
		PIN:           in.PIN,
		RequiredLevel: in.RequiredLevel,
		UserID:        in.UserID,
		Origin:        in.Origin,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		a.recordVerifyOutcome(err)
		a.recordDenial(ctx, entry, denialFor(err))
		return nil, err
	}

	a.metrics.PinVerifications.WithLabelValues("success").Inc()
	entry.WasApproved = true
	entry.Verified = true
	entry.ApprovedBy = &id.ManagerID
	entry.ApprovalLevel = &id.ApprovalLevel
	logID, err := a.record(ctx, entry)
	if err != nil {
		// Без записи в журнале подтверждение не выдается
		return nil, err
	}
	return &PinResult{Valid: true, ManagerIdentity: *id, LogID: logID}, nil
}

// LogOverride - запись решения, принятого вызывающим.
func (a *Authority) LogOverride(ctx context.Context, in domain.LogOverrideInput, ip string) (string, error) {
	id, err := a.journal.LogOverride(ctx, in, ip)
	if err != nil && errors.Is(err, domain.ErrAuditUnavailable) {
		a.metrics.AuditWriteFailures.Inc()
	}
	return id, err
}

// --- Общие помощники ---

func (a *Authority) record(ctx context.Context, e *domain.OverrideLogEntry) (string, error) {
	id, err := a.journal.Record(ctx, e)
	if err != nil {
		a.metrics.AuditWriteFailures.Inc()
		if !errors.Is(err, domain.ErrAuditUnavailable) {
			err = errors.Join(domain.ErrAuditUnavailable, err)
		}
		return "", err
	}
	return id, nil
}

// recordDenial пишет отказ. Ошибка записи только логируется: исход и так отрицательный.
func (a *Authority) recordDenial(ctx context.Context, e *domain.OverrideLogEntry, reason string) string {
	e.WasApproved = false
	e.DenialReason = &reason
	id, err := a.record(ctx, e)
	if err != nil {
		a.logger.Error("denial was not journaled", zap.String("reason", reason), zap.Error(err))
	}
	return id
}

func (a *Authority) recordVerifyOutcome(err error) {
	switch {
	case triggeredLockout(err):
		a.metrics.PinVerifications.WithLabelValues("invalid").Inc()
	case errors.Is(err, domain.ErrRateLimited):
		a.metrics.PinVerifications.WithLabelValues("locked").Inc()
	case errors.Is(err, domain.ErrUnauthorized):
		a.metrics.PinVerifications.WithLabelValues("invalid").Inc()
	default:
		a.metrics.PinVerifications.WithLabelValues("error").Inc()
	}
}

// triggeredLockout - попытка, на которой PIN сравнивался, не совпал и включил блокировку.
// В журнале она остается неверным PIN; locked_out получают только попытки внутри блокировки.
func triggeredLockout(err error) bool {
	var lockout *domain.LockoutError
	return errors.As(err, &lockout) && lockout.Triggered
}

func denialFor(err error) string {
	switch {
	case triggeredLockout(err):
		return domain.DenialInvalidCredential
	case errors.Is(err, domain.ErrRateLimited):
		return domain.DenialLockedOut
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.DenialInvalidCredential
	case errors.Is(err, domain.ErrRequestExpired):
		return domain.DenialRequestExpired
	case errors.Is(err, domain.ErrConflict):
		return domain.DenialAlreadyResolved
	default:
		return domain.DenialVerificationError
	}
}
