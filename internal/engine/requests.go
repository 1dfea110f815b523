package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

const codeAttempts = 5

// CreateOverrideRequest заводит заявку на удаленное подтверждение.
// Требуемый уровень - явный из запроса, иначе вычисленный по порогу (минимум shift_lead).
func (a *Authority) CreateOverrideRequest(ctx context.Context, in domain.CreateRequestInput) (*domain.OverrideRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	// 1. Требуемый уровень
	level := domain.TierShiftLead
	var thresholdID *string
	if in.Value != nil {
		d, err := a.CheckRequiresApproval(in.OverrideType, *in.Value, in.Context)
		if err != nil {
			return nil, err
		}
		if d.RequiresApproval {
			level = d.RequiredLevel
		}
		if d.Threshold != nil {
			id := d.Threshold.ID
			thresholdID = &id
		}
	}
	if in.RequiredLevel != nil && in.RequiredLevel.AtLeast(level) {
		level = *in.RequiredLevel
	}

	// 2. Заявка с уникальным среди ожидающих кодом
	now := a.now().UTC()
	r := &domain.OverrideRequest{
		ID:            uuid.NewString(),
		OverrideType:  in.OverrideType,
		Value:         in.Value,
		RequiredLevel: level,
		ThresholdID:   thresholdID,
		Payload:       in.Payload,
		Context:       in.IDs,
		RequestedBy:   in.RequestedBy,
		Status:        domain.RequestPending,
		ExpiresAt:     now.Add(a.opts.RequestTTL),
		CreatedAt:     now,
	}
	for attempt := 1; ; attempt++ {
		code, err := NewRequestCode(a.opts.CodeLength)
		if err != nil {
			return nil, err
		}
		r.Code = code
		err = a.requests.CreateRequest(ctx, r)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == codeAttempts {
			return nil, fmt.Errorf("create override request: %w", err)
		}
	}

	a.metrics.Requests.WithLabelValues("created").Inc()
	a.logger.Info("override request created",
		zap.String("request_id", r.ID),
		zap.String("override_type", string(r.OverrideType)),
		zap.Stringer("required_level", r.RequiredLevel),
		zap.Time("expires_at", r.ExpiresAt))
	return r, nil
}

// GetRequest возвращает заявку со статусом на текущий момент (ленивое истечение).
func (a *Authority) GetRequest(ctx context.Context, id string) (*domain.OverrideRequest, error) {
	r, err := a.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Status = r.EffectiveStatus(a.now())
	return r, nil
}

// GetPendingRequests - очередь менеджера: только живые ожидающие заявки.
func (a *Authority) GetPendingRequests(ctx context.Context, f domain.PendingFilter) ([]domain.OverrideRequest, error) {
	f.Limit = domain.Pagination{Limit: f.Limit}.Normalize().Limit
	return a.requests.ListPending(ctx, f, a.now())
}

// ResolveInput - решение менеджера по заявке. Заявка задается ID или кодом.
type ResolveInput struct {
	RequestID string
	Code      string
	PIN       string
	Approved  bool
	Reason    string
	Origin    string
}

type ResolveResult struct {
	Approved    bool                    `json:"approved"`
	Status      domain.RequestStatus    `json:"status"`
	LogID       string                  `json:"log_id"`
	ManagerID   string                  `json:"manager_id"`
	ManagerName string                  `json:"manager_name"`
	Request     *domain.OverrideRequest `json:"request"`
}

// ResolveRequest переводит заявку в approved/denied ровно один раз.
func (a *Authority) ResolveRequest(ctx context.Context, in ResolveInput) (*ResolveResult, error) {
	if in.PIN == "" {
		return nil, domain.NewValidationError("pin", "is required")
	}

	// 1. Заявка (неизвестная - NotFound без записи в журнал)
	r, err := a.loadForResolve(ctx, in)
	if err != nil {
		return nil, err
	}
	entry := requestEntry(r, in.Origin)

	// 2. Терминальная или просроченная заявка - конфликт, фиксируется в журнале
	next := domain.RequestDenied
	if in.Approved {
		next = domain.RequestApproved
	}
	if err := r.CanTransitionTo(next, a.now()); err != nil {
		a.recordDenial(ctx, entry, denialFor(err))
		return nil, err
	}

	// 3. PIN не ниже уровня заявки; неудача не меняет состояние заявки
	id, err := a.verifier.Verify(ctx, credential.VerifyInput{
		PIN:           in.PIN,
		RequiredLevel: r.RequiredLevel,
		Origin:        in.Origin,
		RequestID:     r.ID,
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

	// 4. CAS статуса и запись аудита одной транзакцией
	entry.ApprovedBy = &id.ManagerID
	entry.ApprovalLevel = &id.ApprovalLevel
	entry.WasApproved = in.Approved
	entry.Verified = true
	if !in.Approved {
		reason := domain.DenialManagerDenied
		if in.Reason != "" {
			reason = in.Reason
		}
		entry.DenialReason = &reason
	}
	a.journal.Prepare(entry)

	res := domain.Resolution{
		RequestID:  r.ID,
		Status:     next,
		ResolvedBy: id.ManagerID,
		Reason:     in.Reason,
		// Точность timestamptz: повтор после потерянного коммита узнает свое решение
		At: a.now().UTC().Truncate(time.Microsecond),
	}
	var updated *domain.OverrideRequest
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = a.requests.Resolve(ctx, res, entry)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		// Гонку выиграла другая резолюция или истек срок
		a.recordDenial(ctx, requestEntry(r, in.Origin), denialFor(err))
		return nil, err
	case errors.Is(err, domain.ErrNotFound):
		return nil, err
	case err != nil:
		a.metrics.AuditWriteFailures.Inc()
		a.logger.Error("resolution failed, request left pending", zap.String("request_id", r.ID), zap.Error(err))
		if !errors.Is(err, domain.ErrAuditUnavailable) {
			err = errors.Join(domain.ErrAuditUnavailable, err)
		}
		return nil, err
	}

	a.metrics.Requests.WithLabelValues(string(updated.Status)).Inc()
	a.logger.Info("override request resolved",
		zap.String("request_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("manager_id", id.ManagerID))
	if err := a.notifier.Publish(ctx, updated.ID, updated.Status); err != nil {
		a.logger.Warn("decision notification failed", zap.String("request_id", updated.ID), zap.Error(err))
	}

	return &ResolveResult{
		Approved:    updated.Status == domain.RequestApproved,
		Status:      updated.Status,
		LogID:       entry.ID,
		ManagerID:   id.ManagerID,
		ManagerName: id.ManagerName,
		Request:     updated,
	}, nil
}

func (a *Authority) loadForResolve(ctx context.Context, in ResolveInput) (*domain.OverrideRequest, error) {
	switch {
	case in.RequestID != "":
		return a.requests.GetRequest(ctx, in.RequestID)
	case in.Code != "":
		return a.requests.GetRequestByCode(ctx, NormalizeCode(in.Code))
	default:
		return nil, domain.NewValidationError("request_id", "request id or code is required")
	}
}

func requestEntry(r *domain.OverrideRequest, origin string) *domain.OverrideLogEntry {
	ctxIDs := r.Context
	ctxIDs.RequestID = r.ID
	return &domain.OverrideLogEntry{
		OverrideType:  r.OverrideType,
		ThresholdID:   r.ThresholdID,
		Context:       ctxIDs,
		OverrideValue: r.Value,
		IPAddress:     origin,
	}
}

// AwaitDecision ждет терминального статуса заявки не дольше timeout.
// По таймауту возвращает заявку в текущем (ожидающем) состоянии.
func (a *Authority) AwaitDecision(ctx context.Context, id string, timeout time.Duration) (*domain.OverrideRequest, error) {
	// Подписка до чтения: решение между чтением и подпиской не теряется
	signals, unsubscribe := a.notifier.Subscribe(ctx, id)
	defer unsubscribe()

	r, err := a.GetRequest(ctx, id)
	if err != nil || r.Status.Terminal() {
		return r, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expiry := time.NewTimer(max(r.ExpiresAt.Sub(a.now()), 0) + time.Millisecond)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return a.GetRequest(ctx, id)
		case <-expiry.C:
			return a.GetRequest(ctx, id)
		case _, ok := <-signals:
			if !ok {
				// Подписка оборвалась - дальше только по таймерам
				signals = nil
				continue
			}
			r, err := a.GetRequest(ctx, id)
			if err != nil || r.Status.Terminal() {
				return r, err
			}
		}
	}
}
