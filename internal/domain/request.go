package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Статусы State Machine заявки на удаленное подтверждение
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestExpired  RequestStatus = "expired"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestDenied || s == RequestExpired
}

// OverrideRequest - тикет асинхронного подтверждения, решаемый менеджером с другого устройства по коду.
type OverrideRequest struct {
	ID            string           `json:"id"`
	Code          string           `json:"code"`
	OverrideType  OverrideType     `json:"override_type"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	RequiredLevel ApprovalTier     `json:"required_level"`
	ThresholdID   *string          `json:"threshold_id,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"` // Что именно хочет сделать кассир
	Context       ContextIDs       `json:"context"`
	RequestedBy   string           `json:"requested_by"`
	Status        RequestStatus    `json:"status"`

	ResolvedBy *string    `json:"resolved_by,omitempty"`
	Reason     *string    `json:"reason,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectiveStatus - ленивое истечение: pending после expiresAt читается как expired.
func (r *OverrideRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status == RequestPending && now.After(r.ExpiresAt) {
		return RequestExpired
	}
	return r.Status
}

// CanTransitionTo проверяет правила конечного автомата
func (r *OverrideRequest) CanTransitionTo(next RequestStatus, now time.Time) error {
	switch r.EffectiveStatus(now) {
	case RequestPending:
	case RequestExpired:
		return ErrRequestExpired
	default:
		return ErrAlreadyProcessed
	}
	if !next.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}

// ResolvedAs сообщает, что заявка уже закрыта решением с тем же исходом, менеджером и временем.
// Хранилища дополнительно сверяют запись аудита, чтобы отличить ретрай от параллельного вызова.
func (r *OverrideRequest) ResolvedAs(res Resolution) bool {
	return r.Status == res.Status &&
		r.ResolvedBy != nil && *r.ResolvedBy == res.ResolvedBy &&
		r.ResolvedAt != nil && r.ResolvedAt.Equal(res.At)
}

// CreateRequestInput - вход createOverrideRequest.
type CreateRequestInput struct {
	OverrideType  OverrideType      `json:"override_type"`
	Value         *decimal.Decimal  `json:"value,omitempty"`
	RequiredLevel *ApprovalTier     `json:"required_level,omitempty"`
	Context       EvaluationContext `json:"evaluation_context"`
	IDs           ContextIDs        `json:"context"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	RequestedBy   string            `json:"-"`
}

func (in CreateRequestInput) Validate() error {
	if err := in.OverrideType.Validate(); err != nil {
		return err
	}
	if in.RequestedBy == "" {
		return NewValidationError("requested_by", "is required")
	}
	if in.Value == nil && in.RequiredLevel == nil {
		return NewValidationError("value", "value or required_level is required")
	}
	if in.RequiredLevel != nil && !in.RequiredLevel.Valid() {
		return NewValidationError("required_level", "invalid approval level")
	}
	if err := ValidateAmount("value", in.Value); err != nil {
		return err
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return NewValidationError("payload", "must be valid JSON")
	}
	return nil
}

// PendingFilter - очередь менеджера, ограниченная сменой/кассой.
type PendingFilter struct {
	ShiftID    string
	RegisterID string
	Limit      int
}

// Resolution - атомарный переход pending -> approved/denied.
type Resolution struct {
	RequestID  string
	Status     RequestStatus
	ResolvedBy string
	Reason     string
	At         time.Time
}
