package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContextIDs связывают запись аудита с чеком, сменой и кассиром.
type ContextIDs struct {
	TransactionID string `json:"transaction_id,omitempty"`
	QuotationID   string `json:"quotation_id,omitempty"`
	ShiftID       string `json:"shift_id,omitempty"`
	RegisterID    string `json:"register_id,omitempty"`
	CashierID     string `json:"cashier_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// OverrideLogEntry - неизменяемая запись журнала. Никогда не обновляется и не удаляется.
type OverrideLogEntry struct {
	ID             string           `json:"id"`
	OverrideType   OverrideType     `json:"override_type"`
	ThresholdID    *string          `json:"threshold_id,omitempty"`
	Context        ContextIDs       `json:"context"`
	ApprovedBy     *string          `json:"approved_by,omitempty"`
	ApprovalLevel  *ApprovalTier    `json:"approval_level,omitempty"`
	OriginalValue  *decimal.Decimal `json:"original_value,omitempty"`
	OverrideValue  *decimal.Decimal `json:"override_value,omitempty"`
	WasApproved    bool             `json:"was_approved"`
	DenialReason   *string          `json:"denial_reason,omitempty"`
	ProductContext map[string]any   `json:"product_context,omitempty"`
	IPAddress      string           `json:"ip_address"`
	// Verified - решение подтверждено PIN-кодом менеджера внутри сервиса.
	// Записи logOverride всегда false и не расходуют дневной лимит менеджера.
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// Коды причин отказа (внутренние, наружу уходит только общий ответ).
const (
	DenialInvalidCredential = "invalid_credential"
	DenialLockedOut         = "locked_out"
	DenialAlreadyResolved   = "request_already_resolved"
	DenialRequestExpired    = "request_expired"
	DenialManagerDenied     = "manager_denied"
	DenialNotApproved       = "not_approved"
	DenialVerificationError = "verification_error"
)

// LogOverrideInput - вход logOverride от внешнего вызывающего.
type LogOverrideInput struct {
	OverrideType   OverrideType     `json:"override_type"`
	ThresholdID    *string          `json:"threshold_id,omitempty"`
	Context        ContextIDs       `json:"context"`
	ApprovedBy     *string          `json:"approved_by,omitempty"`
	OriginalValue  *decimal.Decimal `json:"original_value,omitempty"`
	OverrideValue  *decimal.Decimal `json:"override_value,omitempty"`
	WasApproved    bool             `json:"was_approved"`
	Reason         *string          `json:"reason,omitempty"`
	ProductContext map[string]any   `json:"product_context,omitempty"`
}

func (in LogOverrideInput) Validate() error {
	if err := in.OverrideType.Validate(); err != nil {
		return err
	}
	if in.WasApproved && (in.ApprovedBy == nil || *in.ApprovedBy == "") {
		return NewValidationError("approved_by", "is required for approved overrides")
	}
	if err := ValidateRef("threshold_id", in.ThresholdID); err != nil {
		return err
	}
	if err := ValidateAmount("original_value", in.OriginalValue); err != nil {
		return err
	}
	return ValidateAmount("override_value", in.OverrideValue)
}

// HistoryFilter - фильтры getOverrideHistory.
type HistoryFilter struct {
	From          *time.Time
	To            *time.Time
	OverrideType  OverrideType
	ApprovedBy    string
	WasApproved   *bool
	TransactionID string
	ShiftID       string
	CashierID     string
	RequestID     string
}

type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize приводит лимит к допустимому диапазону.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type HistoryPage struct {
	Items  []OverrideLogEntry `json:"items"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// SummaryGroupBy - разрез отчета.
type SummaryGroupBy string

const (
	GroupByOverrideType SummaryGroupBy = "override_type"
	GroupByApprovedBy   SummaryGroupBy = "approved_by"
	GroupByDay          SummaryGroupBy = "day"
)

func ParseGroupBy(s string) (SummaryGroupBy, error) {
	switch g := SummaryGroupBy(s); g {
	case GroupByOverrideType, GroupByApprovedBy, GroupByDay:
		return g, nil
	case "":
		return GroupByOverrideType, nil
	default:
		return "", NewValidationError("group_by", "must be one of override_type, approved_by, day")
	}
}

type SummaryRow struct {
	Key           string          `json:"key"`
	Total         int64           `json:"total"`
	Approved      int64           `json:"approved"`
	Denied        int64           `json:"denied"`
	OriginalTotal decimal.Decimal `json:"original_total"`
	OverrideTotal decimal.Decimal `json:"override_total"`
}
