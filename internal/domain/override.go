package domain

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// OverrideType - вид чувствительного действия, требующего подписи старшего.
type OverrideType string

const (
	OverrideDiscountPercent  OverrideType = "discount_percent"
	OverrideDiscountAmount   OverrideType = "discount_amount"
	OverrideCostRatio        OverrideType = "cost_ratio" // себестоимость в % от цены продажи; >100 - ниже себестоимости
	OverrideBelowCost        OverrideType = "below_cost"
	OverridePriceOverride    OverrideType = "price_override"
	OverrideVoid             OverrideType = "void"
	OverrideRefund           OverrideType = "refund"
	OverrideDrawerAdjustment OverrideType = "drawer_adjustment"
	OverrideNoSale           OverrideType = "no_sale"

	// OverridePinVerification пишется в аудит, когда PIN проверяют без привязки к действию.
	OverridePinVerification OverrideType = "pin_verification"
)

var overrideTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

func (t OverrideType) Validate() error {
	if t == "" {
		return NewValidationError("override_type", "is required")
	}
	if !overrideTypePattern.MatchString(string(t)) {
		return NewValidationError("override_type", "must be lowercase snake_case")
	}
	return nil
}

// EvaluationContext сужает поиск порога до канала продаж и категории товара.
type EvaluationContext struct {
	Channel    string `json:"channel,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
}

// ApprovalDecision - результат checkRequiresApproval.
type ApprovalDecision struct {
	OverrideType     OverrideType    `json:"override_type"`
	Value            decimal.Decimal `json:"value"`
	RequiresApproval bool            `json:"requires_approval"`
	RequiredLevel    ApprovalTier    `json:"required_level,omitempty"`
	Threshold        *Threshold      `json:"threshold,omitempty"`
	// Unapprovable - значение выше всех конечных лимитов и безлимитного уровня нет.
	Unapprovable bool `json:"unapprovable,omitempty"`
}

// DiscountInput - вход checkDiscountApproval. Cost опционален.
type DiscountInput struct {
	OriginalPrice   decimal.Decimal   `json:"original_price"`
	DiscountedPrice decimal.Decimal   `json:"discounted_price"`
	Quantity        decimal.Decimal   `json:"quantity"`
	Cost            *decimal.Decimal  `json:"cost,omitempty"`
	Context         EvaluationContext `json:"context"`
}

func (in DiscountInput) Validate() error {
	if !in.OriginalPrice.IsPositive() {
		return NewValidationError("original_price", "must be positive")
	}
	if in.DiscountedPrice.IsNegative() {
		return NewValidationError("discounted_price", "must not be negative")
	}
	if !in.Quantity.IsPositive() {
		return NewValidationError("quantity", "must be positive")
	}
	if in.Cost != nil && in.Cost.IsNegative() {
		return NewValidationError("cost", "must not be negative")
	}
	return nil
}

// DiscountDecision - самое строгое из сработавших правил плюс вычисленные проценты.
type DiscountDecision struct {
	ApprovalDecision
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	DiscountAmount  decimal.Decimal  `json:"discount_amount"`
	MarginPercent   *decimal.Decimal `json:"margin_percent,omitempty"`
	BelowCost       bool             `json:"below_cost"`
	// Rules - решения по каждому проверенному правилу, для UI.
	Rules []ApprovalDecision `json:"rules"`
}
