package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/engine"
	"go.uber.org/zap"
)

// OverrideService Описываем, что нам нужно от ядра (engine.Authority)
type OverrideService interface {
	CheckRequiresApproval(overrideType domain.OverrideType, value decimal.Decimal, ec domain.EvaluationContext) (*domain.ApprovalDecision, error)
	CheckDiscountApproval(in domain.DiscountInput) (*domain.DiscountDecision, error)
	GetRequiredApprovalLevel(ctx context.Context, thresholdID string, value decimal.Decimal) (*domain.ApprovalDecision, error)
	CanUserApproveValue(ctx context.Context, userLevel domain.ApprovalTier, thresholdID string, value decimal.Decimal) (bool, error)
	ValidateManagerPin(ctx context.Context, in engine.PinCheck) (*engine.PinResult, error)
	LogOverride(ctx context.Context, in domain.LogOverrideInput, ip string) (string, error)
}

type OverrideHandler struct {
	service OverrideService
	logger  *zap.Logger
}

func NewOverrideHandler(s OverrideService, logger *zap.Logger) *OverrideHandler {
	return &OverrideHandler{service: s, logger: logger.Named("overrides")}
}

type checkRequest struct {
	OverrideType domain.OverrideType      `json:"override_type"`
	Value        *decimal.Decimal         `json:"value"`
	Context      domain.EvaluationContext `json:"context"`
}

// Check - нужна ли подпись и какого уровня.
// POST /v1/overrides/check
func (h *OverrideHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Value == nil {
		writeError(w, h.logger, domain.NewValidationError("value", "is required"))
		return
	}

	decision, err := h.service.CheckRequiresApproval(req.OverrideType, *req.Value, req.Context)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// DiscountCheck оценивает скидку сразу по всем правилам.
// POST /v1/overrides/discount-check
func (h *OverrideHandler) DiscountCheck(w http.ResponseWriter, r *http.Request) {
	var in domain.DiscountInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if in.Quantity.IsZero() {
		in.Quantity = decimal.NewFromInt(1)
	}

	decision, err := h.service.CheckDiscountApproval(in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type verifyPinRequest struct {
	PIN            string               `json:"pin"`
	RequiredLevel  *domain.ApprovalTier `json:"required_level,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	OverrideType   domain.OverrideType  `json:"override_type,omitempty"`
	ThresholdID    *string              `json:"threshold_id,omitempty"`
	Context        domain.ContextIDs    `json:"context"`
	OriginalValue  *decimal.Decimal     `json:"original_value,omitempty"`
	OverrideValue  *decimal.Decimal     `json:"override_value,omitempty"`
	ProductContext map[string]any       `json:"product_context,omitempty"`
}

// VerifyPin - подпись менеджера на месте.
// POST /v1/overrides/verify-pin
func (h *OverrideHandler) VerifyPin(w http.ResponseWriter, r *http.Request) {
	var req verifyPinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	check := engine.PinCheck{
		PIN:            req.PIN,
		UserID:         req.UserID,
		Origin:         clientIP(r),
		OverrideType:   req.OverrideType,
		ThresholdID:    req.ThresholdID,
		Context:        req.Context,
		OriginalValue:  req.OriginalValue,
		OverrideValue:  req.OverrideValue,
		ProductContext: req.ProductContext,
	}
	if req.RequiredLevel != nil {
		check.RequiredLevel = *req.RequiredLevel
	}

	result, err := h.service.ValidateManagerPin(r.Context(), check)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Log фиксирует решение, принятое вызывающим.
// POST /v1/overrides/log
func (h *OverrideHandler) Log(w http.ResponseWriter, r *http.Request) {
	var in domain.LogOverrideInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	id, err := h.service.LogOverride(r.Context(), in, clientIP(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"log_id": id})
}

// RequiredLevel - уровень, нужный для значения по конкретному порогу.
// GET /v1/thresholds/{id}/required-level?value=
func (h *OverrideHandler) RequiredLevel(w http.ResponseWriter, r *http.Request) {
	value, err := queryDecimal(r, "value")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	decision, err := h.service.GetRequiredApprovalLevel(r.Context(), chi.URLParam(r, "id"), value)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// CanApprove - может ли уровень утвердить значение по порогу.
// GET /v1/thresholds/{id}/can-approve?level=&value=
func (h *OverrideHandler) CanApprove(w http.ResponseWriter, r *http.Request) {
	value, err := queryDecimal(r, "value")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	level, err := domain.ParseTier(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ok, err := h.service.CanUserApproveValue(r.Context(), level, chi.URLParam(r, "id"), value)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_approve": ok})
}

func queryDecimal(r *http.Request, name string) (decimal.Decimal, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return decimal.Zero, domain.NewValidationError(name, "is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.NewValidationError(name, "must be a number")
	}
	return d, nil
}
