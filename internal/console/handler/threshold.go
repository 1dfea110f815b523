package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/pos-override-authority/internal/console/service"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

type ThresholdHandler struct {
	service *service.ThresholdService
	logger  *zap.Logger
}

func NewThresholdHandler(s *service.ThresholdService, logger *zap.Logger) *ThresholdHandler {
	return &ThresholdHandler{service: s, logger: logger.Named("thresholds")}
}

// thresholdPayload - тело создания/замены. is_active по умолчанию true.
type thresholdPayload struct {
	OverrideType domain.OverrideType    `json:"override_type"`
	Channel      *string                `json:"channel,omitempty"`
	CategoryID   *string                `json:"category_id,omitempty"`
	IsActive     *bool                  `json:"is_active,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Levels       []domain.ApprovalLevel `json:"levels"`
}

func (p thresholdPayload) toDomain(id string) *domain.Threshold {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return &domain.Threshold{
		ID:           id,
		OverrideType: p.OverrideType,
		Channel:      p.Channel,
		CategoryID:   p.CategoryID,
		IsActive:     active,
		Description:  p.Description,
		Levels:       p.Levels,
	}
}

// Get возвращает порог вместе с лестницей.
// GET /v1/thresholds/{id}
func (h *ThresholdHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// List возвращает все пороги для админки
func (h *ThresholdHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetAll(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Create создает порог со ступенями
func (h *ThresholdHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p thresholdPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}

	t := p.toDomain("")
	if err := h.service.Create(r.Context(), t); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Update заменяет порог и лестницу целиком
func (h *ThresholdHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p thresholdPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}

	t := p.toDomain(chi.URLParam(r, "id"))
	if err := h.service.Update(r.Context(), t); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Delete деактивирует порог и инициирует инвалидацию кэша
func (h *ThresholdHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
