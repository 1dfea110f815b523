package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/engine"
	"github.com/xela07ax/pos-override-authority/internal/infra/auth"
	"go.uber.org/zap"
)

const (
	defaultAwait = 30 * time.Second
	maxAwait     = 30 * time.Second
)

// RequestService Описываем, что нам нужно от ядра для удаленных подтверждений
type RequestService interface {
	CreateOverrideRequest(ctx context.Context, in domain.CreateRequestInput) (*domain.OverrideRequest, error)
	GetRequest(ctx context.Context, id string) (*domain.OverrideRequest, error)
	GetPendingRequests(ctx context.Context, f domain.PendingFilter) ([]domain.OverrideRequest, error)
	ResolveRequest(ctx context.Context, in engine.ResolveInput) (*engine.ResolveResult, error)
	AwaitDecision(ctx context.Context, id string, timeout time.Duration) (*domain.OverrideRequest, error)
}

type RequestHandler struct {
	service RequestService
	logger  *zap.Logger
}

func NewRequestHandler(s RequestService, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{service: s, logger: logger.Named("requests")}
}

type createRequestResponse struct {
	RequestID     string              `json:"request_id"`
	RequestCode   string              `json:"request_code"`
	RequiredLevel domain.ApprovalTier `json:"required_level"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

// Create заводит заявку от имени вызывающего кассира.
// POST /v1/requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in domain.CreateRequestInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		in.RequestedBy = claims.UserID
	}

	req, err := h.service.CreateOverrideRequest(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRequestResponse{
		RequestID:     req.ID,
		RequestCode:   req.Code,
		RequiredLevel: req.RequiredLevel,
		ExpiresAt:     req.ExpiresAt,
	})
}

// List - очередь ожидающих заявок.
// GET /v1/requests?shift_id=&register_id=&limit=
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.PendingFilter{
		ShiftID:    q.Get("shift_id"),
		RegisterID: q.Get("register_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, h.logger, domain.NewValidationError("limit", "must be an integer"))
			return
		}
		f.Limit = limit
	}

	list, err := h.service.GetPendingRequests(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetDetails - заявка со статусом на текущий момент.
// GET /v1/requests/{id}
func (h *RequestHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Await держит соединение, пока заявка не станет терминальной или не выйдет timeout.
// GET /v1/requests/{id}/await?timeout=30s
func (h *RequestHandler) Await(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, h.logger, domain.NewValidationError("timeout", "must be a positive duration"))
			return
		}
		timeout = min(d, maxAwait)
	}

	req, err := h.service.AwaitDecision(r.Context(), chi.URLParam(r, "id"), timeout)
	if err != nil {
		if r.Context().Err() != nil {
			// Клиент ушел, отвечать некому
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideRequest struct {
	PIN      string `json:"pin"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Decide - решение менеджера по заявке (ID из пути).
// POST /v1/requests/{id}/resolve
func (h *RequestHandler) Decide(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, engine.ResolveInput{RequestID: chi.URLParam(r, "id")})
}

// DecideByCode - то же, по короткому коду с экрана кассы.
// POST /v1/requests/by-code/{code}/resolve
func (h *RequestHandler) DecideByCode(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, engine.ResolveInput{Code: chi.URLParam(r, "code")})
}

func (h *RequestHandler) resolve(w http.ResponseWriter, r *http.Request, in engine.ResolveInput) {
	var req decideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in.PIN = req.PIN
	in.Approved = req.Approved
	in.Reason = req.Reason
	in.Origin = clientIP(r)

	result, err := h.service.ResolveRequest(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
