package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/pos-override-authority/internal/console/service"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra/auth"
	"go.uber.org/zap"
)

type CredentialHandler struct {
	service *service.CredentialService
	logger  *zap.Logger
}

func NewCredentialHandler(s *service.CredentialService, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{service: s, logger: logger.Named("credentials")}
}

// List - учетные записи без хэшей
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in domain.CredentialInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	c, err := h.service.Create(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Rotate - новый PIN и/или уровень для существующего менеджера.
// PUT /v1/credentials/{userId}
func (h *CredentialHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var in domain.CredentialInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in.UserID = chi.URLParam(r, "userId")

	c, err := h.service.Rotate(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Revoke закрывает срок действия PIN
func (h *CredentialHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Revoke(r.Context(), chi.URLParam(r, "userId")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func actor(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.UserID
	}
	return ""
}
