package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

// maxBody - ограничение тела запроса.
const maxBody = 1 << 20

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	Field             string `json:"field,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
	LockedUntil       string `json:"locked_until,omitempty"`
	RetryAfterMs      int64  `json:"retry_after_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("", "invalid request body: "+err.Error())
	}
	return nil
}

// writeError - единственное место, где вид ошибки превращается в HTTP-статус.
// Ответ на неверный PIN не раскрывает причину: только число оставшихся попыток.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		validation *domain.ValidationError
		invalid    *domain.InvalidCredentialError
		lockout    *domain.LockoutError
	)
	switch {
	case errors.Is(err, domain.ErrAuditUnavailable):
		logger.Error("audit unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "audit_unavailable", Message: "override could not be recorded"})

	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Message: validation.Error(), Field: validation.Field})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Message: err.Error()})

	case errors.As(err, &lockout):
		retry := lockout.RetryAfter(time.Now())
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:        "locked_out",
			Message:      "too many failed attempts",
			LockedUntil:  lockout.Until.UTC().Format(time.RFC3339),
			RetryAfterMs: retry.Milliseconds(),
		})

	case errors.As(err, &invalid):
		remaining := invalid.RemainingAttempts
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: "invalid credentials", RemainingAttempts: &remaining})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: "invalid credentials"})

	case errors.Is(err, domain.ErrRequestExpired):
		writeJSON(w, http.StatusConflict, errorBody{Error: "request_expired", Message: "override request expired"})
	case errors.Is(err, domain.ErrAlreadyProcessed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_processed", Message: "override request already processed"})
	case errors.Is(err, domain.ErrDuplicateScope):
		writeJSON(w, http.StatusConflict, errorBody{Error: "duplicate_scope", Message: "active threshold already exists for this scope"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})

	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "not found"})
	case errors.Is(err, domain.ErrNoApprovingTier):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "no_approving_tier", Message: domain.ErrNoApprovingTier.Error()})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "forbidden"})

	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

// clientIP - адрес источника попыток. За доверенным прокси RemoteAddr уже подменен middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
