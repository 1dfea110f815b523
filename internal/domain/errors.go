package domain

import (
	"errors"
	"fmt"
	"time"
)

// Единая таксономия ошибок подсистемы. Все остальные ошибки оборачивают один из этих видов.
var (
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("invalid credentials")
	ErrRateLimited      = errors.New("too many failed attempts")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrNoApprovingTier  = errors.New("no approval level can authorize this value")
	ErrAuditUnavailable = errors.New("audit log unavailable")
	ErrForbidden        = errors.New("forbidden")
)

// Частные случаи конфликтов по заявкам.
var (
	ErrAlreadyProcessed  = fmt.Errorf("override request already processed: %w", ErrConflict)
	ErrRequestExpired    = fmt.Errorf("override request expired: %w", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("invalid override request status transition: %w", ErrConflict)
	ErrDuplicateScope    = fmt.Errorf("active threshold already exists for this scope: %w", ErrConflict)
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidCredentialError не раскрывает, какая именно проверка не прошла.
type InvalidCredentialError struct {
	RemainingAttempts int
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("invalid credentials (%d attempts remaining)", e.RemainingAttempts)
}

func (e *InvalidCredentialError) Unwrap() error { return ErrUnauthorized }

type LockoutError struct {
	Until time.Time
	// Triggered - блокировку включила именно эта попытка с неверным PIN.
	Triggered bool
}

func (e *LockoutError) Error() string {
	return "too many failed attempts, locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *LockoutError) Unwrap() error { return ErrRateLimited }

// RetryAfter - сколько осталось до снятия блокировки относительно now.
func (e *LockoutError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsDomain - ошибки, которые являются осознанным отрицательным результатом, а не сбоем инфраструктуры.
// Такие ошибки никогда не ретраятся и не размыкают circuit breaker.
func IsDomain(err error) bool {
	for _, kind := range []error{
		ErrValidation, ErrUnauthorized, ErrRateLimited, ErrConflict,
		ErrNotFound, ErrNoApprovingTier, ErrForbidden,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
