package domain

import (
	"regexp"
	"time"
)

// ManagerCredential - хэшированный PIN, привязанный к уровню полномочий.
// Просроченный или исчерпавший дневной лимит PIN считается недействительным, но не удаляется.
type ManagerCredential struct {
	UserID            string       `json:"user_id"`
	ManagerName       string       `json:"manager_name"`
	PinHash           string       `json:"-"` // bcrypt, никогда не уходит наружу
	PinLookup         string       `json:"-"` // HMAC(pepper, pin) для поиска без перебора bcrypt
	ApprovalLevel     ApprovalTier `json:"approval_level"`
	MaxDailyOverrides *int         `json:"max_daily_overrides,omitempty"`
	ValidUntil        *time.Time   `json:"valid_until,omitempty"`
	CreatedBy         string       `json:"created_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *ManagerCredential) IsExpired(now time.Time) bool {
	return c.ValidUntil != nil && !now.Before(*c.ValidUntil)
}

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

// ValidatePIN - 4-8 цифр.
func ValidatePIN(pin string) error {
	if pin == "" {
		return NewValidationError("pin", "is required")
	}
	if !pinPattern.MatchString(pin) {
		return NewValidationError("pin", "must be 4 to 8 digits")
	}
	return nil
}

// CredentialInput - создание или ротация PIN администратором.
type CredentialInput struct {
	UserID            string       `json:"user_id"`
	ManagerName       string       `json:"manager_name"`
	PIN               string       `json:"pin"`
	ApprovalLevel     ApprovalTier `json:"approval_level"`
	MaxDailyOverrides *int         `json:"max_daily_overrides,omitempty"`
	ValidUntil        *time.Time   `json:"valid_until,omitempty"`
}

func (in CredentialInput) Validate() error {
	if in.UserID == "" {
		return NewValidationError("user_id", "is required")
	}
	if err := ValidatePIN(in.PIN); err != nil {
		return err
	}
	if !in.ApprovalLevel.Valid() {
		return NewValidationError("approval_level", "is required")
	}
	if in.MaxDailyOverrides != nil && *in.MaxDailyOverrides < 1 {
		return NewValidationError("max_daily_overrides", "must be at least 1")
	}
	return nil
}

// ManagerIdentity - результат успешной проверки PIN.
type ManagerIdentity struct {
	ManagerID     string       `json:"manager_id"`
	ManagerName   string       `json:"manager_name"`
	ApprovalLevel ApprovalTier `json:"approval_level"`
	// RemainingOverrides - nil, если дневной лимит не задан.
	RemainingOverrides *int `json:"remaining_overrides,omitempty"`
}
