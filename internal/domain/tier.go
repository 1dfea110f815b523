package domain

import (
	"fmt"
	"strings"
)

// ApprovalTier - упорядоченный ранг полномочий. Сравнение старшинства - одно сравнение чисел.
type ApprovalTier int

const (
	TierNone ApprovalTier = iota // Нет полномочий (кассир)
	TierShiftLead
	TierManager
	TierAreaManager
	TierAdmin
)

var tierNames = map[ApprovalTier]string{
	TierNone:        "none",
	TierShiftLead:   "shift_lead",
	TierManager:     "manager",
	TierAreaManager: "area_manager",
	TierAdmin:       "admin",
}

// AllTiers возвращает уровни, способные что-то утверждать, от младшего к старшему.
func AllTiers() []ApprovalTier {
	return []ApprovalTier{TierShiftLead, TierManager, TierAreaManager, TierAdmin}
}

func (t ApprovalTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid - true только для уровней, которые могут быть привязаны к PIN или лестнице порогов.
func (t ApprovalTier) Valid() bool {
	return t >= TierShiftLead && t <= TierAdmin
}

// AtLeast отвечает на вопрос «уровень t не младше other».
func (t ApprovalTier) AtLeast(other ApprovalTier) bool {
	return t >= other
}

// ParseTier разбирает строковое имя уровня (регистр не важен).
func ParseTier(s string) (ApprovalTier, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for tier, n := range tierNames {
		if n == name {
			return tier, nil
		}
	}
	return TierNone, NewValidationError("approval_level", fmt.Sprintf("unknown approval level %q", s))
}

func (t ApprovalTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ApprovalTier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
