package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Threshold - набор лимитов для одного вида override в заданном скоупе (канал/категория).
// Активный порог на кортеж (override_type, channel, category_id) может быть только один.
type Threshold struct {
	ID           string          `json:"id"`
	OverrideType OverrideType    `json:"override_type"`
	Channel      *string         `json:"channel,omitempty"`
	CategoryID   *string         `json:"category_id,omitempty"`
	IsActive     bool            `json:"is_active"`
	Description  string          `json:"description,omitempty"`
	Levels       []ApprovalLevel `json:"levels"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalLevel - ступень лестницы: уровень и потолок, до которого он может утверждать.
type ApprovalLevel struct {
	ID          string          `json:"id"`
	ThresholdID string          `json:"threshold_id"`
	Tier        ApprovalTier    `json:"tier"`
	MaxValue    decimal.Decimal `json:"max_value"`
	IsUnlimited bool            `json:"is_unlimited"`
	Description string          `json:"description,omitempty"`
}

// Covers - может ли ступень утвердить value.
func (l ApprovalLevel) Covers(value decimal.Decimal) bool {
	return l.IsUnlimited || value.LessThanOrEqual(l.MaxValue)
}

// ScopeKey - ключ уникальности активного порога.
func (t *Threshold) ScopeKey() string {
	return ScopeKey(t.OverrideType, deref(t.Channel), deref(t.CategoryID))
}

func ScopeKey(overrideType OverrideType, channel, categoryID string) string {
	return fmt.Sprintf("%s|%s|%s", overrideType, channel, categoryID)
}

// Normalize сортирует ступени по уровню и превращает пустые скоупы в nil.
func (t *Threshold) Normalize() {
	if t.Channel != nil && *t.Channel == "" {
		t.Channel = nil
	}
	if t.CategoryID != nil && *t.CategoryID == "" {
		t.CategoryID = nil
	}
	sort.SliceStable(t.Levels, func(i, j int) bool { return t.Levels[i].Tier < t.Levels[j].Tier })
	for i := range t.Levels {
		if t.Levels[i].IsUnlimited {
			t.Levels[i].MaxValue = decimal.Zero
		}
	}
}

// Validate проверяет инварианты лестницы:
// уровни уникальны, maxValue не убывает с ростом уровня,
// безлимитная ступень не более одной и только на самом старшем уровне.
func (t *Threshold) Validate() error {
	if err := t.OverrideType.Validate(); err != nil {
		return err
	}
	if len(t.Levels) == 0 {
		return NewValidationError("levels", "at least one approval level is required")
	}
	t.Normalize()

	seen := make(map[ApprovalTier]bool, len(t.Levels))
	var prev *ApprovalLevel
	for i := range t.Levels {
		l := &t.Levels[i]
		if !l.Tier.Valid() {
			return NewValidationError("levels", fmt.Sprintf("invalid tier %q", l.Tier))
		}
		if seen[l.Tier] {
			return NewValidationError("levels", fmt.Sprintf("duplicate tier %s", l.Tier))
		}
		seen[l.Tier] = true

		if !l.IsUnlimited && l.MaxValue.IsNegative() {
			return NewValidationError("levels", fmt.Sprintf("tier %s: max_value must not be negative", l.Tier))
		}
		if !l.IsUnlimited && !FitsStored(l.MaxValue) {
			return NewValidationError("levels", fmt.Sprintf("tier %s: max_value is out of range", l.Tier))
		}
		if l.IsUnlimited && i != len(t.Levels)-1 {
			return NewValidationError("levels", "only the highest tier may be unlimited")
		}
		if prev != nil && !l.IsUnlimited && l.MaxValue.LessThan(prev.MaxValue) {
			return NewValidationError("levels",
				fmt.Sprintf("tier %s: max_value %s is lower than %s of tier %s", l.Tier, l.MaxValue, prev.MaxValue, prev.Tier))
		}
		prev = l
	}
	return nil
}

// Resolve применяет лестницу к значению.
// Значение в пределах младшей ступени не требует подписи; иначе - младший уровень, чей потолок покрывает value.
// Если ни одна ступень не покрывает value, возвращается ErrNoApprovingTier.
func (t *Threshold) Resolve(value decimal.Decimal) (requires bool, tier ApprovalTier, err error) {
	if len(t.Levels) == 0 {
		return false, TierNone, nil
	}
	levels := t.sortedLevels()
	if levels[0].Covers(value) {
		return false, TierNone, nil
	}
	for _, l := range levels[1:] {
		if l.Covers(value) {
			return true, l.Tier, nil
		}
	}
	return true, TierNone, ErrNoApprovingTier
}

// HighestTier - старший уровень, определенный в лестнице.
func (t *Threshold) HighestTier() ApprovalTier {
	highest := TierNone
	for _, l := range t.Levels {
		if l.Tier > highest {
			highest = l.Tier
		}
	}
	return highest
}

// CanApprove - может ли пользователь с уровнем userTier утвердить value по этому порогу.
func (t *Threshold) CanApprove(userTier ApprovalTier, value decimal.Decimal) bool {
	requires, tier, err := t.Resolve(value)
	if err != nil {
		return false
	}
	if !requires {
		return true
	}
	return userTier.AtLeast(tier)
}

func (t *Threshold) sortedLevels() []ApprovalLevel {
	levels := make([]ApprovalLevel, len(t.Levels))
	copy(levels, t.Levels)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Tier < levels[j].Tier })
	return levels
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
