package risk

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

// ThresholdLookup описывает возможности реестра порогов, необходимые оценщику.
// Реализует policy.Registry.
type ThresholdLookup interface {
	Lookup(overrideType domain.OverrideType, ec domain.EvaluationContext) (*domain.Threshold, bool)
	Get(ctx context.Context, id string) (*domain.Threshold, error)
}

var hundred = decimal.NewFromInt(100)

// Evaluator - чистая логика решения: нужна ли подпись и какой уровень ее может дать.
// Состояния не имеет, читает только текущий снимок порогов.
type Evaluator struct {
	thresholds ThresholdLookup
	logger     *zap.Logger
}

func NewEvaluator(thresholds ThresholdLookup, logger *zap.Logger) *Evaluator {
	return &Evaluator{thresholds: thresholds, logger: logger.Named("evaluator")}
}

// CheckRequiresApproval применяет лестницу самого специфичного порога к value.
// Нет порога - подпись не нужна. Значение выше всех лимитов без безлимитного уровня
// возвращает решение с Unapprovable и ErrNoApprovingTier.
func (e *Evaluator) CheckRequiresApproval(overrideType domain.OverrideType, value decimal.Decimal, ec domain.EvaluationContext) (*domain.ApprovalDecision, error) {
	if err := overrideType.Validate(); err != nil {
		return nil, err
	}
	if value.IsNegative() {
		return nil, domain.NewValidationError("value", "must not be negative")
	}
	return e.evaluate(overrideType, value, ec)
}

func (e *Evaluator) evaluate(overrideType domain.OverrideType, value decimal.Decimal, ec domain.EvaluationContext) (*domain.ApprovalDecision, error) {
	d := &domain.ApprovalDecision{OverrideType: overrideType, Value: value}

	t, ok := e.thresholds.Lookup(overrideType, ec)
	if !ok {
		return d, nil
	}
	d.Threshold = t

	requires, tier, err := t.Resolve(value)
	if errors.Is(err, domain.ErrNoApprovingTier) {
		d.RequiresApproval = true
		d.Unapprovable = true
		e.logger.Warn("value exceeds every approval level",
			zap.String("override_type", string(overrideType)),
			zap.String("value", value.String()),
			zap.String("threshold_id", t.ID))
		return d, err
	}
	d.RequiresApproval = requires
	d.RequiredLevel = tier
	return d, nil
}

// CheckDiscountApproval проверяет до трех независимых правил (процент, сумма, себестоимость)
// и возвращает самое строгое из сработавших. Продажа ниже себестоимости всегда требует старшего уровня.
func (e *Evaluator) CheckDiscountApproval(in domain.DiscountInput) (*domain.DiscountDecision, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	// 1. Вычисляемые величины
	unitOff := in.OriginalPrice.Sub(in.DiscountedPrice)
	out := &domain.DiscountDecision{
		DiscountPercent: unitOff.Div(in.OriginalPrice).Mul(hundred).Round(2),
		DiscountAmount:  unitOff.Mul(in.Quantity).Round(2),
	}

	rules := []struct {
		t domain.OverrideType
		v decimal.Decimal
	}{
		{domain.OverrideDiscountPercent, out.DiscountPercent},
		{domain.OverrideDiscountAmount, out.DiscountAmount},
	}

	if in.Cost != nil {
		cost := *in.Cost
		out.BelowCost = in.DiscountedPrice.LessThan(cost)
		if in.DiscountedPrice.IsPositive() {
			margin := in.DiscountedPrice.Sub(cost).Div(in.DiscountedPrice).Mul(hundred).Round(2)
			out.MarginPercent = &margin
			// Себестоимость в процентах от цены продажи; выше 100 - убыток
			rules = append(rules, struct {
				t domain.OverrideType
				v decimal.Decimal
			}{domain.OverrideCostRatio, cost.Div(in.DiscountedPrice).Mul(hundred).Round(2)})
		}
	}

	// 2. Каждое правило отдельно
	var unapprovable error
	for _, r := range rules {
		if r.v.IsNegative() {
			// Наценка вместо скидки - правило не срабатывает
			continue
		}
		d, err := e.evaluate(r.t, r.v, in.Context)
		if err != nil {
			unapprovable = err
		}
		if d.Threshold != nil {
			out.Rules = append(out.Rules, *d)
		}
	}

	// 3. Ниже себестоимости - старший уровень, определенный в конфигурации
	if out.BelowCost {
		out.Rules = append(out.Rules, e.belowCost(out.Rules, in))
	}

	// 4. Самое строгое правило
	out.ApprovalDecision = mostRestrictive(out.Rules)
	if out.ApprovalDecision.OverrideType == "" {
		out.ApprovalDecision.OverrideType = domain.OverrideDiscountPercent
		out.ApprovalDecision.Value = out.DiscountPercent
	}
	if unapprovable != nil && out.Unapprovable {
		return out, unapprovable
	}
	return out, nil
}

func (e *Evaluator) belowCost(fired []domain.ApprovalDecision, in domain.DiscountInput) domain.ApprovalDecision {
	d := domain.ApprovalDecision{
		OverrideType:     domain.OverrideBelowCost,
		Value:            in.Cost.Sub(in.DiscountedPrice),
		RequiresApproval: true,
	}
	if t, ok := e.thresholds.Lookup(domain.OverrideBelowCost, in.Context); ok {
		d.Threshold = t
		d.RequiredLevel = t.HighestTier()
		return d
	}
	for _, f := range fired {
		if h := f.Threshold.HighestTier(); h > d.RequiredLevel {
			d.RequiredLevel = h
		}
	}
	if d.RequiredLevel == domain.TierNone {
		d.RequiredLevel = domain.TierAdmin
	}
	return d
}

// mostRestrictive: неутверждаемое правило строже любого уровня, дальше - старший уровень.
func mostRestrictive(rules []domain.ApprovalDecision) domain.ApprovalDecision {
	var best domain.ApprovalDecision
	for _, r := range rules {
		switch {
		case best.Unapprovable:
		case r.Unapprovable:
			best = r
		case r.RequiresApproval && (!best.RequiresApproval || r.RequiredLevel > best.RequiredLevel):
			best = r
		}
	}
	return best
}

// GetRequiredApprovalLevel - проекция лестницы конкретного порога.
func (e *Evaluator) GetRequiredApprovalLevel(ctx context.Context, thresholdID string, value decimal.Decimal) (*domain.ApprovalDecision, error) {
	t, err := e.thresholds.Get(ctx, thresholdID)
	if err != nil {
		return nil, err
	}
	d := &domain.ApprovalDecision{OverrideType: t.OverrideType, Value: value, Threshold: t}
	requires, tier, err := t.Resolve(value)
	if err != nil {
		d.RequiresApproval = true
		d.Unapprovable = true
		return d, err
	}
	d.RequiresApproval = requires
	d.RequiredLevel = tier
	return d, nil
}

// CanUserApproveValue - может ли уровень userLevel утвердить value по порогу thresholdID.
func (e *Evaluator) CanUserApproveValue(ctx context.Context, userLevel domain.ApprovalTier, thresholdID string, value decimal.Decimal) (bool, error) {
	t, err := e.thresholds.Get(ctx, thresholdID)
	if err != nil {
		return false, err
	}
	return t.CanApprove(userLevel, value), nil
}
