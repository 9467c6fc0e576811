package policy

import (
	"fmt"

	"github.com/xela07ax/latchgate/internal/domain"
)

// Defaults: решение, когда ни одно правило не подошло.
// Коробочный контракт: read пропускаем, всё остальное: через человека.
type Defaults struct {
	Fallback domain.Effect
	PerClass map[domain.ActionClass]domain.Effect
}

func DefaultDefaults() Defaults {
	return Defaults{
		Fallback: domain.EffectRequireApproval,
		PerClass: map[domain.ActionClass]domain.Effect{
			domain.ActionRead: domain.EffectAllow,
		},
	}
}

// For возвращает дефолтный эффект для класса действия.
func (d Defaults) For(class domain.ActionClass) domain.Effect {
	if e, ok := d.PerClass[class]; ok {
		return e
	}
	if d.Fallback == "" {
		return domain.EffectRequireApproval
	}
	return d.Fallback
}

// ParseDefaults собирает Defaults из конфигурации (policy.default_effect / policy.class_defaults).
func ParseDefaults(fallback string, perClass map[string]string) (Defaults, error) {
	d := Defaults{
		Fallback: domain.Effect(fallback),
		PerClass: make(map[domain.ActionClass]domain.Effect, len(perClass)),
	}
	if d.Fallback == "" {
		d.Fallback = domain.EffectRequireApproval
	}
	if !d.Fallback.Valid() {
		return Defaults{}, fmt.Errorf("policy: invalid default effect %q", fallback)
	}
	for class, effect := range perClass {
		ac, e := domain.ActionClass(class), domain.Effect(effect)
		if !ac.Valid() {
			return Defaults{}, fmt.Errorf("policy: invalid action class %q in class defaults", class)
		}
		if !e.Valid() {
			return Defaults{}, fmt.Errorf("policy: invalid effect %q for class %s", effect, class)
		}
		d.PerClass[ac] = e
	}
	return d, nil
}
