package policy

import (
	"sort"

	"github.com/xela07ax/latchgate/internal/domain"
)

// Outcome: результат матчинга: решение и правило, которое его дало (nil: дефолт).
type Outcome struct {
	Decision domain.Decision
	Rule     *domain.PolicyRule
	Reason   string
}

const (
	ReasonRule    = "rule_matched"
	ReasonDefault = "default_policy"
)

// Match: чистая функция: выбирает правило, которое управляет вызовом.
// Порядок: priority desc, specificity desc, created_at asc, id asc: результат
// воспроизводим при одинаковом входе независимо от порядка rules.
func Match(call *domain.Call, rules []domain.PolicyRule, defaults Defaults) Outcome {
	candidates := make([]compiledRule, 0, len(rules))
	for i := range rules {
		if !rules[i].Enabled {
			continue
		}
		candidates = append(candidates, compile(&rules[i]))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if sa, sb := a.specificity(), b.specificity(); sa != sb {
			return sa > sb
		}
		if !a.rule.CreatedAt.Equal(b.rule.CreatedAt) {
			return a.rule.CreatedAt.Before(b.rule.CreatedAt)
		}
		return a.rule.ID < b.rule.ID
	})

	for _, c := range candidates {
		if c.matches(call) {
			return Outcome{
				Decision: c.rule.Effect.Decision(),
				Rule:     c.rule,
				Reason:   ReasonRule,
			}
		}
	}

	return Outcome{
		Decision: defaults.For(call.ActionClass).Decision(),
		Reason:   ReasonDefault,
	}
}
