package policy

import (
	"strings"

	"github.com/xela07ax/latchgate/internal/domain"
)

// Predicate: типизированное ограничение правила на атрибут вызова.
// Незаданное поле правила просто не порождает предиката (wildcard).
type Predicate interface {
	Holds(c *domain.Call) bool
}

type upstreamIs string

func (p upstreamIs) Holds(c *domain.Call) bool { return c.UpstreamID == string(p) }

type toolIs string

func (p toolIs) Holds(c *domain.Call) bool { return c.ToolName == string(p) }

type recipientIs string

func (p recipientIs) Holds(c *domain.Call) bool { return c.Resource.Recipient == string(p) }

type actionIs domain.ActionClass

func (p actionIs) Holds(c *domain.Call) bool { return c.ActionClass == domain.ActionClass(p) }

// domainWithin совпадает с самим доменом и любым его поддоменом.
type domainWithin string

func (p domainWithin) Holds(c *domain.Call) bool {
	got := normalizeDomain(c.Resource.Domain)
	want := string(p)
	if got == "" || want == "" {
		return false
	}
	return got == want || strings.HasSuffix(got, "."+want)
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

// compiledRule: правило, развернутое в набор предикатов.
type compiledRule struct {
	rule  *domain.PolicyRule
	preds []Predicate
}

// specificity: число заданных полей скоупа; action class != any тоже сужает правило.
func (cr compiledRule) specificity() int {
	return len(cr.preds)
}

func (cr compiledRule) matches(c *domain.Call) bool {
	for _, p := range cr.preds {
		if !p.Holds(c) {
			return false
		}
	}
	return true
}

func compile(r *domain.PolicyRule) compiledRule {
	preds := make([]Predicate, 0, 5)
	if r.ActionClass != "" && r.ActionClass != domain.ActionAny {
		preds = append(preds, actionIs(r.ActionClass))
	}
	if r.UpstreamID != nil {
		preds = append(preds, upstreamIs(*r.UpstreamID))
	}
	if r.ToolName != nil {
		preds = append(preds, toolIs(*r.ToolName))
	}
	if r.Domain != nil {
		preds = append(preds, domainWithin(normalizeDomain(*r.Domain)))
	}
	if r.Recipient != nil {
		preds = append(preds, recipientIs(*r.Recipient))
	}
	return compiledRule{rule: r, preds: preds}
}
