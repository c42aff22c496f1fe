package warming

import (
	"github.com/scrivia/draftcache/internal/cache"
)

// Prediction names one operation worth precomputing together with the request
// context it should be cached under.
type Prediction struct {
	Operation cache.Operation
	Context   cache.RequestContext
}

// Predictor derives related operations from a completed one. Implementations
// must be pure: no I/O, no stored state mutation.
type Predictor interface {
	Predict(op cache.Operation, rctx cache.RequestContext) []Prediction
}

// Rule declares that completing an operation in Module should warm the same
// input through each module in Warm. Kind optionally overrides the operation
// kind of the warmed entries.
type Rule struct {
	Module string
	Warm   []string
	Kind   string
}

// RulePredictor predicts follow-up operations from static rules. A writing
// session that just summarized a document tends to ask for tone and
// suggestion passes next, so operators wire those edges in configuration.
type RulePredictor struct {
	rules map[string][]Rule
}

// NewRulePredictor indexes the usable rules by source module. Rules without a
// module or warm targets are ignored.
func NewRulePredictor(rules []Rule) *RulePredictor {
	indexed := make(map[string][]Rule)
	for _, rule := range rules {
		if rule.Module == "" || len(rule.Warm) == 0 {
			continue
		}
		indexed[rule.Module] = append(indexed[rule.Module], rule)
	}
	return &RulePredictor{rules: indexed}
}

// Predict returns one prediction per warm target, reusing the completed
// operation's input. The source module itself is never re-warmed; its result
// was just cached.
func (p *RulePredictor) Predict(op cache.Operation, rctx cache.RequestContext) []Prediction {
	var out []Prediction
	for _, rule := range p.rules[op.Module] {
		for _, target := range rule.Warm {
			if target == op.Module {
				continue
			}
			warmed := op
			warmed.Module = target
			if rule.Kind != "" {
				warmed.Kind = rule.Kind
			}
			out = append(out, Prediction{Operation: warmed, Context: rctx})
		}
	}
	return out
}
