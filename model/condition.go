package model

// Logic combines rule results within a condition.
type Logic string

// Logic constants.
const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares a resolved response value with a rule value.
type Operator string

// Operator constants.
const (
	OpEquals             Operator = "equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpContains           Operator = "contains"
)

// KnownOperators lists every operator the evaluator understands.
var KnownOperators = []Operator{
	OpEquals,
	OpGreaterThan,
	OpGreaterThanOrEqual,
	OpLessThan,
	OpLessThanOrEqual,
	OpIn,
	OpContains,
}

// IsKnown reports whether op is a recognised operator.
func (op Operator) IsKnown() bool {
	for _, k := range KnownOperators {
		if op == k {
			return true
		}
	}
	return false
}

// Condition gates a transition. A nil condition always matches.
type Condition struct {
	Logic Logic  `json:"logic,omitempty" yaml:"logic,omitempty"`
	Rules []Rule `json:"rules" yaml:"rules"`
}

// EffectiveLogic returns the condition's logic, defaulting to AND.
func (c *Condition) EffectiveLogic() Logic {
	if c.Logic == "" {
		return LogicAnd
	}
	return c.Logic
}

// Rule tests one value of a prior step response.
type Rule struct {
	StepID   string   `json:"step_id" yaml:"step"`
	Path     string   `json:"path" yaml:"path"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}
