// Package domain defines the core interfaces and types for Kestrel.
package domain

// Decision is the action a rule takes when it matches a transaction.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

// ValidDecision reports whether d is one of the three known decisions.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionAllow, DecisionReview, DecisionBlock:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
// Legality of an operator depends on the field's kind, not the operator alone.
type Operator string

const (
	OpEquals       Operator = "=="
	OpNotEquals    Operator = "!="
	OpGreaterThan  Operator = ">"
	OpLessThan     Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpContains     Operator = "contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
)

// Condition is a single field/operator/value test over a transaction record.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is a named decision plus a conjunction of conditions.
// Conditions combine by logical AND; order is preserved for display only.
type Rule struct {
	RulesetName string      `json:"ruleset_name"`
	Description string      `json:"description"`
	Decision    Decision    `json:"decision"`
	Conditions  []Condition `json:"conditions"`
}

// Ruleset groups candidate rules for a policy check.
type Ruleset struct {
	Rules []Rule `json:"rules"`
}

// ValidationResult is the output of the rule validator.
// Valid is false iff Errors is non-empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Bounds on rule structure enforced by the validator.
const (
	MinDescriptionLen = 10
	MaxDescriptionLen = 500
	MinConditions     = 1
	MaxConditions     = 10
)

// ActiveRule is a promoted production rule as stored in the repository.
type ActiveRule struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Rule      Rule   `json:"rule"`
	Enabled   bool   `json:"enabled"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"` // unix seconds
}

// RuleVersion is an immutable snapshot of a promoted rule.
type RuleVersion struct {
	ID          string `json:"id"`
	RuleID      string `json:"ruleId"`
	TenantID    string `json:"tenantId"`
	Version     int    `json:"version"`
	Fingerprint string `json:"fingerprint"`
	Payload     Rule   `json:"payload"`
	CreatedAt   int64  `json:"createdAt"`
}
