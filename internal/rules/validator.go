package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validator checks candidate rules against the feature catalog.
// Validation never returns a Go error: malformed or hostile input always
// yields a ValidationResult with valid=false and a descriptive error list.
type Validator struct {
	catalog *catalog.Catalog
}

// NewValidator creates a validator bound to a catalog.
func NewValidator(c *catalog.Catalog) *Validator {
	return &Validator{catalog: c}
}

// Validate validates an arbitrary decoded structure as a rule. Accepts either
// a typed *domain.Rule or the map produced by decoding untrusted JSON.
func (v *Validator) Validate(ruleLike any) domain.ValidationResult {
	switch r := ruleLike.(type) {
	case *domain.Rule:
		if r == nil {
			return invalid("rule is required")
		}
		return v.ValidateRule(r)
	case domain.Rule:
		return v.ValidateRule(&r)
	case map[string]any:
		return v.validateMap(r)
	case nil:
		return invalid("rule is required")
	default:
		return invalid(fmt.Sprintf("rule must be an object, got %T", ruleLike))
	}
}

// ValidateRule validates a typed rule. Errors accumulate in declaration
// order rather than stopping at the first failure.
func (v *Validator) ValidateRule(rule *domain.Rule) domain.ValidationResult {
	var errs []string

	if rule.RulesetName == "" {
		errs = append(errs, "ruleset_name is required and must be a non-empty string")
	}

	if n := len(rule.Description); n < domain.MinDescriptionLen || n > domain.MaxDescriptionLen {
		errs = append(errs, fmt.Sprintf("description must be between %d and %d characters",
			domain.MinDescriptionLen, domain.MaxDescriptionLen))
	}

	if !domain.ValidDecision(rule.Decision) {
		errs = append(errs, fmt.Sprintf("decision must be one of allow, review, block; got %q", rule.Decision))
	}

	if n := len(rule.Conditions); n < domain.MinConditions || n > domain.MaxConditions {
		errs = append(errs, fmt.Sprintf("conditions must contain between %d and %d entries",
			domain.MinConditions, domain.MaxConditions))
	}

	for i, cond := range rule.Conditions {
		errs = append(errs, v.checkCondition(i, cond)...)
	}

	return result(errs)
}

// validateMap validates an untyped decoded object, tolerating every malformed
// shape: wrong types, null conditions, non-array conditions.
func (v *Validator) validateMap(m map[string]any) domain.ValidationResult {
	var errs []string

	name, ok := m["ruleset_name"].(string)
	if !ok || name == "" {
		errs = append(errs, "ruleset_name is required and must be a non-empty string")
	}

	desc, ok := m["description"].(string)
	if !ok || len(desc) < domain.MinDescriptionLen || len(desc) > domain.MaxDescriptionLen {
		errs = append(errs, fmt.Sprintf("description must be a string between %d and %d characters",
			domain.MinDescriptionLen, domain.MaxDescriptionLen))
	}

	decision, ok := m["decision"].(string)
	if !ok || !domain.ValidDecision(domain.Decision(decision)) {
		errs = append(errs, fmt.Sprintf("decision must be one of allow, review, block; got %v", m["decision"]))
	}

	conds, ok := m["conditions"].([]any)
	if !ok {
		errs = append(errs, "conditions is required and must be an array")
		return result(errs)
	}
	if n := len(conds); n < domain.MinConditions || n > domain.MaxConditions {
		errs = append(errs, fmt.Sprintf("conditions must contain between %d and %d entries",
			domain.MinConditions, domain.MaxConditions))
	}

	for i, raw := range conds {
		cm, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("condition %d must be an object", i))
			continue
		}
		field, _ := cm["field"].(string)
		operator, _ := cm["operator"].(string)
		cond := domain.Condition{
			Field:    field,
			Operator: domain.Operator(operator),
			Value:    cm["value"],
		}
		errs = append(errs, v.checkCondition(i, cond)...)
	}

	return result(errs)
}

// checkCondition validates one condition against the catalog: the field must
// resolve, the operator must be legal for the field's kind, and the value
// must type-check for that kind.
func (v *Validator) checkCondition(idx int, cond domain.Condition) []string {
	desc, ok := v.catalog.Describe(cond.Field)
	if !ok {
		return []string{fmt.Sprintf("condition %d: %q is not a valid field", idx, cond.Field)}
	}

	var errs []string
	if !desc.AllowsOperator(cond.Operator) {
		errs = append(errs, fmt.Sprintf("condition %d: operator %q not valid for field %q",
			idx, cond.Operator, cond.Field))
		return errs
	}

	if err := desc.CheckValue(cond.Operator, cond.Value); err != nil {
		errs = append(errs, fmt.Sprintf("condition %d: %v", idx, err))
	}
	return errs
}

func invalid(msg string) domain.ValidationResult {
	return domain.ValidationResult{Valid: false, Errors: []string{msg}}
}

func result(errs []string) domain.ValidationResult {
	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
