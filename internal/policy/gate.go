// Package policy implements the content policy gate that blocks
// discriminatory or otherwise disallowed signals in rule authoring.
package policy

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Blocked-field categories.
const (
	categoryGeographic  = "geographic"
	categoryDemographic = "demographic"
	categoryPII         = "pii"
)

// blockedFields maps disallowed condition fields to their category.
// Geographic and demographic signals are proxies for protected classes;
// raw PII has no justified use in an authored rule.
var blockedFields = map[string]string{
	// Geographic
	"country":             categoryGeographic,
	"origin_country":      categoryGeographic,
	"destination_country": categoryGeographic,
	"region":              categoryGeographic,
	"state":               categoryGeographic,
	"zipcode":             categoryGeographic,
	"zip_code":            categoryGeographic,
	"postal_code":         categoryGeographic,
	"ip_country":          categoryGeographic,
	"ip_region":           categoryGeographic,
	"geo_location":        categoryGeographic,

	// Demographic
	"ethnicity":   categoryDemographic,
	"race":        categoryDemographic,
	"religion":    categoryDemographic,
	"nationality": categoryDemographic,

	// Unjustified PII
	"user_id":       categoryPII,
	"customer_id":   categoryPII,
	"email":         categoryPII,
	"email_address": categoryPII,
	"tax_id":        categoryPII,
	"ssn":           categoryPII,
	"national_id":   categoryPII,
}

// sensitiveTerms are lexical markers for protected-class language in
// free-text instructions and descriptions.
var sensitiveTerms = []string{
	"race",
	"ethnicity",
	"religion",
	"religious",
	"nationality",
	"national origin",
	"country of origin",
	"citizenship",
	"immigrant",
	"immigration status",
	"skin color",
	"gender",
}

// Input is the subject of a policy check. Instruction is optional: the
// pre-generation check carries only the instruction, the post-generation
// check carries the materialized ruleset. Both checks must run, because a
// paraphrased instruction can still yield a rule touching a blocked field.
type Input struct {
	Instruction string          `json:"instruction,omitempty"`
	Ruleset     *domain.Ruleset `json:"ruleset,omitempty"`
}

// Gate scans instructions and rules for disallowed fields and sensitive
// language. Stateless and safe for concurrent use.
type Gate struct{}

// NewGate creates a policy gate.
func NewGate() *Gate {
	return &Gate{}
}

// Check returns all violations found in the input. Never returns a Go error:
// malformed input simply produces no violations for the malformed parts.
func (g *Gate) Check(input Input) []domain.Violation {
	var violations []domain.Violation
	blocked := false

	if input.Ruleset != nil {
		for _, rule := range input.Ruleset.Rules {
			for _, cond := range rule.Conditions {
				category, ok := blockedFields[strings.ToLower(cond.Field)]
				if !ok {
					continue
				}
				blocked = true
				violations = append(violations, domain.Violation{
					Type:     domain.ViolationDisallowedField,
					Severity: domain.SeverityError,
					Field:    cond.Field,
					Message:  fmt.Sprintf("field %q is a blocked %s signal and may not be used in rules", cond.Field, category),
				})
			}
			violations = append(violations, scanText(rule.Description)...)
		}
	}

	violations = append(violations, scanText(input.Instruction)...)

	// Sensitive language alone warns; co-occurring with a disallowed field
	// it escalates to a blocking error.
	if blocked {
		for i := range violations {
			if violations[i].Type == domain.ViolationSensitiveLanguage {
				violations[i].Severity = domain.SeverityError
			}
		}
	}

	return violations
}

// HasBlockingViolations reports whether any violation carries error severity.
// Callers must reject the pipeline on this signal.
func HasBlockingViolations(violations []domain.Violation) bool {
	for _, v := range violations {
		if v.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}

// scanText produces one warning per sensitive term found in free text.
func scanText(text string) []domain.Violation {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var violations []domain.Violation
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			violations = append(violations, domain.Violation{
				Type:     domain.ViolationSensitiveLanguage,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("text references %q; rules must not target protected classes", term),
			})
		}
	}
	return violations
}
