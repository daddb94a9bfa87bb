package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// canonicalRule is the stable form a rule is hashed over. Conditions are
// sorted so that display order, which is irrelevant to evaluation, does not
// change the fingerprint.
type canonicalRule struct {
	RulesetName string               `json:"ruleset_name"`
	Decision    domain.Decision      `json:"decision"`
	Conditions  []canonicalCondition `json:"conditions"`
}

type canonicalCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Fingerprint returns the SHA-256 hex digest of the rule's canonical form.
// Two rules with identical semantics but different condition order or
// description produce the same fingerprint.
func Fingerprint(rule *domain.Rule) string {
	conds := make([]canonicalCondition, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		value, _ := json.Marshal(c.Value)
		conds = append(conds, canonicalCondition{
			Field:    c.Field,
			Operator: string(c.Operator),
			Value:    string(value),
		})
	}
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		if conds[i].Operator != conds[j].Operator {
			return conds[i].Operator < conds[j].Operator
		}
		return conds[i].Value < conds[j].Value
	})

	payload, _ := json.Marshal(canonicalRule{
		RulesetName: rule.RulesetName,
		Decision:    rule.Decision,
		Conditions:  conds,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
