// Package catalog provides the static typed schema of fields a rule may
// reference: kinds, ranges, enum sets and legal operators.
package catalog

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Kind is the type of a catalog field.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindString  Kind = "string"
)

// FeatureDescriptor describes one addressable transaction field.
// Immutable after load.
type FeatureDescriptor struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Numeric fields
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	IntegerOnly bool    `json:"integerOnly,omitempty"`

	// Enum fields
	Values []string `json:"values,omitempty"`
}

// Operators returns the legal operator set for the descriptor's kind.
// The mapping is exhaustive over kinds: adding a kind without extending this
// switch fails the catalog tests.
func (d *FeatureDescriptor) Operators() []domain.Operator {
	switch d.Kind {
	case KindNumeric:
		return []domain.Operator{
			domain.OpEquals, domain.OpNotEquals,
			domain.OpGreaterThan, domain.OpLessThan,
			domain.OpGreaterEqual, domain.OpLessEqual,
		}
	case KindBoolean:
		return []domain.Operator{domain.OpEquals, domain.OpNotEquals}
	case KindEnum:
		return []domain.Operator{
			domain.OpEquals, domain.OpNotEquals,
			domain.OpIn, domain.OpNotIn,
		}
	case KindString:
		return []domain.Operator{
			domain.OpEquals, domain.OpNotEquals,
			domain.OpContains, domain.OpStartsWith, domain.OpEndsWith,
			domain.OpIn, domain.OpNotIn,
		}
	}
	return nil
}

// AllowsOperator reports whether op is legal for this field.
func (d *FeatureDescriptor) AllowsOperator(op domain.Operator) bool {
	for _, legal := range d.Operators() {
		if op == legal {
			return true
		}
	}
	return false
}

// CheckValue type-checks a condition value against the field's kind for the
// given operator. Returns a descriptive error for the validator to surface;
// never panics on arbitrary input.
func (d *FeatureDescriptor) CheckValue(op domain.Operator, value any) error {
	switch d.Kind {
	case KindNumeric:
		return d.checkNumeric(value)
	case KindBoolean:
		return d.checkBoolean(value)
	case KindEnum:
		return d.checkEnum(op, value)
	case KindString:
		return d.checkString(op, value)
	}
	return fmt.Errorf("field %q has unknown kind %q", d.Name, d.Kind)
}

func (d *FeatureDescriptor) checkNumeric(value any) error {
	if value == nil {
		return fmt.Errorf("field %q value cannot be null", d.Name)
	}
	n, ok := toFloat64(value)
	if !ok {
		return fmt.Errorf("field %q requires a numeric value", d.Name)
	}
	if d.IntegerOnly && n != math.Trunc(n) {
		return fmt.Errorf("field %q requires an integer value", d.Name)
	}
	if n < d.Min || n > d.Max {
		return fmt.Errorf("field %q value %v out of range [%v, %v]", d.Name, n, d.Min, d.Max)
	}
	return nil
}

func (d *FeatureDescriptor) checkBoolean(value any) error {
	// Strict boolean: "true" or 1 are invalid.
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("field %q requires a boolean value", d.Name)
	}
	return nil
}

func (d *FeatureDescriptor) checkEnum(op domain.Operator, value any) error {
	if op == domain.OpIn || op == domain.OpNotIn {
		members, ok := toSlice(value)
		if !ok {
			return fmt.Errorf("field %q with %q requires an array value", d.Name, op)
		}
		if len(members) == 0 {
			return fmt.Errorf("field %q with %q requires a non-empty array", d.Name, op)
		}
		for _, m := range members {
			s, ok := m.(string)
			if !ok || !d.isMember(s) {
				return fmt.Errorf("field %q array contains %v, not one of %v", d.Name, m, d.Values)
			}
		}
		return nil
	}

	s, ok := value.(string)
	if !ok || !d.isMember(s) {
		return fmt.Errorf("field %q value %v is not one of %v", d.Name, value, d.Values)
	}
	return nil
}

func (d *FeatureDescriptor) checkString(op domain.Operator, value any) error {
	if op == domain.OpIn || op == domain.OpNotIn {
		members, ok := toSlice(value)
		if !ok {
			return fmt.Errorf("field %q with %q requires an array value", d.Name, op)
		}
		if len(members) == 0 {
			return fmt.Errorf("field %q with %q requires a non-empty array", d.Name, op)
		}
		for _, m := range members {
			if _, ok := m.(string); !ok {
				return fmt.Errorf("field %q array contains non-string %v", d.Name, m)
			}
		}
		return nil
	}

	if _, ok := value.(string); !ok {
		return fmt.Errorf("field %q requires a string value", d.Name)
	}
	return nil
}

func (d *FeatureDescriptor) isMember(s string) bool {
	for _, v := range d.Values {
		if s == v {
			return true
		}
	}
	return false
}

// Catalog is a read-only lookup of feature descriptors, loaded once per process.
type Catalog struct {
	fields map[string]*FeatureDescriptor
	order  []string
}

// New builds a catalog from descriptors. Later duplicates overwrite earlier ones.
func New(descriptors []*FeatureDescriptor) *Catalog {
	c := &Catalog{fields: make(map[string]*FeatureDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, exists := c.fields[d.Name]; !exists {
			c.order = append(c.order, d.Name)
		}
		c.fields[d.Name] = d
	}
	return c
}

// Describe returns the descriptor for a field, or false when the field is not
// addressable by rules. Absence is a validation error, not a crash.
func (c *Catalog) Describe(field string) (*FeatureDescriptor, bool) {
	d, ok := c.fields[field]
	return d, ok
}

// Has reports whether field exists in the catalog.
func (c *Catalog) Has(field string) bool {
	_, ok := c.fields[field]
	return ok
}

// FieldNames returns field names in declaration order.
func (c *Catalog) FieldNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Default returns the production feature catalog.
// The catalog deliberately contains no geographic, demographic or raw PII
// fields; the policy gate blocks those at the instruction/rule level as well.
func Default() *Catalog {
	return New([]*FeatureDescriptor{
		{Name: "amount", Kind: KindNumeric, Min: 0, Max: 1_000_000},
		{Name: "hour", Kind: KindNumeric, Min: 0, Max: 23, IntegerOnly: true},
		{Name: "tx_count_1h", Kind: KindNumeric, Min: 0, Max: 10_000, IntegerOnly: true},
		{Name: "account_age_days", Kind: KindNumeric, Min: 0, Max: 36_500, IntegerOnly: true},
		{Name: "device", Kind: KindEnum, Values: []string{"mobile", "desktop", "tablet", "pos"}},
		{Name: "payment_method", Kind: KindEnum, Values: []string{"card", "bank_transfer", "wallet", "crypto"}},
		{Name: "currency", Kind: KindEnum, Values: []string{"USD", "EUR", "GBP", "JPY", "CHF"}},
		{Name: "card_present", Kind: KindBoolean},
		{Name: "is_recurring", Kind: KindBoolean},
		{Name: "merchant_name", Kind: KindString},
		{Name: "merchant_category", Kind: KindString},
	})
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch values := v.(type) {
	case []any:
		return values, true
	case []string:
		out := make([]any, len(values))
		for i, s := range values {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
