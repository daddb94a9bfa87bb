package domain

// ViolationSeverity classifies a policy violation.
type ViolationSeverity string

const (
	SeverityError   ViolationSeverity = "error"
	SeverityWarning ViolationSeverity = "warning"
)

// Violation types produced by the policy gate.
const (
	ViolationDisallowedField   = "disallowed_field"
	ViolationSensitiveLanguage = "sensitive_language"
)

// Violation is a content-policy finding on an instruction or rule.
type Violation struct {
	Type     string            `json:"type"`
	Severity ViolationSeverity `json:"severity"`
	Field    string            `json:"field,omitempty"`
	Message  string            `json:"message"`
}
