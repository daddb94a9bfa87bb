package domain

import (
	"time"
)

// SuggestionStatus is the lifecycle state of a rule suggestion.
// pending is the only non-terminal state.
type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusApproved SuggestionStatus = "approved"
	StatusRejected SuggestionStatus = "rejected"
	StatusExpired  SuggestionStatus = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s SuggestionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Suggestion is a candidate rule plus its validation, policy and impact
// metadata, awaiting human disposition. Suggestions are never deleted, only
// transitioned.
type Suggestion struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenantId"`
	Status   SuggestionStatus `json:"status"`

	Instruction   string            `json:"instruction"`
	GeneratedRule *Rule             `json:"generatedRule,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Violations    []Violation       `json:"violations,omitempty"`
	Impact        *DryRunResult     `json:"impact,omitempty"`
	Overlaps      []OverlapResult   `json:"overlaps,omitempty"`

	CreatedBy      string `json:"createdBy"`
	ApprovedBy     string `json:"approvedBy,omitempty"`
	ApprovalNotes  string `json:"approvalNotes,omitempty"`
	RejectionNotes string `json:"rejectionNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ApprovalRequest carries the dual-control inputs for promoting a suggestion.
type ApprovalRequest struct {
	ApproverID        string `json:"approverId"`
	ApprovalNotes     string `json:"approvalNotes"`
	ExpectedImpact    string `json:"expectedImpact"`
	AcknowledgeImpact bool   `json:"acknowledgeImpact"`
}

// RejectionRequest carries the inputs for rejecting a suggestion.
type RejectionRequest struct {
	ReviewerID     string `json:"reviewerId"`
	RejectionNotes string `json:"rejectionNotes"`
}

// MinNotesLen is the minimum length of approval/rejection notes and
// expected-impact statements.
const MinNotesLen = 10

// AuditEvent is one entry in the append-only governance audit trail.
type AuditEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
