package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the service. Repository and upstream failures
// wrap these so callers can classify with errors.Is.
var (
	// ErrNotFound indicates an unknown suggestion, rule or transaction id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates a missing or malformed request shape.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a conditional update matched no rows.
	ErrConflict = errors.New("conflicting update")

	// ErrRateLimited indicates the LLM call budget is exhausted.
	// Retryable after the window slides.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstream indicates an LLM or store failure. Retrying without
	// changing the input may succeed.
	ErrUpstream = errors.New("upstream service error")
)

// ValidationFailedError carries the full error list from the rule validator.
// Not retryable without changing the input.
type ValidationFailedError struct {
	Errors []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("rule validation failed: %s", strings.Join(e.Errors, "; "))
}

// PolicyViolationError carries the blocking violations from the policy gate.
type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity == SeverityError {
			msgs = append(msgs, v.Message)
		}
	}
	return fmt.Sprintf("policy violation: %s", strings.Join(msgs, "; "))
}

// TwoPersonRuleError indicates an author attempted to approve their own
// suggestion. Distinct from generic validation failures and never retryable
// with the same approver.
type TwoPersonRuleError struct {
	Actor string
}

func (e *TwoPersonRuleError) Error() string {
	return fmt.Sprintf("two-person rule: approver %q created this suggestion and may not approve it", e.Actor)
}

// StateConflictError indicates a transition was attempted from a terminal
// suggestion state. Status names which terminal state was reached.
type StateConflictError struct {
	Status SuggestionStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("suggestion already %s", e.Status)
}
