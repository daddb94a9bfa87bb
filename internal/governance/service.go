// Package governance implements the suggestion lifecycle: dual-control
// approval, conditional state transitions, promotion of approved rules and
// expiry of stale suggestions.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service coordinates suggestion transitions against the repository and
// publishes lifecycle events for the audit worker.
type Service struct {
	repo   domain.Repository
	bus    domain.EventBus
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a governance service. ttlHours bounds how long a pending
// suggestion stays actionable before the sweep expires it.
func NewService(repo domain.Repository, bus domain.EventBus, cfg domain.GovernanceConfig, logger *slog.Logger) *Service {
	ttlHours := cfg.SuggestionTTLHours
	if ttlHours <= 0 {
		ttlHours = 72
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		bus:    bus,
		ttl:    time.Duration(ttlHours) * time.Hour,
		logger: logger,
	}
}

// compensation undoes one completed saga step. Compensations run in reverse
// order of the steps that registered them.
type compensation struct {
	name string
	fn   func(context.Context) error
}

// Approve promotes a pending suggestion to an active rule. The promotion is a
// saga: rule insert, version snapshot, then the conditional status flip. If a
// later step fails, earlier steps are compensated in reverse so no approved
// rule exists without its approved suggestion.
func (s *Service) Approve(ctx context.Context, tenantID, suggestionID string, req domain.ApprovalRequest) (*domain.Suggestion, error) {
	if err := validateApproval(req); err != nil {
		return nil, err
	}

	sugg, err := s.repo.GetSuggestion(ctx, tenantID, suggestionID)
	if err != nil {
		return nil, err
	}
	if sugg.Status != domain.StatusPending {
		return nil, &domain.StateConflictError{Status: sugg.Status}
	}
	if req.ApproverID == sugg.CreatedBy {
		return nil, &domain.TwoPersonRuleError{Actor: req.ApproverID}
	}
	if sugg.GeneratedRule == nil {
		return nil, fmt.Errorf("%w: suggestion has no generated rule", domain.ErrInvalidInput)
	}
	// The stored validation verdict is authoritative: a suggestion persisted
	// with errors stays unapprovable even if the catalog changed since.
	if sugg.Validation == nil || !sugg.Validation.Valid {
		var verdict []string
		if sugg.Validation != nil {
			verdict = sugg.Validation.Errors
		}
		return nil, &domain.ValidationFailedError{Errors: verdict}
	}

	now := time.Now().UTC()
	active := &domain.ActiveRule{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Rule:      *sugg.GeneratedRule,
		Enabled:   true,
		CreatedBy: req.ApproverID,
		CreatedAt: now.Unix(),
	}
	version := &domain.RuleVersion{
		ID:          uuid.NewString(),
		RuleID:      active.ID,
		TenantID:    tenantID,
		Version:     1,
		Fingerprint: Fingerprint(sugg.GeneratedRule),
		Payload:     *sugg.GeneratedRule,
		CreatedAt:   now.Unix(),
	}

	var undo []compensation

	if err := s.repo.CreateRule(ctx, tenantID, active); err != nil {
		return nil, fmt.Errorf("%w: create rule: %v", domain.ErrUpstream, err)
	}
	undo = append(undo, compensation{
		name: "delete rule",
		fn: func(ctx context.Context) error {
			return s.repo.DeleteRule(ctx, tenantID, active.ID)
		},
	})

	if err := s.repo.CreateRuleVersion(ctx, tenantID, version); err != nil {
		s.compensate(ctx, undo)
		return nil, fmt.Errorf("%w: create rule version: %v", domain.ErrUpstream, err)
	}
	undo = append(undo, compensation{
		name: "delete rule version",
		fn: func(ctx context.Context) error {
			return s.repo.DeleteRuleVersion(ctx, tenantID, version.ID)
		},
	})

	updated := *sugg
	updated.Status = domain.StatusApproved
	updated.ApprovedBy = req.ApproverID
	updated.ApprovalNotes = req.ApprovalNotes
	updated.UpdatedAt = now

	err = s.repo.UpdateSuggestionStatus(ctx, tenantID, suggestionID, domain.StatusPending, domain.StatusApproved, &updated)
	if err != nil {
		s.compensate(ctx, undo)
		if errors.Is(err, domain.ErrConflict) {
			// A concurrent actor won the transition. Re-read to name the
			// state the suggestion actually reached.
			current, getErr := s.repo.GetSuggestion(ctx, tenantID, suggestionID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &domain.StateConflictError{Status: current.Status}
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update suggestion status: %v", domain.ErrUpstream, err)
	}

	s.publish(ctx, tenantID, domain.TopicSuggestionApproved, &updated, req.ApproverID, active.ID)
	return &updated, nil
}

// Reject moves a pending suggestion to rejected. Any reviewer, including the
// author, may reject.
func (s *Service) Reject(ctx context.Context, tenantID, suggestionID string, req domain.RejectionRequest) (*domain.Suggestion, error) {
	if req.ReviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer_id is required", domain.ErrInvalidInput)
	}
	if len(req.RejectionNotes) < domain.MinNotesLen {
		return nil, fmt.Errorf("%w: rejection_notes must be at least %d characters", domain.ErrInvalidInput, domain.MinNotesLen)
	}

	sugg, err := s.repo.GetSuggestion(ctx, tenantID, suggestionID)
	if err != nil {
		return nil, err
	}
	if sugg.Status != domain.StatusPending {
		return nil, &domain.StateConflictError{Status: sugg.Status}
	}

	updated := *sugg
	updated.Status = domain.StatusRejected
	updated.RejectionNotes = req.RejectionNotes
	updated.UpdatedAt = time.Now().UTC()

	err = s.repo.UpdateSuggestionStatus(ctx, tenantID, suggestionID, domain.StatusPending, domain.StatusRejected, &updated)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			current, getErr := s.repo.GetSuggestion(ctx, tenantID, suggestionID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &domain.StateConflictError{Status: current.Status}
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update suggestion status: %v", domain.ErrUpstream, err)
	}

	s.publish(ctx, tenantID, domain.TopicSuggestionRejected, &updated, req.ReviewerID, "")
	return &updated, nil
}

// ExpireStale transitions pending suggestions older than the TTL to expired.
// Each transition is conditional, so a suggestion approved between the list
// and the flip is left alone. Returns the number expired.
func (s *Service) ExpireStale(ctx context.Context, tenantID string) (int, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	stale, err := s.repo.ListPendingBefore(ctx, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: list pending: %v", domain.ErrUpstream, err)
	}

	expired := 0
	for _, sugg := range stale {
		updated := *sugg
		updated.Status = domain.StatusExpired
		updated.UpdatedAt = time.Now().UTC()

		err := s.repo.UpdateSuggestionStatus(ctx, tenantID, sugg.ID, domain.StatusPending, domain.StatusExpired, &updated)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return expired, fmt.Errorf("%w: expire suggestion %s: %v", domain.ErrUpstream, sugg.ID, err)
		}
		expired++
		s.publish(ctx, tenantID, domain.TopicSuggestionExpired, &updated, "system", "")
	}
	return expired, nil
}

// compensate runs completed saga steps' undo actions in reverse order.
// Failures are logged, not returned: the caller's original error stands.
func (s *Service) compensate(ctx context.Context, undo []compensation) {
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].fn(ctx); err != nil {
			s.logger.Error("saga compensation failed",
				"step", undo[i].name,
				"error", err)
		}
	}
}

// lifecycleEvent is the payload published on suggestion transitions.
type lifecycleEvent struct {
	SuggestionID string                  `json:"suggestionId"`
	Status       domain.SuggestionStatus `json:"status"`
	Actor        string                  `json:"actor"`
	RuleID       string                  `json:"ruleId,omitempty"`
}

// publish emits a lifecycle event best-effort. The transition already
// committed; a bus outage costs an audit entry, not correctness.
func (s *Service) publish(ctx context.Context, tenantID, topic string, sugg *domain.Suggestion, actor, ruleID string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(lifecycleEvent{
		SuggestionID: sugg.ID,
		Status:       sugg.Status,
		Actor:        actor,
		RuleID:       ruleID,
	})
	if err != nil {
		s.logger.Error("marshal lifecycle event", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		s.logger.Error("publish lifecycle event",
			"topic", topic,
			"suggestion_id", sugg.ID,
			"error", err)
	}
}

func validateApproval(req domain.ApprovalRequest) error {
	if req.ApproverID == "" {
		return fmt.Errorf("%w: approver_id is required", domain.ErrInvalidInput)
	}
	if len(req.ApprovalNotes) < domain.MinNotesLen {
		return fmt.Errorf("%w: approval_notes must be at least %d characters", domain.ErrInvalidInput, domain.MinNotesLen)
	}
	if len(req.ExpectedImpact) < domain.MinNotesLen {
		return fmt.Errorf("%w: expected_impact must be at least %d characters", domain.ErrInvalidInput, domain.MinNotesLen)
	}
	if !req.AcknowledgeImpact {
		return fmt.Errorf("%w: acknowledge_impact must be true", domain.ErrInvalidInput)
	}
	return nil
}
