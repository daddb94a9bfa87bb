// Package worker provides async processing of suggestion lifecycle events.
// The audit worker consumes transition events from the bus and writes the
// append-only audit trail, keeping governance writes off the request path.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// lifecycleTopics maps the bus topics the worker consumes to audit actions.
var lifecycleTopics = map[string]string{
	domain.TopicSuggestionCreated:  "suggestion.created",
	domain.TopicSuggestionApproved: "suggestion.approved",
	domain.TopicSuggestionRejected: "suggestion.rejected",
	domain.TopicSuggestionExpired:  "suggestion.expired",
}

// AuditWorker turns suggestion lifecycle events into audit entries.
type AuditWorker struct {
	bus  domain.EventBus
	repo domain.Repository

	subscriptions []domain.Subscription
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to audit.
	TenantIDs []string
}

// NewAuditWorker creates an audit worker.
func NewAuditWorker(bus domain.EventBus, repo domain.Repository) *AuditWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &AuditWorker{
		bus:    bus,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to all lifecycle topics for the configured tenants.
func (w *AuditWorker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenant(tenantID); err != nil {
			slog.Error("failed to start audit worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("audit workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *AuditWorker) startTenant(tenantID string) error {
	for topic, action := range lifecycleTopics {
		action := action
		sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
			return w.recordEvent(ctx, tenantID, action, msg)
		})
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}
	return nil
}

// lifecycleEvent mirrors the payload published on suggestion transitions.
type lifecycleEvent struct {
	SuggestionID string `json:"suggestionId"`
	Status       string `json:"status"`
	Actor        string `json:"actor"`
	RuleID       string `json:"ruleId,omitempty"`
}

// recordEvent appends one audit entry for a lifecycle event.
func (w *AuditWorker) recordEvent(ctx context.Context, tenantID, action string, msg *domain.Message) error {
	var ev lifecycleEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse lifecycle event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	actor := ev.Actor
	if actor == "" {
		actor = "system"
	}

	var details string
	if ev.RuleID != "" {
		raw, _ := json.Marshal(map[string]string{"ruleId": ev.RuleID})
		details = string(raw)
	}

	audit := &domain.AuditEvent{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		EntityType: "suggestion",
		EntityID:   ev.SuggestionID,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}

	if err := w.repo.AppendAudit(ctx, tenantID, audit); err != nil {
		slog.Error("failed to append audit event",
			"suggestion_id", ev.SuggestionID,
			"action", action,
			"error", err,
		)
		return err
	}

	slog.Debug("audit event recorded",
		"suggestion_id", ev.SuggestionID,
		"action", action,
		"actor", actor,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *AuditWorker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("audit workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *AuditWorker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
