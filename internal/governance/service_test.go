package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeRepo is an in-memory Repository for governance tests. Failure hooks let
// individual tests break specific saga steps.
type fakeRepo struct {
	mu          sync.Mutex
	suggestions map[string]*domain.Suggestion
	rules       map[string]*domain.ActiveRule
	versions    map[string]*domain.RuleVersion

	failCreateRule    error
	failCreateVersion error
	failUpdateStatus  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		suggestions: make(map[string]*domain.Suggestion),
		rules:       make(map[string]*domain.ActiveRule),
		versions:    make(map[string]*domain.RuleVersion),
	}
}

func (r *fakeRepo) SaveTransaction(ctx context.Context, tenantID string, rec *domain.TransactionRecord) error {
	return nil
}

func (r *fakeRepo) GetTransaction(ctx context.Context, tenantID, txID string) (*domain.TransactionRecord, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.TransactionRecord, error) {
	return nil, nil
}

func (r *fakeRepo) SaveSuggestion(ctx context.Context, tenantID string, s *domain.Suggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.suggestions[s.ID] = &cp
	return nil
}

func (r *fakeRepo) GetSuggestion(ctx context.Context, tenantID, id string) (*domain.Suggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.suggestions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) ListSuggestions(ctx context.Context, tenantID string, status domain.SuggestionStatus) ([]*domain.Suggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Suggestion
	for _, s := range r.suggestions {
		if status == "" || s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateSuggestionStatus(ctx context.Context, tenantID, id string, from, to domain.SuggestionStatus, update *domain.Suggestion) error {
	if r.failUpdateStatus != nil {
		return r.failUpdateStatus
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.suggestions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status != from {
		return domain.ErrConflict
	}
	cp := *update
	r.suggestions[id] = &cp
	return nil
}

func (r *fakeRepo) ListPendingBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.Suggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Suggestion
	for _, s := range r.suggestions {
		if s.Status == domain.StatusPending && s.CreatedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateRule(ctx context.Context, tenantID string, rule *domain.ActiveRule) error {
	if r.failCreateRule != nil {
		return r.failCreateRule
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r *fakeRepo) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, ruleID)
	return nil
}

func (r *fakeRepo) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.ActiveRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (r *fakeRepo) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.ActiveRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ActiveRule
	for _, rule := range r.rules {
		cp := *rule
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepo) CreateRuleVersion(ctx context.Context, tenantID string, v *domain.RuleVersion) error {
	if r.failCreateVersion != nil {
		return r.failCreateVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.versions[v.ID] = &cp
	return nil
}

func (r *fakeRepo) DeleteRuleVersion(ctx context.Context, tenantID, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.versions, versionID)
	return nil
}

func (r *fakeRepo) AppendAudit(ctx context.Context, tenantID string, ev *domain.AuditEvent) error {
	return nil
}

func (r *fakeRepo) ListAudit(ctx context.Context, tenantID, entityID string) ([]*domain.AuditEvent, error) {
	return nil, nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }
func (r *fakeRepo) Close() error                   { return nil }

func pendingSuggestion(id, author string) *domain.Suggestion {
	return &domain.Suggestion{
		ID:          id,
		TenantID:    "tenant-1",
		Status:      domain.StatusPending,
		Instruction: "block high value mobile transactions",
		GeneratedRule: &domain.Rule{
			RulesetName: "high_value_mobile",
			Description: "Review high value transactions from mobile devices",
			Decision:    domain.DecisionReview,
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterThan, Value: 10000.0},
				{Field: "device", Operator: domain.OpEquals, Value: "mobile"},
			},
		},
		Validation: &domain.ValidationResult{Valid: true, Errors: []string{}},
		CreatedBy:  author,
		CreatedAt:  time.Now().UTC(),
	}
}

func validApproval(approver string) domain.ApprovalRequest {
	return domain.ApprovalRequest{
		ApproverID:        approver,
		ApprovalNotes:     "reviewed impact, looks safe to enable",
		ExpectedImpact:    "roughly 0.4% of traffic moves to review",
		AcknowledgeImpact: true,
	}
}

func TestApprovePromotesRule(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	svc := NewService(repo, nil, domain.GovernanceConfig{SuggestionTTLHours: 72}, nil)

	got, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("bob"))
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.ApprovedBy != "bob" {
		t.Errorf("approvedBy = %s, want bob", got.ApprovedBy)
	}
	if len(repo.rules) != 1 {
		t.Fatalf("expected 1 active rule, got %d", len(repo.rules))
	}
	if len(repo.versions) != 1 {
		t.Fatalf("expected 1 rule version, got %d", len(repo.versions))
	}
	for _, v := range repo.versions {
		if v.Version != 1 {
			t.Errorf("version = %d, want 1", v.Version)
		}
		if v.Fingerprint == "" {
			t.Error("version fingerprint is empty")
		}
	}

	stored, err := repo.GetSuggestion(context.Background(), "tenant-1", "s1")
	if err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}
	if stored.Status != domain.StatusApproved {
		t.Errorf("stored status = %s, want approved", stored.Status)
	}
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("alice"))
	var tpErr *domain.TwoPersonRuleError
	if !errors.As(err, &tpErr) {
		t.Fatalf("expected TwoPersonRuleError, got %v", err)
	}
	if tpErr.Actor != "alice" {
		t.Errorf("actor = %s, want alice", tpErr.Actor)
	}
	if len(repo.rules) != 0 {
		t.Errorf("self-approval must not create rules, got %d", len(repo.rules))
	}
}

func TestApproveInputValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	tests := []struct {
		name   string
		mutate func(*domain.ApprovalRequest)
	}{
		{"missing approver", func(r *domain.ApprovalRequest) { r.ApproverID = "" }},
		{"short notes", func(r *domain.ApprovalRequest) { r.ApprovalNotes = "ok" }},
		{"short impact", func(r *domain.ApprovalRequest) { r.ExpectedImpact = "small" }},
		{"no acknowledgement", func(r *domain.ApprovalRequest) { r.AcknowledgeImpact = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validApproval("bob")
			tt.mutate(&req)
			_, err := svc.Approve(context.Background(), "tenant-1", "s1", req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestApproveTerminalStateConflict(t *testing.T) {
	for _, status := range []domain.SuggestionStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			repo := newFakeRepo()
			sugg := pendingSuggestion("s1", "alice")
			sugg.Status = status
			repo.SaveSuggestion(context.Background(), "tenant-1", sugg)
			svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

			_, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("bob"))
			var scErr *domain.StateConflictError
			if !errors.As(err, &scErr) {
				t.Fatalf("expected StateConflictError, got %v", err)
			}
			if scErr.Status != status {
				t.Errorf("conflict status = %s, want %s", scErr.Status, status)
			}
		})
	}
}

func TestApproveUnknownSuggestion(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, domain.GovernanceConfig{}, nil)
	_, err := svc.Approve(context.Background(), "tenant-1", "missing", validApproval("bob"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveInvalidStoredValidation(t *testing.T) {
	repo := newFakeRepo()
	sugg := pendingSuggestion("s1", "alice")
	sugg.Validation = &domain.ValidationResult{Valid: false, Errors: []string{"decision must be one of allow, review, block"}}
	repo.SaveSuggestion(context.Background(), "tenant-1", sugg)
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("bob"))
	var vErr *domain.ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if len(vErr.Errors) != 1 {
		t.Errorf("expected stored errors carried through, got %v", vErr.Errors)
	}
}

func TestApproveCompensatesOnVersionFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	repo.failCreateVersion = errors.New("disk full")
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("bob"))
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if len(repo.rules) != 0 {
		t.Errorf("rule insert was not compensated, %d rules remain", len(repo.rules))
	}

	stored, _ := repo.GetSuggestion(context.Background(), "tenant-1", "s1")
	if stored.Status != domain.StatusPending {
		t.Errorf("suggestion moved to %s despite failed saga", stored.Status)
	}
}

func TestApproveCompensatesOnStatusConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	// Simulate a concurrent rejection landing between the read and the flip.
	repo.failUpdateStatus = domain.ErrConflict
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Approve(context.Background(), "tenant-1", "s1", validApproval("bob"))
	var scErr *domain.StateConflictError
	if !errors.As(err, &scErr) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if len(repo.rules) != 0 || len(repo.versions) != 0 {
		t.Errorf("saga left orphans: %d rules, %d versions", len(repo.rules), len(repo.versions))
	}
}

func TestRejectPendingSuggestion(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	got, err := svc.Reject(context.Background(), "tenant-1", "s1", domain.RejectionRequest{
		ReviewerID:     "alice",
		RejectionNotes: "overlaps an existing velocity rule",
	})
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if got.Status != domain.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.RejectionNotes == "" {
		t.Error("rejection notes were not stored")
	}
}

func TestRejectRequiresNotes(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveSuggestion(context.Background(), "tenant-1", pendingSuggestion("s1", "alice"))
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Reject(context.Background(), "tenant-1", "s1", domain.RejectionRequest{
		ReviewerID:     "bob",
		RejectionNotes: "no",
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRejectTerminalSuggestion(t *testing.T) {
	repo := newFakeRepo()
	sugg := pendingSuggestion("s1", "alice")
	sugg.Status = domain.StatusApproved
	repo.SaveSuggestion(context.Background(), "tenant-1", sugg)
	svc := NewService(repo, nil, domain.GovernanceConfig{}, nil)

	_, err := svc.Reject(context.Background(), "tenant-1", "s1", domain.RejectionRequest{
		ReviewerID:     "bob",
		RejectionNotes: "too late to reject this one",
	})
	var scErr *domain.StateConflictError
	if !errors.As(err, &scErr) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if scErr.Status != domain.StatusApproved {
		t.Errorf("conflict status = %s, want approved", scErr.Status)
	}
}

func TestExpireStale(t *testing.T) {
	repo := newFakeRepo()
	old := pendingSuggestion("old", "alice")
	old.CreatedAt = time.Now().UTC().Add(-100 * time.Hour)
	fresh := pendingSuggestion("fresh", "alice")
	repo.SaveSuggestion(context.Background(), "tenant-1", old)
	repo.SaveSuggestion(context.Background(), "tenant-1", fresh)
	svc := NewService(repo, nil, domain.GovernanceConfig{SuggestionTTLHours: 72}, nil)

	n, err := svc.ExpireStale(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d suggestions, want 1", n)
	}

	stored, _ := repo.GetSuggestion(context.Background(), "tenant-1", "old")
	if stored.Status != domain.StatusExpired {
		t.Errorf("old suggestion status = %s, want expired", stored.Status)
	}
	stored, _ = repo.GetSuggestion(context.Background(), "tenant-1", "fresh")
	if stored.Status != domain.StatusPending {
		t.Errorf("fresh suggestion status = %s, want pending", stored.Status)
	}
}
