package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/dryrun"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// stubGenerator returns a fixed rule without calling any completion service.
type stubGenerator struct {
	rule *domain.Rule
	err  error
}

func (g *stubGenerator) GenerateRule(ctx context.Context, tenantID string, instruction string) (*domain.Rule, error) {
	if g.err != nil {
		return nil, g.err
	}
	r := *g.rule
	return &r, nil
}

func validRule() *domain.Rule {
	return &domain.Rule{
		RulesetName: "velocity",
		Description: "flag large mobile transactions for review",
		Decision:    domain.DecisionReview,
		Conditions: []domain.Condition{
			{Field: "amount", Operator: domain.OpGreaterThan, Value: 1000.0},
		},
	}
}

// createTestServer wires a full server against a temp SQLite store, the
// in-process bus and the local cache.
func createTestServer(t *testing.T, gen domain.RuleGenerator) (*Server, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	localCache := cache.NewLRUCache(100)
	t.Cleanup(func() { localCache.Close() })

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	simCfg := domain.SimulationConfig{
		MaxSampleSize:     1000,
		DefaultSampleSize: 100,
		ChangeExampleCap:  5,
	}

	cat := catalog.Default()
	validator := rules.NewValidator(cat)
	gate := policy.NewGate()
	engine := dryrun.NewEngine(cat, simCfg)
	gov := governance.NewService(repo, eventBus, domain.GovernanceConfig{SuggestionTTLHours: 72}, nil)

	server := NewServer(cfg, repo, localCache, eventBus, validator, gate, engine, gov, gen, simCfg, "test-v1")
	return server, repo
}

func seedTransactions(t *testing.T, repo domain.Repository, tenantID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		amount := 100.0
		decision := domain.DecisionAllow
		if i%5 == 0 {
			amount = 5000.0
		}
		rec := &domain.TransactionRecord{
			ID:       fmt.Sprintf("tx-%03d", i),
			TenantID: tenantID,
			Fields: map[string]any{
				"amount": amount,
				"device": "mobile",
			},
			Decision: decision,
		}
		if err := repo.SaveTransaction(ctx, tenantID, rec); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
	}
}

func doRequest(server *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func tenantHeaders(analystID string) map[string]string {
	h := map[string]string{"X-Tenant-ID": "tenant-001"}
	if analystID != "" {
		h["X-Analyst-ID"] = analystID
	}
	return h
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

	rr := doRequest(server, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}
}

func TestValidateRuleEndpoint(t *testing.T) {
	server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

	t.Run("ValidRule", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/validate", validRule(), tenantHeaders(""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.ValidationResult
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Valid {
			t.Errorf("expected valid rule, got errors %v", resp.Errors)
		}
	})

	t.Run("UnknownFieldIsVerdictNotError", func(t *testing.T) {
		rule := validRule()
		rule.Conditions[0].Field = "country"

		rr := doRequest(server, http.MethodPost, "/rules/validate", rule, tenantHeaders(""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp domain.ValidationResult
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Valid {
			t.Error("expected invalid rule for unknown field")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules/validate", validRule(), nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestCheckPolicyEndpoint(t *testing.T) {
	server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

	t.Run("BlockedFieldInRuleset", func(t *testing.T) {
		blocked := validRule()
		blocked.Conditions = append(blocked.Conditions, domain.Condition{
			Field: "country", Operator: domain.OpEquals, Value: "XX",
		})
		body := CheckPolicyRequest{
			Ruleset: &domain.Ruleset{Rules: []domain.Rule{*blocked}},
		}

		rr := doRequest(server, http.MethodPost, "/policy/check", body, tenantHeaders(""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Violations []domain.Violation `json:"violations"`
			Blocking   bool               `json:"blocking"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Blocking {
			t.Error("expected blocking violation for country field")
		}
		if len(resp.Violations) == 0 {
			t.Error("expected violations in response")
		}
	})

	t.Run("SensitiveInstructionWarnsOnly", func(t *testing.T) {
		body := CheckPolicyRequest{Instruction: "flag transactions by nationality"}

		rr := doRequest(server, http.MethodPost, "/policy/check", body, tenantHeaders(""))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Violations []domain.Violation `json:"violations"`
			Blocking   bool               `json:"blocking"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Blocking {
			t.Error("sensitive language alone should not block")
		}
		if len(resp.Violations) == 0 {
			t.Error("expected a warning violation")
		}
	})
}

func TestCreateSuggestionEndpoint(t *testing.T) {
	t.Run("FullPipeline", func(t *testing.T) {
		server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
		seedTransactions(t, repo, "tenant-001", 50)

		body := CreateSuggestionRequest{Instruction: "review large mobile payments"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders("alice"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var sugg domain.Suggestion
		if err := json.Unmarshal(rr.Body.Bytes(), &sugg); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if sugg.ID == "" {
			t.Error("expected suggestion id")
		}
		if sugg.Status != domain.StatusPending {
			t.Errorf("expected pending status, got %s", sugg.Status)
		}
		if sugg.CreatedBy != "alice" {
			t.Errorf("expected createdBy alice, got %s", sugg.CreatedBy)
		}
		if sugg.GeneratedRule == nil {
			t.Fatal("expected generated rule")
		}
		if sugg.Validation == nil || !sugg.Validation.Valid {
			t.Error("expected valid validation verdict")
		}
		if sugg.Impact == nil {
			t.Fatal("expected impact simulation")
		}
		if sugg.Impact.SampleSize != 50 {
			t.Errorf("expected sample size 50, got %d", sugg.Impact.SampleSize)
		}
		if sugg.Impact.Matches == 0 {
			t.Error("expected matches against seeded high-amount records")
		}
		if sugg.Impact.Seed != 1 {
			t.Errorf("expected default seed 1, got %d", sugg.Impact.Seed)
		}
	})

	t.Run("MissingAnalystID", func(t *testing.T) {
		server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

		body := CreateSuggestionRequest{Instruction: "review large payments"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidGeneratedRule", func(t *testing.T) {
		bad := validRule()
		bad.Conditions[0].Field = "no_such_field"
		server, _ := createTestServer(t, &stubGenerator{rule: bad})

		body := CreateSuggestionRequest{Instruction: "review something impossible"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders("alice"))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Validation domain.ValidationResult `json:"validation"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Validation.Valid || len(resp.Validation.Errors) == 0 {
			t.Error("expected validation errors in 422 body")
		}
	})

	t.Run("GeneratorRateLimited", func(t *testing.T) {
		server, _ := createTestServer(t, &stubGenerator{err: domain.ErrRateLimited})

		body := CreateSuggestionRequest{Instruction: "review large payments"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders("alice"))
		if rr.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", rr.Code)
		}
	})

	t.Run("GeneratorUpstreamFailure", func(t *testing.T) {
		server, _ := createTestServer(t, &stubGenerator{err: domain.ErrUpstream})

		body := CreateSuggestionRequest{Instruction: "review large payments"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders("alice"))
		if rr.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d", rr.Code)
		}
	})
}

func TestApprovalFlow(t *testing.T) {
	createPending := func(t *testing.T, server *Server) string {
		t.Helper()
		body := CreateSuggestionRequest{Instruction: "review large mobile payments"}
		rr := doRequest(server, http.MethodPost, "/suggestions", body, tenantHeaders("alice"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("failed to create suggestion: %d %s", rr.Code, rr.Body.String())
		}
		var sugg domain.Suggestion
		json.Unmarshal(rr.Body.Bytes(), &sugg)
		return sugg.ID
	}

	approval := domain.ApprovalRequest{
		ApprovalNotes:     "reviewed the impact numbers",
		ExpectedImpact:    "small uptick in review volume",
		AcknowledgeImpact: true,
	}

	t.Run("ApprovePromotesRule", func(t *testing.T) {
		server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
		seedTransactions(t, repo, "tenant-001", 20)
		id := createPending(t, server)

		rr := doRequest(server, http.MethodPost, "/suggestions/"+id+"/approve", approval, tenantHeaders("bob"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var sugg domain.Suggestion
		json.Unmarshal(rr.Body.Bytes(), &sugg)
		if sugg.Status != domain.StatusApproved {
			t.Errorf("expected approved, got %s", sugg.Status)
		}
		if sugg.ApprovedBy != "bob" {
			t.Errorf("expected approvedBy bob, got %s", sugg.ApprovedBy)
		}

		rules := doRequest(server, http.MethodGet, "/rules", nil, tenantHeaders(""))
		var listed struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rules.Body.Bytes(), &listed)
		if listed.Count != 1 {
			t.Errorf("expected 1 active rule after approval, got %d", listed.Count)
		}
	})

	t.Run("SelfApprovalForbidden", func(t *testing.T) {
		server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
		seedTransactions(t, repo, "tenant-001", 20)
		id := createPending(t, server)

		rr := doRequest(server, http.MethodPost, "/suggestions/"+id+"/approve", approval, tenantHeaders("alice"))
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("DoubleApprovalConflicts", func(t *testing.T) {
		server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
		seedTransactions(t, repo, "tenant-001", 20)
		id := createPending(t, server)

		first := doRequest(server, http.MethodPost, "/suggestions/"+id+"/approve", approval, tenantHeaders("bob"))
		if first.Code != http.StatusOK {
			t.Fatalf("first approval failed: %d", first.Code)
		}

		second := doRequest(server, http.MethodPost, "/suggestions/"+id+"/approve", approval, tenantHeaders("carol"))
		if second.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", second.Code)
		}
	})

	t.Run("RejectSuggestion", func(t *testing.T) {
		server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
		seedTransactions(t, repo, "tenant-001", 20)
		id := createPending(t, server)

		rejection := domain.RejectionRequest{RejectionNotes: "too broad a match set"}
		rr := doRequest(server, http.MethodPost, "/suggestions/"+id+"/reject", rejection, tenantHeaders("alice"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var sugg domain.Suggestion
		json.Unmarshal(rr.Body.Bytes(), &sugg)
		if sugg.Status != domain.StatusRejected {
			t.Errorf("expected rejected, got %s", sugg.Status)
		}
	})

	t.Run("UnknownSuggestion", func(t *testing.T) {
		server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

		rr := doRequest(server, http.MethodPost, "/suggestions/no-such-id/approve", approval, tenantHeaders("bob"))
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestSimulateEndpoint(t *testing.T) {
	server, repo := createTestServer(t, &stubGenerator{rule: validRule()})
	seedTransactions(t, repo, "tenant-001", 50)

	t.Run("DeterministicAcrossRuns", func(t *testing.T) {
		seed := int64(42)
		body := SimulateRequest{Rule: validRule(), Seed: &seed}

		first := doRequest(server, http.MethodPost, "/simulate", body, tenantHeaders(""))
		if first.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", first.Code, first.Body.String())
		}
		second := doRequest(server, http.MethodPost, "/simulate", body, tenantHeaders(""))

		if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
			t.Error("expected byte-identical results for identical requests")
		}
	})

	t.Run("InvalidRule", func(t *testing.T) {
		bad := validRule()
		bad.Conditions = nil
		body := SimulateRequest{Rule: bad}

		rr := doRequest(server, http.MethodPost, "/simulate", body, tenantHeaders(""))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("MissingRule", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/simulate", map[string]any{}, tenantHeaders(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestIngestTransactionEndpoint(t *testing.T) {
	server, _ := createTestServer(t, &stubGenerator{rule: validRule()})

	t.Run("ValidRecord", func(t *testing.T) {
		body := domain.TransactionRequest{
			Fields:   map[string]any{"amount": 250.0, "device": "desktop"},
			Decision: domain.DecisionAllow,
		}

		rr := doRequest(server, http.MethodPost, "/transactions", body, tenantHeaders(""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var rec domain.TransactionRecord
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.ID == "" {
			t.Error("expected generated record id")
		}
	})

	t.Run("InvalidDecision", func(t *testing.T) {
		body := domain.TransactionRequest{
			Fields:   map[string]any{"amount": 250.0},
			Decision: "maybe",
		}

		rr := doRequest(server, http.MethodPost, "/transactions", body, tenantHeaders(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}
