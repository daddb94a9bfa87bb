package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var catalogFields = []string{"amount", "device", "hour"}

func completionServer(t *testing.T, content string, status int, calls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(endpoint string) domain.LLMConfig {
	return domain.LLMConfig{
		Endpoint:       endpoint,
		Model:          "test-model",
		TimeoutSecs:    5,
		RateLimit:      100,
		RateWindowSecs: 60,
	}
}

func TestGenerateRuleParsesCompletion(t *testing.T) {
	content := `{"ruleset_name":"high_value_mobile","description":"Review high value mobile transactions","decision":"review","conditions":[{"field":"amount","operator":">","value":10000},{"field":"device","operator":"==","value":"mobile"}]}`
	srv := completionServer(t, content, http.StatusOK, nil)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), catalogFields, nil, nil)
	rule, err := client.GenerateRule(context.Background(), "tenant-1", "review high value mobile transactions")
	if err != nil {
		t.Fatalf("GenerateRule failed: %v", err)
	}
	if rule.RulesetName != "high_value_mobile" {
		t.Errorf("ruleset_name = %s", rule.RulesetName)
	}
	if rule.Decision != domain.DecisionReview {
		t.Errorf("decision = %s, want review", rule.Decision)
	}
	if len(rule.Conditions) != 2 {
		t.Fatalf("conditions = %d, want 2", len(rule.Conditions))
	}
	if rule.Conditions[0].Operator != domain.OpGreaterThan {
		t.Errorf("operator = %s, want >", rule.Conditions[0].Operator)
	}
}

func TestGenerateRuleEmptyInstruction(t *testing.T) {
	client := NewClient(testConfig("http://unused"), catalogFields, nil, nil)
	_, err := client.GenerateRule(context.Background(), "tenant-1", "   ")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGenerateRuleUpstreamFailure(t *testing.T) {
	srv := completionServer(t, "", http.StatusInternalServerError, nil)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), catalogFields, nil, nil)
	_, err := client.GenerateRule(context.Background(), "tenant-1", "block everything")
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestGenerateRuleThrottledUpstream(t *testing.T) {
	srv := completionServer(t, "", http.StatusTooManyRequests, nil)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), catalogFields, nil, nil)
	_, err := client.GenerateRule(context.Background(), "tenant-1", "block everything")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestGenerateRuleMalformedContent(t *testing.T) {
	srv := completionServer(t, "sure! here is your rule:", http.StatusOK, nil)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), catalogFields, nil, nil)
	_, err := client.GenerateRule(context.Background(), "tenant-1", "block everything")
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestGenerateRuleRateLimited(t *testing.T) {
	content := `{"ruleset_name":"r","description":"some valid description","decision":"block","conditions":[{"field":"amount","operator":">","value":1}]}`
	srv := completionServer(t, content, http.StatusOK, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RateLimit = 1
	client := NewClient(cfg, catalogFields, nil, nil)

	if _, err := client.GenerateRule(context.Background(), "tenant-1", "first instruction"); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	_, err := client.GenerateRule(context.Background(), "tenant-1", "second instruction")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another tenant has its own budget.
	if _, err := client.GenerateRule(context.Background(), "tenant-2", "first instruction"); err != nil {
		t.Fatalf("second tenant blocked: %v", err)
	}
}

func TestGenerateRulePromptCache(t *testing.T) {
	content := `{"ruleset_name":"cached","description":"a cached description","decision":"allow","conditions":[{"field":"amount","operator":"<","value":5}]}`
	calls := 0
	srv := completionServer(t, content, http.StatusOK, &calls)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PromptCacheTTL = 60
	client := NewClient(cfg, catalogFields, newFakeCache(), nil)

	for i := 0; i < 3; i++ {
		rule, err := client.GenerateRule(context.Background(), "tenant-1", "allow tiny transactions")
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if rule.RulesetName != "cached" {
			t.Errorf("call %d ruleset_name = %s", i, rule.RulesetName)
		}
	}
	if calls != 1 {
		t.Errorf("endpoint called %d times, want 1", calls)
	}
}

// fakeCache is a minimal in-memory domain.Cache for tests.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:   make(map[string][]byte),
		counters: make(map[string]int64),
	}
}

func (c *fakeCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[tenantID+"/"+key], nil
}

func (c *fakeCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[tenantID+"/"+key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, tenantID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, tenantID+"/"+key)
	return nil
}

func (c *fakeCache) IncrementCounter(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[tenantID+"/"+key]++
	return c.counters[tenantID+"/"+key], nil
}

func (c *fakeCache) Ping(ctx context.Context) error { return nil }
func (c *fakeCache) Close() error                   { return nil }
