// Package llm implements the rule generator backed by a hosted completion
// service, with per-tenant rate limiting and an instruction-keyed result
// cache.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const systemPrompt = `You are a fraud-rule author. Convert the analyst's instruction into exactly one rule as JSON with this shape:
{"ruleset_name": string, "description": string, "decision": "allow"|"review"|"block", "conditions": [{"field": string, "operator": string, "value": any}]}
Conditions combine by AND. Operators: ==, !=, >, <, >=, <=, in, not_in, contains, starts_with, ends_with.
Use only these fields: %s.
The description must restate the intent in plain language, 10 to 500 characters. Use 1 to 10 conditions. Respond with the JSON object only.`

// responseSchema is the enforced output shape sent as response_format. The
// service rejects completions that do not conform, so a well-behaved endpoint
// never returns prose.
var responseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ruleset_name": {"type": "string"},
		"description": {"type": "string"},
		"decision": {"type": "string", "enum": ["allow", "review", "block"]},
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"field": {"type": "string"},
					"operator": {"type": "string"},
					"value": {}
				},
				"required": ["field", "operator", "value"],
				"additionalProperties": false
			}
		}
	},
	"required": ["ruleset_name", "description", "decision", "conditions"],
	"additionalProperties": false
}`)

// Client calls an OpenAI-compatible chat completions endpoint to generate
// candidate rules. Implements domain.RuleGenerator.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	fields     []string

	limiter  Limiter
	cache    domain.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewClient creates a completion client. fields is the catalog field list
// embedded in the prompt so the model stays inside the known vocabulary.
// cache may be nil; without it prompt caching and the shared limiter are
// unavailable.
func NewClient(cfg domain.LLMConfig, fields []string, cache domain.Cache, logger *slog.Logger) *Client {
	timeout := cfg.TimeoutSecs
	if timeout <= 0 {
		timeout = 30
	}
	window := time.Duration(cfg.RateWindowSecs) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 30
	}

	var limiter Limiter
	if cfg.SharedLimiter && cache != nil {
		limiter = newSharedLimiter(cache, limit, window)
	} else {
		limiter = newWindowLimiter(limit, window)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(timeout) * time.Second},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		fields:     fields,
		limiter:    limiter,
		cache:      cache,
		cacheTTL:   time.Duration(cfg.PromptCacheTTL) * time.Second,
		logger:     logger,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateRule produces a candidate rule for the instruction. The rule comes
// back unvalidated; the caller runs the validator and policy gate on it.
func (c *Client) GenerateRule(ctx context.Context, tenantID string, instruction string) (*domain.Rule, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, fmt.Errorf("%w: instruction is required", domain.ErrInvalidInput)
	}

	cacheKey := promptKey(instruction)
	if rule := c.cached(ctx, tenantID, cacheKey); rule != nil {
		return rule, nil
	}

	ok, err := c.limiter.Allow(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: completion budget exhausted, retry later", domain.ErrRateLimited)
	}

	rule, err := c.complete(ctx, instruction)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tenantID, cacheKey, rule)
	return rule, nil
}

func (c *Client) complete(ctx context.Context, instruction string) (*domain.Rule, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, strings.Join(c.fields, ", "))},
			{Role: "user", Content: instruction},
		},
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   "fraud_rule",
				Strict: true,
				Schema: responseSchema,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: completion call: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: completion service throttled", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: completion service returned %d: %s", domain.ErrUpstream, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUpstream, chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", domain.ErrUpstream)
	}

	var rule domain.Rule
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &rule); err != nil {
		return nil, fmt.Errorf("%w: model returned malformed rule: %v", domain.ErrUpstream, err)
	}
	return &rule, nil
}

// cached returns the previously generated rule for the key, or nil. Cache
// failures degrade to a fresh completion.
func (c *Client) cached(ctx context.Context, tenantID, key string) *domain.Rule {
	if c.cache == nil || c.cacheTTL <= 0 {
		return nil
	}
	raw, err := c.cache.Get(ctx, tenantID, key)
	if err != nil {
		c.logger.Warn("prompt cache read failed", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var rule domain.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil
	}
	return &rule
}

func (c *Client) store(ctx context.Context, tenantID, key string, rule *domain.Rule) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, tenantID, key, raw, c.cacheTTL); err != nil {
		c.logger.Warn("prompt cache write failed", "error", err)
	}
}

func promptKey(instruction string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(instruction)))
	return "llm:rule:" + hex.EncodeToString(sum[:])
}
