package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/dryrun"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// defaultSeed is used when a request omits the simulation seed, so repeated
// identical requests stay byte-for-byte reproducible.
const defaultSeed int64 = 1

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	validator  *rules.Validator
	gate       *policy.Gate
	engine     *dryrun.Engine
	governance *governance.Service
	generator  domain.RuleGenerator
	simCfg     domain.SimulationConfig
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, validator *rules.Validator, gate *policy.Gate, engine *dryrun.Engine, gov *governance.Service, generator domain.RuleGenerator, simCfg domain.SimulationConfig, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		validator:  validator,
		gate:       gate,
		engine:     engine,
		governance: gov,
		generator:  generator,
		simCfg:     simCfg,
		version:    version,
	}
}

// Health returns server health status. Degrades rather than fails when a
// backing store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ValidateRule handles POST /rules/validate. The validator never rejects at
// the transport level for bad rule shapes: any decodable JSON yields a 200
// with a verdict.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	writeJSON(w, http.StatusOK, h.validator.Validate(payload))
}

// CheckPolicyRequest is the request body for POST /policy/check.
type CheckPolicyRequest struct {
	Instruction string          `json:"instruction,omitempty"`
	Ruleset     *domain.Ruleset `json:"ruleset,omitempty"`
}

// CheckPolicy handles POST /policy/check. Returns all violations plus whether
// any of them blocks the authoring pipeline.
func (h *Handler) CheckPolicy(w http.ResponseWriter, r *http.Request) {
	var req CheckPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	violations := h.gate.Check(policy.Input{
		Instruction: req.Instruction,
		Ruleset:     req.Ruleset,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violationList(violations),
		"blocking":   policy.HasBlockingViolations(violations),
	})
}

// CreateSuggestionRequest is the request body for POST /suggestions.
type CreateSuggestionRequest struct {
	Instruction string `json:"instruction"`
	SampleSize  int    `json:"sampleSize,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
}

// CreateSuggestion handles POST /suggestions: the full authoring pipeline.
// Policy-check the instruction, generate a candidate rule, validate it,
// policy-check the materialized rule, simulate its impact, compute overlap
// against active rules, then persist the suggestion as pending.
func (h *Handler) CreateSuggestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	analystID := GetAnalystID(ctx)
	if analystID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-Analyst-ID header is required",
		})
		return
	}

	var req CreateSuggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Instruction == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "instruction is required",
		})
		return
	}

	// Pre-generation policy check on the raw instruction. A blocked
	// instruction never reaches the generator.
	preViolations := h.gate.Check(policy.Input{Instruction: req.Instruction})
	if policy.HasBlockingViolations(preViolations) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "instruction violates content policy",
			"violations": preViolations,
		})
		return
	}

	rule, err := h.generator.GenerateRule(ctx, tenantID, req.Instruction)
	if err != nil {
		slog.Error("rule generation failed", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	validation := h.validator.ValidateRule(rule)
	if !validation.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":         "generated rule failed validation",
			"generatedRule": rule,
			"validation":    validation,
		})
		return
	}

	// Post-generation policy check on the materialized rule. A paraphrased
	// instruction can pass the pre-check and still yield a blocked field.
	violations := h.gate.Check(policy.Input{
		Instruction: req.Instruction,
		Ruleset:     &domain.Ruleset{Rules: []domain.Rule{*rule}},
	})
	if policy.HasBlockingViolations(violations) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":         "generated rule violates content policy",
			"generatedRule": rule,
			"violations":    violations,
		})
		return
	}

	population, err := h.repo.ListTransactions(ctx, tenantID, h.maxSampleSize())
	if err != nil {
		slog.Error("failed to load transaction population", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	sampleSize := h.effectiveSampleSize(req.SampleSize)
	seed := defaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}

	impact := h.engine.Simulate(rule, sampleSize, population, seed)

	existing, err := h.repo.ListActiveRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list active rules", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}
	sample := dryrun.Sample(population, sampleSize, seed)
	overlaps := dryrun.Overlap(impact.MatchedIDs, sample, existing)

	now := time.Now().UTC()
	suggestion := &domain.Suggestion{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Status:        domain.StatusPending,
		Instruction:   req.Instruction,
		GeneratedRule: rule,
		Validation:    &validation,
		Violations:    violationList(violations),
		Impact:        impact,
		Overlaps:      overlaps,
		CreatedBy:     analystID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.repo.SaveSuggestion(ctx, tenantID, suggestion); err != nil {
		slog.Error("failed to save suggestion", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	h.publishLifecycle(r, tenantID, domain.TopicSuggestionCreated, suggestion, analystID)

	slog.Info("suggestion created",
		"tenant_id", tenantID,
		"suggestion_id", suggestion.ID,
		"created_by", analystID,
	)
	writeJSON(w, http.StatusCreated, suggestion)
}

// ListSuggestions handles GET /suggestions, optionally filtered by ?status=.
func (h *Handler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	status := domain.SuggestionStatus(r.URL.Query().Get("status"))

	suggestions, err := h.repo.ListSuggestions(ctx, tenantID, status)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// GetSuggestion handles GET /suggestions/{id}.
func (h *Handler) GetSuggestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	suggestion, err := h.repo.GetSuggestion(ctx, tenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, suggestion)
}

// ApproveSuggestion handles POST /suggestions/{id}/approve. The approver
// defaults to the X-Analyst-ID header when the body omits it.
func (h *Handler) ApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req domain.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ApproverID == "" {
		req.ApproverID = GetAnalystID(ctx)
	}

	suggestion, err := h.governance.Approve(ctx, tenantID, id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, suggestion)
}

// RejectSuggestion handles POST /suggestions/{id}/reject.
func (h *Handler) RejectSuggestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req domain.RejectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ReviewerID == "" {
		req.ReviewerID = GetAnalystID(ctx)
	}

	suggestion, err := h.governance.Reject(ctx, tenantID, id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, suggestion)
}

// SimulateRequest is the request body for POST /simulate.
type SimulateRequest struct {
	Rule       *domain.Rule `json:"rule"`
	SampleSize int          `json:"sampleSize,omitempty"`
	Seed       *int64       `json:"seed,omitempty"`
}

// Simulate handles POST /simulate: a standalone dry run of a candidate rule
// without creating a suggestion.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Rule == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule is required",
		})
		return
	}

	validation := h.validator.ValidateRule(req.Rule)
	if !validation.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "rule failed validation",
			"validation": validation,
		})
		return
	}

	population, err := h.repo.ListTransactions(ctx, tenantID, h.maxSampleSize())
	if err != nil {
		writeError(w, err)
		return
	}

	sampleSize := h.effectiveSampleSize(req.SampleSize)
	seed := defaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}

	impact := h.engine.Simulate(req.Rule, sampleSize, population, seed)

	existing, err := h.repo.ListActiveRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	sample := dryrun.Sample(population, sampleSize, seed)
	overlaps := dryrun.Overlap(impact.MatchedIDs, sample, existing)

	writeJSON(w, http.StatusOK, map[string]any{
		"impact":   impact,
		"overlaps": overlaps,
	})
}

// ListRules handles GET /rules: the promoted production rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	active, err := h.repo.ListActiveRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": active,
		"count": len(active),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// IngestTransaction handles POST /transactions: adds one historical record to
// the simulation population.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "fields is required",
		})
		return
	}
	if !domain.ValidDecision(req.Decision) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision must be one of allow, review, block",
		})
		return
	}

	rec := req.ToRecord(uuid.NewString(), tenantID)
	if err := h.repo.SaveTransaction(ctx, tenantID, rec); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// ListAudit handles GET /audit/{id}: the audit trail for one entity,
// oldest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	events, err := h.repo.ListAudit(ctx, tenantID, entityID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// effectiveSampleSize resolves a requested size against the configured
// default and cap.
func (h *Handler) effectiveSampleSize(requested int) int {
	size := requested
	if size <= 0 {
		size = h.simCfg.DefaultSampleSize
	}
	if max := h.maxSampleSize(); size <= 0 || size > max {
		size = max
	}
	return size
}

func (h *Handler) maxSampleSize() int {
	if h.simCfg.MaxSampleSize > 0 {
		return h.simCfg.MaxSampleSize
	}
	return 10000
}

// publishLifecycle emits a suggestion lifecycle event best-effort. The
// suggestion is already persisted; a bus outage costs an audit entry only.
func (h *Handler) publishLifecycle(r *http.Request, tenantID, topic string, s *domain.Suggestion, actor string) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"suggestionId": s.ID,
		"status":       s.Status,
		"actor":        actor,
	})
	if err != nil {
		return
	}
	if err := h.bus.Publish(r.Context(), tenantID, topic, payload); err != nil {
		slog.Error("failed to publish lifecycle event",
			"topic", topic,
			"suggestion_id", s.ID,
			"error", err,
		)
	}
}

// violationList normalizes a nil violation slice to an empty one so JSON
// output is always an array.
func violationList(violations []domain.Violation) []domain.Violation {
	if violations == nil {
		return []domain.Violation{}
	}
	return violations
}

// writeError maps service errors onto HTTP status codes by error kind.
func writeError(w http.ResponseWriter, err error) {
	var (
		twoPerson  *domain.TwoPersonRuleError
		state      *domain.StateConflictError
		validation *domain.ValidationFailedError
		policyErr  *domain.PolicyViolationError
	)

	switch {
	case errors.As(err, &twoPerson):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": err.Error(),
		})
	case errors.As(err, &state):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"status": state.Status,
		})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":            "rule validation failed",
			"validationErrors": validation.Errors,
		})
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "policy violation",
			"violations": policyErr.Violations,
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrUpstream):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("unclassified handler error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
