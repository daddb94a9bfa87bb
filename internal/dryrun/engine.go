package dryrun

import (
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Engine runs what-if simulations of candidate rules over historical
// transaction samples. Stateless apart from its configuration; safe for
// concurrent use across requests.
type Engine struct {
	catalog          *catalog.Catalog
	maxSampleSize    int
	changeExampleCap int
}

// NewEngine creates a simulation engine.
func NewEngine(c *catalog.Catalog, cfg domain.SimulationConfig) *Engine {
	maxSample := cfg.MaxSampleSize
	if maxSample <= 0 {
		maxSample = 10000
	}
	exampleCap := cfg.ChangeExampleCap
	if exampleCap <= 0 {
		exampleCap = 10
	}
	return &Engine{
		catalog:          c,
		maxSampleSize:    maxSample,
		changeExampleCap: exampleCap,
	}
}

// Simulate compares baseline decisions against the candidate rule's proposed
// decisions over a stratified sample of the population. Every record carries
// its previously computed decision as the baseline; a rule match overrides it
// with the rule's decision. The result is fully determined by the population
// order, the rule and the seed.
func (e *Engine) Simulate(rule *domain.Rule, sampleSize int, population []*domain.TransactionRecord, seed int64) *domain.DryRunResult {
	if sampleSize <= 0 || sampleSize > e.maxSampleSize {
		sampleSize = e.maxSampleSize
	}

	sample := Sample(population, sampleSize, seed)

	result := &domain.DryRunResult{
		SampleSize:     len(sample),
		Seed:           seed,
		MatchedIDs:     []string{},
		ChangeExamples: []domain.ChangeExample{},
	}

	for _, rec := range sample {
		baseline := rec.Decision
		result.BaselineCounts.Add(baseline)

		proposed := baseline
		if rules.Matches(rule, rec.Fields) {
			result.Matches++
			result.MatchedIDs = append(result.MatchedIDs, rec.ID)
			proposed = rule.Decision
		}
		result.ProposedCounts.Add(proposed)

		if proposed == baseline {
			continue
		}

		result.Changes.Total++
		switch proposed {
		case domain.DecisionAllow:
			result.Changes.NewlyAllowed++
		case domain.DecisionReview:
			result.Changes.NewlyReview++
		case domain.DecisionBlock:
			result.Changes.NewlyBlocked++
		}

		if len(result.ChangeExamples) < e.changeExampleCap {
			result.ChangeExamples = append(result.ChangeExamples, domain.ChangeExample{
				RecordID: rec.ID,
				Fields:   e.stripFields(rec.Fields),
				Before:   baseline,
				After:    proposed,
			})
		}
	}

	// Empty-sample policy: all rates and deltas stay zero; no division ever
	// happens on an empty sample.
	if n := len(sample); n > 0 {
		result.BaselineRates = rates(result.BaselineCounts, n)
		result.ProposedRates = rates(result.ProposedCounts, n)
		result.Deltas = domain.DecisionRates{
			Allow:  result.ProposedRates.Allow - result.BaselineRates.Allow,
			Review: result.ProposedRates.Review - result.BaselineRates.Review,
			Block:  result.ProposedRates.Block - result.BaselineRates.Block,
		}
	}

	return result
}

// stripFields drops everything not declared in the feature catalog before a
// record leaves the engine's trust boundary. The catalog carries no PII, so
// the projection is the strip.
func (e *Engine) stripFields(fields map[string]any) map[string]any {
	out := make(map[string]any)
	for name, value := range fields {
		if e.catalog.Has(name) {
			out[name] = value
		}
	}
	return out
}

func rates(counts domain.DecisionCounts, n int) domain.DecisionRates {
	return domain.DecisionRates{
		Allow:  float64(counts.Allow) / float64(n),
		Review: float64(counts.Review) / float64(n),
		Block:  float64(counts.Block) / float64(n),
	}
}
