package domain

// DecisionCounts holds per-decision record counts for a sample.
// A fixed struct rather than a map keeps JSON output stable, which the
// dry-run determinism contract depends on.
type DecisionCounts struct {
	Allow  int `json:"allow"`
	Review int `json:"review"`
	Block  int `json:"block"`
}

// Get returns the count for a decision.
func (c DecisionCounts) Get(d Decision) int {
	switch d {
	case DecisionAllow:
		return c.Allow
	case DecisionReview:
		return c.Review
	case DecisionBlock:
		return c.Block
	}
	return 0
}

// Add increments the count for a decision.
func (c *DecisionCounts) Add(d Decision) {
	switch d {
	case DecisionAllow:
		c.Allow++
	case DecisionReview:
		c.Review++
	case DecisionBlock:
		c.Block++
	}
}

// DecisionRates holds per-decision rates over a sample.
type DecisionRates struct {
	Allow  float64 `json:"allow"`
	Review float64 `json:"review"`
	Block  float64 `json:"block"`
}

// ChangeCounts partitions decision changes by direction.
type ChangeCounts struct {
	Total        int `json:"total"`
	NewlyAllowed int `json:"newlyAllowed"`
	NewlyReview  int `json:"newlyReview"`
	NewlyBlocked int `json:"newlyBlocked"`
}

// ChangeExample is a sampled record whose decision would change, with any
// personally identifying fields stripped before leaving the engine.
type ChangeExample struct {
	RecordID string         `json:"recordId"`
	Fields   map[string]any `json:"fields"`
	Before   Decision       `json:"before"`
	After    Decision       `json:"after"`
}

// DryRunResult is the outcome of a what-if simulation of a candidate rule
// against a sample of historical transactions. Computed fresh per request;
// not persisted by the engine itself.
type DryRunResult struct {
	SampleSize int   `json:"sampleSize"`
	Matches    int   `json:"matches"`
	Seed       int64 `json:"seed"`

	BaselineCounts DecisionCounts `json:"baselineCounts"`
	BaselineRates  DecisionRates  `json:"baselineRates"`
	ProposedCounts DecisionCounts `json:"proposedCounts"`
	ProposedRates  DecisionRates  `json:"proposedRates"`

	// Deltas are proposed_rate - baseline_rate per decision.
	Deltas DecisionRates `json:"deltas"`

	Changes        ChangeCounts    `json:"changes"`
	ChangeExamples []ChangeExample `json:"changeExamples"`

	// MatchedIDs is the ids of sampled records the candidate rule matched,
	// consumed by the overlap analyzer.
	MatchedIDs []string `json:"matchedIds"`
}

// OverlapResult describes how much a candidate rule's match set intersects an
// existing active rule's match set over the same sample.
type OverlapResult struct {
	ExistingRuleID string  `json:"existingRuleId"`
	OverlapCount   int     `json:"overlapCount"`
	OverlapRatio   float64 `json:"overlapRatio"`
}
