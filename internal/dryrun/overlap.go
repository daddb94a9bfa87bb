package dryrun

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Overlap compares the candidate rule's match-id set against each existing
// active rule's match set over the same sample. The candidate set must be the
// actual matched ids produced by Simulate, never a placeholder. The ratio is
// overlap_count / max(1, min(|candidate|, |existing|)), so a rule fully
// contained in another reports 1.0.
func Overlap(candidateIDs []string, sample []*domain.TransactionRecord, existing []*domain.ActiveRule) []domain.OverlapResult {
	candidate := make(map[string]struct{}, len(candidateIDs))
	for _, id := range candidateIDs {
		candidate[id] = struct{}{}
	}

	results := make([]domain.OverlapResult, 0, len(existing))
	for _, active := range existing {
		if !active.Enabled {
			continue
		}

		existingCount := 0
		overlapCount := 0
		for _, rec := range sample {
			if !rules.Matches(&active.Rule, rec.Fields) {
				continue
			}
			existingCount++
			if _, ok := candidate[rec.ID]; ok {
				overlapCount++
			}
		}

		denom := len(candidate)
		if existingCount < denom {
			denom = existingCount
		}
		if denom < 1 {
			denom = 1
		}

		results = append(results, domain.OverlapResult{
			ExistingRuleID: active.ID,
			OverlapCount:   overlapCount,
			OverlapRatio:   float64(overlapCount) / float64(denom),
		})
	}
	return results
}
