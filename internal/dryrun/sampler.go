// Package dryrun implements the what-if simulation engine: stratified
// sampling over historical transactions, baseline-vs-proposed decision
// comparison, and overlap analysis against active rules.
package dryrun

import (
	"math/rand"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Amount bucket boundaries for stratified sampling. Plain random draws starve
// rare high-value transactions; stratifying by amount keeps them represented.
const (
	microAmountMax  = 5.0
	normalAmountMax = 5000.0
)

const (
	bucketMicro = iota
	bucketNormal
	bucketHigh
	bucketCount
)

func amountBucket(rec *domain.TransactionRecord) int {
	amount := rec.Amount()
	switch {
	case amount < microAmountMax:
		return bucketMicro
	case amount <= normalAmountMax:
		return bucketNormal
	default:
		return bucketHigh
	}
}

// Sample draws sampleSize records from the population, stratified over amount
// buckets. If the population holds fewer records than requested, all of them
// are returned. The seed fully determines the draw for a given population
// order, which golden-dataset regression tests rely on.
func Sample(population []*domain.TransactionRecord, sampleSize int, seed int64) []*domain.TransactionRecord {
	if sampleSize <= 0 || len(population) == 0 {
		return nil
	}
	if len(population) <= sampleSize {
		out := make([]*domain.TransactionRecord, len(population))
		copy(out, population)
		return out
	}

	// Partition preserving population order within each stratum.
	strata := make([][]*domain.TransactionRecord, bucketCount)
	for _, rec := range population {
		b := amountBucket(rec)
		strata[b] = append(strata[b], rec)
	}

	quotas := allocateQuotas(strata, sampleSize)
	rng := rand.New(rand.NewSource(seed))

	var sample []*domain.TransactionRecord
	for b, records := range strata {
		quota := quotas[b]
		if quota >= len(records) {
			sample = append(sample, records...)
			continue
		}
		sample = append(sample, drawFrom(records, quota, rng)...)
	}
	return sample
}

// allocateQuotas distributes sampleSize across strata proportionally, then
// guarantees every non-empty stratum at least one slot so rare buckets are
// never starved.
func allocateQuotas(strata [][]*domain.TransactionRecord, sampleSize int) []int {
	total := 0
	for _, s := range strata {
		total += len(s)
	}

	quotas := make([]int, len(strata))
	assigned := 0
	for b, s := range strata {
		quotas[b] = sampleSize * len(s) / total
		assigned += quotas[b]
	}

	// Hand out rounding leftovers to the largest strata first.
	for leftover := sampleSize - assigned; leftover > 0; leftover-- {
		best := -1
		for b, s := range strata {
			if quotas[b] >= len(s) {
				continue
			}
			if best == -1 || len(s) > len(strata[best]) {
				best = b
			}
		}
		if best == -1 {
			break
		}
		quotas[best]++
	}

	// Every non-empty stratum gets at least one slot, taken from the
	// largest allocation.
	for b, s := range strata {
		if len(s) == 0 || quotas[b] > 0 {
			continue
		}
		largest := 0
		for i := range quotas {
			if quotas[i] > quotas[largest] {
				largest = i
			}
		}
		if quotas[largest] > 1 {
			quotas[largest]--
			quotas[b] = 1
		}
	}
	return quotas
}

// drawFrom picks quota records from a stratum using a seeded permutation,
// then restores original order so the sample is stable for identical input.
func drawFrom(records []*domain.TransactionRecord, quota int, rng *rand.Rand) []*domain.TransactionRecord {
	perm := rng.Perm(len(records))
	picked := perm[:quota]
	sort.Ints(picked)

	out := make([]*domain.TransactionRecord, 0, quota)
	for _, idx := range picked {
		out = append(out, records[idx])
	}
	return out
}
