package domain

import (
	"time"
)

// TransactionRecord is a historical transaction with its previously computed
// decision. Rules address only fields present in the feature catalog; anything
// else in Fields is opaque to the engine.
type TransactionRecord struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenantId"`
	Fields   map[string]any `json:"fields"`
	Decision Decision       `json:"decision"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// Amount returns the record's transaction amount, or 0 if absent or non-numeric.
// Used by the stratified sampler for bucket assignment.
func (r *TransactionRecord) Amount() float64 {
	v, ok := r.Fields["amount"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// TransactionRequest is the API payload for ingesting a historical record.
type TransactionRequest struct {
	Fields   map[string]any `json:"fields"`
	Decision Decision       `json:"decision"`
}

// ToRecord converts a request to a TransactionRecord.
func (r *TransactionRequest) ToRecord(id, tenantID string) *TransactionRecord {
	now := time.Now().UTC()
	return &TransactionRecord{
		ID:        id,
		TenantID:  tenantID,
		Fields:    r.Fields,
		Decision:  r.Decision,
		Timestamp: now,
		CreatedAt: now,
	}
}
