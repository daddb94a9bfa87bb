package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Historical transaction population
	SaveTransaction(ctx context.Context, tenantID string, rec *TransactionRecord) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*TransactionRecord, error)
	// ListTransactions returns up to limit records ordered by timestamp.
	// The population source has no upper bound guarantee, so the limit is
	// always enforced.
	ListTransactions(ctx context.Context, tenantID string, limit int) ([]*TransactionRecord, error)

	// Suggestion lifecycle
	SaveSuggestion(ctx context.Context, tenantID string, s *Suggestion) error
	GetSuggestion(ctx context.Context, tenantID string, id string) (*Suggestion, error)
	ListSuggestions(ctx context.Context, tenantID string, status SuggestionStatus) ([]*Suggestion, error)
	// UpdateSuggestionStatus transitions a suggestion conditionally: the
	// update applies only if the stored status still equals from at write
	// time. Returns ErrConflict when the condition fails and ErrNotFound
	// when the id is unknown.
	UpdateSuggestionStatus(ctx context.Context, tenantID string, id string, from, to SuggestionStatus, update *Suggestion) error
	// ListPendingBefore returns pending suggestions created before cutoff,
	// for the expiry sweep.
	ListPendingBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]*Suggestion, error)

	// Production rules and versions
	CreateRule(ctx context.Context, tenantID string, rule *ActiveRule) error
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*ActiveRule, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]*ActiveRule, error)
	CreateRuleVersion(ctx context.Context, tenantID string, v *RuleVersion) error
	DeleteRuleVersion(ctx context.Context, tenantID string, versionID string) error

	// Audit trail (append-only)
	AppendAudit(ctx context.Context, tenantID string, ev *AuditEvent) error
	ListAudit(ctx context.Context, tenantID string, entityID string) ([]*AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
