// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a historical transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, rec *domain.TransactionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	fields, _ := json.Marshal(rec.Fields)

	query := `
		INSERT INTO transactions (
			id, tenant_id, fields, decision, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, string(fields), string(rec.Decision),
		rec.Timestamp, rec.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fields, decision, timestamp, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var rec domain.TransactionRecord
	var fields, decision string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&rec.ID, &rec.TenantID, &fields, &decision,
		&rec.Timestamp, &rec.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Decision = domain.Decision(decision)
	if fields != "" {
		json.Unmarshal([]byte(fields), &rec.Fields)
	}

	return &rec, nil
}

// ListTransactions retrieves up to limit records, most recent first, with
// tenant isolation. The limit is always enforced to bound simulation reads.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fields, decision, timestamp, created_at
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TransactionRecord
	for rows.Next() {
		var rec domain.TransactionRecord
		var fields, decision string

		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &fields, &decision,
			&rec.Timestamp, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Decision = domain.Decision(decision)
		if fields != "" {
			json.Unmarshal([]byte(fields), &rec.Fields)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveSuggestion stores a suggestion with tenant isolation. The full
// suggestion rides in the payload column; status is duplicated into its own
// column so conditional transitions and list filters stay plain SQL.
func (r *SQLRepository) SaveSuggestion(ctx context.Context, tenantID string, s *domain.Suggestion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal suggestion: %w", err)
	}

	query := `
		INSERT INTO suggestions (
			id, tenant_id, status, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, string(s.Status), string(payload),
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetSuggestion retrieves a suggestion by ID with tenant isolation.
func (r *SQLRepository) GetSuggestion(ctx context.Context, tenantID string, id string) (*domain.Suggestion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT status, payload
		FROM suggestions
		WHERE tenant_id = ? AND id = ?
	`

	var status, payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&status, &payload)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s domain.Suggestion
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion payload: %w", err)
	}
	// The status column wins: it is what conditional updates actually flip.
	s.Status = domain.SuggestionStatus(status)

	return &s, nil
}

// ListSuggestions retrieves suggestions for a tenant, newest first.
// An empty status returns all of them.
func (r *SQLRepository) ListSuggestions(ctx context.Context, tenantID string, status domain.SuggestionStatus) ([]*domain.Suggestion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT status, payload
		FROM suggestions
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suggestions []*domain.Suggestion
	for rows.Next() {
		var st, payload string
		if err := rows.Scan(&st, &payload); err != nil {
			return nil, err
		}

		var s domain.Suggestion
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("failed to parse suggestion payload: %w", err)
		}
		s.Status = domain.SuggestionStatus(st)
		suggestions = append(suggestions, &s)
	}

	return suggestions, rows.Err()
}

// UpdateSuggestionStatus performs a conditional transition: the write applies
// only if the stored status still equals from. Zero rows affected means the
// condition failed; the row is re-checked to distinguish a lost race from an
// unknown id.
func (r *SQLRepository) UpdateSuggestionStatus(ctx context.Context, tenantID string, id string, from, to domain.SuggestionStatus, update *domain.Suggestion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal suggestion: %w", err)
	}

	query := `
		UPDATE suggestions
		SET status = ?, payload = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(to), string(payload), update.UpdatedAt,
		tenantID, id, string(from),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT 1 FROM suggestions WHERE tenant_id = ? AND id = ?`),
		tenantID, id,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrConflict
}

// ListPendingBefore retrieves pending suggestions created before cutoff,
// oldest first, for the expiry sweep.
func (r *SQLRepository) ListPendingBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.Suggestion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT status, payload
		FROM suggestions
		WHERE tenant_id = ? AND status = ? AND created_at < ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, string(domain.StatusPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suggestions []*domain.Suggestion
	for rows.Next() {
		var st, payload string
		if err := rows.Scan(&st, &payload); err != nil {
			return nil, err
		}

		var s domain.Suggestion
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("failed to parse suggestion payload: %w", err)
		}
		s.Status = domain.SuggestionStatus(st)
		suggestions = append(suggestions, &s)
	}

	return suggestions, rows.Err()
}

// CreateRule stores a promoted production rule with tenant isolation.
func (r *SQLRepository) CreateRule(ctx context.Context, tenantID string, rule *domain.ActiveRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(rule.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO rules (
			id, tenant_id, payload, enabled, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, string(payload), enabled,
		rule.CreatedBy, rule.CreatedAt,
	)
	return err
}

// DeleteRule removes a rule. Used only by saga compensation; promoted rules
// are otherwise disabled, never deleted.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM rules WHERE tenant_id = ? AND id = ?`),
		tenantID, ruleID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.ActiveRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, payload, enabled, created_by, created_at
		FROM rules
		WHERE tenant_id = ? AND id = ?
	`

	var rule domain.ActiveRule
	var payload string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&rule.ID, &rule.TenantID, &payload, &enabled,
		&rule.CreatedBy, &rule.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(payload), &rule.Rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule payload: %w", err)
	}

	return &rule, nil
}

// ListActiveRules retrieves all enabled rules for a tenant.
func (r *SQLRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.ActiveRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, payload, enabled, created_by, created_at
		FROM rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ActiveRule
	for rows.Next() {
		var rule domain.ActiveRule
		var payload string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &payload, &enabled,
			&rule.CreatedBy, &rule.CreatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(payload), &rule.Rule); err != nil {
			return nil, fmt.Errorf("failed to parse rule payload for %s: %w", rule.ID, err)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// CreateRuleVersion stores an immutable rule snapshot with tenant isolation.
func (r *SQLRepository) CreateRuleVersion(ctx context.Context, tenantID string, v *domain.RuleVersion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal rule version: %w", err)
	}

	query := `
		INSERT INTO rule_versions (
			id, tenant_id, rule_id, version, fingerprint, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.RuleID, v.Version, v.Fingerprint,
		string(payload), v.CreatedAt,
	)
	return err
}

// DeleteRuleVersion removes a rule version. Saga compensation only.
func (r *SQLRepository) DeleteRuleVersion(ctx context.Context, tenantID string, versionID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM rule_versions WHERE tenant_id = ? AND id = ?`),
		tenantID, versionID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendAudit stores an audit event. The table is append-only; nothing ever
// updates or deletes from it.
func (r *SQLRepository) AppendAudit(ctx context.Context, tenantID string, ev *domain.AuditEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_events (
			id, tenant_id, actor, action, entity_type, entity_id, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.Actor, ev.Action,
		ev.EntityType, ev.EntityID, ev.Details, ev.CreatedAt,
	)
	return err
}

// ListAudit retrieves audit events for an entity, oldest first.
func (r *SQLRepository) ListAudit(ctx context.Context, tenantID string, entityID string) ([]*domain.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, actor, action, entity_type, entity_id, details, created_at
		FROM audit_events
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var details sql.NullString

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.Actor, &ev.Action,
			&ev.EntityType, &ev.EntityID, &details, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}

		ev.Details = details.String
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
