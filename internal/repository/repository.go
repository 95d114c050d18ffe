// Package repository persists detection sessions, their uploaded
// transactions and suppression rules on SQLite or PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository is the database/sql implementation of domain.Repository.
// Queries are written with ? placeholders and rebound for postgres.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database, applies the pool settings and creates
// any missing tables.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	tunePool(db, cfg)

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// migrate applies every schema statement in one transaction so a failed
// upgrade leaves no half-created tables behind.
func (r *SQLRepository) migrate(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, schema := range AllSchemas() {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveDetection inserts or replaces a detection session.
func (r *SQLRepository) SaveDetection(ctx context.Context, tenantID string, result *domain.DetectionResult) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if result == nil || result.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now
	result.TenantID = tenantID

	summary, err := json.Marshal(result.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	accounts, err := json.Marshal(nonNil(result.SuspiciousAccounts))
	if err != nil {
		return fmt.Errorf("failed to encode suspicious accounts: %w", err)
	}
	rings, err := json.Marshal(nonNil(result.FraudRings))
	if err != nil {
		return fmt.Errorf("failed to encode fraud rings: %w", err)
	}
	details, err := json.Marshal(result.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	graphData, err := nullableJSON(result.GraphData, result.GraphData == nil)
	if err != nil {
		return fmt.Errorf("failed to encode graph data: %w", err)
	}
	analysis, err := nullableJSON(result.Analysis, result.Analysis == nil)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	query := `
		INSERT INTO detections (
			session_id, tenant_id, status, error, summary, suspicious_accounts,
			fraud_rings, graph_data, details, analysis, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			summary = excluded.summary,
			suspicious_accounts = excluded.suspicious_accounts,
			fraud_rings = excluded.fraud_rings,
			graph_data = excluded.graph_data,
			details = excluded.details,
			analysis = excluded.analysis,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		result.SessionID, tenantID, result.Status, result.Error,
		string(summary), string(accounts), string(rings), graphData,
		string(details), analysis, result.CreatedAt, result.UpdatedAt,
	)
	return err
}

// GetDetection retrieves a detection session with tenant isolation.
func (r *SQLRepository) GetDetection(ctx context.Context, tenantID, sessionID string) (*domain.DetectionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, tenant_id, status, error, summary, suspicious_accounts,
			   fraud_rings, graph_data, details, analysis, created_at, updated_at
		FROM detections
		WHERE tenant_id = ? AND session_id = ?
	`

	var res domain.DetectionResult
	var summary, accounts, rings, details string
	var graphData, analysis sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, sessionID).Scan(
		&res.SessionID, &res.TenantID, &res.Status, &res.Error,
		&summary, &accounts, &rings, &graphData, &details, &analysis,
		&res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := decodeAll(
		field{"summary", summary, &res.Summary},
		field{"suspicious_accounts", accounts, &res.SuspiciousAccounts},
		field{"fraud_rings", rings, &res.FraudRings},
		field{"details", details, &res.Details},
	); err != nil {
		return nil, err
	}
	if graphData.Valid {
		res.GraphData = &domain.GraphData{}
		if err := json.Unmarshal([]byte(graphData.String), res.GraphData); err != nil {
			return nil, fmt.Errorf("failed to decode graph_data: %w", err)
		}
	}
	if analysis.Valid {
		if err := json.Unmarshal([]byte(analysis.String), &res.Analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}

	return &res, nil
}

// ListDetections returns the most recent sessions of a tenant, newest first.
func (r *SQLRepository) ListDetections(ctx context.Context, tenantID string, limit int) ([]*domain.SessionInfo, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, status, summary, created_at
		FROM detections
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*domain.SessionInfo{}
	for rows.Next() {
		var info domain.SessionInfo
		var summary string
		if err := rows.Scan(&info.SessionID, &info.Status, &summary, &info.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(summary), &info.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary for %s: %w", info.SessionID, err)
		}
		sessions = append(sessions, &info)
	}

	return sessions, rows.Err()
}

// SaveTransactions stores the input of a session in one database transaction.
func (r *SQLRepository) SaveTransactions(ctx context.Context, tenantID, sessionID string, txs []domain.Transaction) (err error) {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	query := `
		INSERT INTO transactions (
			tenant_id, session_id, seq, id, sender_id, receiver_id, amount, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := dbTx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, tx := range txs {
		if _, err = stmt.ExecContext(ctx,
			tenantID, sessionID, i, tx.ID, tx.SenderID, tx.ReceiverID, tx.Amount, tx.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
		}
	}

	return dbTx.Commit()
}

// GetSessionTransactions returns the stored input of a session in upload order.
func (r *SQLRepository) GetSessionTransactions(ctx context.Context, tenantID, sessionID string) ([]domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, sender_id, receiver_id, amount, timestamp
		FROM transactions
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.ID, &tx.SenderID, &tx.ReceiverID, &tx.Amount, &tx.Timestamp); err != nil {
			return nil, err
		}
		tx.Timestamp = tx.Timestamp.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrNotFound
	}
	return txs, nil
}

// Stats aggregates detection activity for a tenant.
func (r *SQLRepository) Stats(ctx context.Context, tenantID string) (*domain.Stats, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	stats := &domain.Stats{}

	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM detections WHERE tenant_id = ?`), tenantID,
	).Scan(&stats.TotalAnalyses)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM transactions WHERE tenant_id = ?`), tenantID,
	).Scan(&stats.TotalTransactionsProcessed)
	if err != nil {
		return nil, err
	}

	latest, err := r.ListDetections(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		stats.LatestAnalysis = latest[0]
	}

	return stats, nil
}

// SaveSuppressionRule stores a suppression rule with tenant isolation.
func (r *SQLRepository) SaveSuppressionRule(ctx context.Context, tenantID string, rule *domain.SuppressionRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO suppression_rules (
			id, tenant_id, name, description, version, expression, reduction, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reduction = excluded.reduction,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Reduction, enabled,
		now, now,
	)
	return err
}

const suppressionRuleColumns = `id, tenant_id, name, description, version, expression, reduction, enabled, created_at, updated_at`

// GetSuppressionRule retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetSuppressionRule(ctx context.Context, tenantID, ruleID string) (*domain.SuppressionRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + suppressionRuleColumns + `
		FROM suppression_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListSuppressionRules retrieves all enabled rules for a tenant.
func (r *SQLRepository) ListSuppressionRules(ctx context.Context, tenantID string) ([]*domain.SuppressionRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + suppressionRuleColumns + `
		FROM suppression_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.SuppressionRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteSuppressionRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteSuppressionRule(ctx context.Context, tenantID, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE suppression_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.SuppressionRule, error) {
	var rule domain.SuppressionRule
	var description sql.NullString
	var enabled int

	if err := s.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description,
		&rule.Version, &rule.Expression, &rule.Reduction, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Enabled = enabled == 1
	return &rule, nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind numbers the ? placeholders as $1, $2, ... on postgres. None of
// the queries contain a literal question mark.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 2*strings.Count(query, "?"))
	for n := 1; ; n++ {
		before, after, found := strings.Cut(query, "?")
		b.WriteString(before)
		if !found {
			return b.String()
		}
		b.WriteString("$" + strconv.Itoa(n))
		query = after
	}
}

type field struct {
	name string
	raw  string
	dst  any
}

func decodeAll(fields ...field) error {
	for _, f := range fields {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("failed to decode %s: %w", f.name, err)
		}
	}
	return nil
}

func nullableJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
