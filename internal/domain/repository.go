// Package domain defines the core interfaces and types for Ringwatch.
package domain

import (
	"context"
	"time"
)

// GlobalTenantID owns suppression rules that apply to every tenant.
const GlobalTenantID = "*"

// Repository stores detection sessions, their input ledgers and the
// suppression rules. Every call is scoped to one tenant.
type Repository interface {
	// Detection sessions
	SaveDetection(ctx context.Context, tenantID string, result *DetectionResult) error
	GetDetection(ctx context.Context, tenantID string, sessionID string) (*DetectionResult, error)
	ListDetections(ctx context.Context, tenantID string, limit int) ([]*SessionInfo, error)

	// Session transactions, kept so a session can be re-analysed
	SaveTransactions(ctx context.Context, tenantID string, sessionID string, txs []Transaction) error
	GetSessionTransactions(ctx context.Context, tenantID string, sessionID string) ([]Transaction, error)

	// Stats aggregates detection activity for the tenant
	Stats(ctx context.Context, tenantID string) (*Stats, error)

	// Suppression rules
	SaveSuppressionRule(ctx context.Context, tenantID string, rule *SuppressionRule) error
	GetSuppressionRule(ctx context.Context, tenantID string, ruleID string) (*SuppressionRule, error)
	ListSuppressionRules(ctx context.Context, tenantID string) ([]*SuppressionRule, error)
	DeleteSuppressionRule(ctx context.Context, tenantID string, ruleID string) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects the SQL backend. Driver is "sqlite" or
// "postgres"; only the fields of the chosen driver are read.
type RepositoryConfig struct {
	Driver string `json:"driver"`

	SQLitePath string `json:"sqlitePath"`

	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
