package repository

// The DDL below is the common subset of SQLite and PostgreSQL, so both
// drivers run the same statements.

const schemaDetections = `
CREATE TABLE IF NOT EXISTS detections (
    session_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL,
    suspicious_accounts TEXT NOT NULL,
    fraud_rings TEXT NOT NULL,
    graph_data TEXT,
    details TEXT NOT NULL,
    analysis TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_tenant ON detections(tenant_id);
CREATE INDEX IF NOT EXISTS idx_detections_created ON detections(tenant_id, created_at);
`

// Transactions keep their upload order through seq so a rerun sees the
// same input sequence.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(tenant_id, sender_id);
CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions(tenant_id, receiver_id);
`

const schemaSuppressionRules = `
CREATE TABLE IF NOT EXISTS suppression_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    reduction DOUBLE PRECISION NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_suppression_rules_enabled ON suppression_rules(tenant_id, enabled);
`

// AllSchemas lists the DDL in the order New applies it.
func AllSchemas() []string {
	return []string{
		schemaDetections,
		schemaTransactions,
		schemaSuppressionRules,
	}
}
