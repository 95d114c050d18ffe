package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// DefaultBatchSize bounds the rows sent in one UNWIND statement.
const DefaultBatchSize = 500

const constraintsCypher = `
CREATE CONSTRAINT ringwatch_account IF NOT EXISTS
FOR (a:Account) REQUIRE (a.tenant, a.id) IS UNIQUE
`

const upsertAccountsCypher = `
UNWIND $rows AS row
MERGE (a:Account {tenant: $tenant, id: row.id})
SET a.outgoing_count = row.outgoing_count,
    a.incoming_count = row.incoming_count,
    a.total_sent = row.total_sent,
    a.total_received = row.total_received,
    a.suspicious = row.suspicious,
    a.suspicion_score = row.score,
    a.patterns = row.patterns,
    a.last_session = $session
`

const upsertTransfersCypher = `
UNWIND $rows AS row
MATCH (s:Account {tenant: $tenant, id: row.source})
MATCH (r:Account {tenant: $tenant, id: row.target})
MERGE (s)-[t:TRANSFERRED {session: $session}]->(r)
SET t.amount = row.amount,
    t.count = row.count,
    t.last_at = row.timestamp
`

const upsertRingsCypher = `
UNWIND $rows AS row
MERGE (f:FraudRing {tenant: $tenant, session: $session, ring_id: row.ring_id})
SET f.pattern_type = row.pattern_type,
    f.risk_score = row.risk_score
WITH f, row
UNWIND row.members AS member
MERGE (a:Account {tenant: $tenant, id: member})
MERGE (a)-[:MEMBER_OF]->(f)
`

const sessionRingsCypher = `
MATCH (a:Account)-[:MEMBER_OF]->(f:FraudRing {tenant: $tenant, session: $session})
WITH f, a ORDER BY a.id
RETURN f.ring_id AS ring_id, f.pattern_type AS pattern_type, f.risk_score AS risk_score,
       collect(a.id) AS members
ORDER BY ring_id
`

var errTenantRequired = errors.New("tenantID is required")

// Neo4jSink mirrors detection results into a property graph.
type Neo4jSink struct {
	graph     Graph
	batchSize int
	logger    *slog.Logger
}

// NewNeo4jSink creates a sink over graph. A non-positive batch size uses
// DefaultBatchSize.
func NewNeo4jSink(graph Graph, batchSize int, logger *slog.Logger) *Neo4jSink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jSink{graph: graph, batchSize: batchSize, logger: logger}
}

// EnsureSchema creates the uniqueness constraint on accounts.
func (s *Neo4jSink) EnsureSchema(ctx context.Context) error {
	if err := s.graph.Write(ctx, Statement{Cypher: constraintsCypher}); err != nil {
		return fmt.Errorf("create graph constraints: %w", err)
	}
	return nil
}

// Export writes the accounts and transfers of the result's graph, then its
// fraud rings and their memberships.
func (s *Neo4jSink) Export(ctx context.Context, tenantID string, result *domain.DetectionResult) error {
	if tenantID == "" {
		return errTenantRequired
	}
	start := time.Now()

	var accounts, transfers []map[string]any
	if result.GraphData != nil {
		accounts = accountRows(result.GraphData.Nodes)
		transfers = transferRows(result.GraphData.Edges)
	}
	rings := ringRows(result.FraudRings)

	steps := []struct {
		name   string
		cypher string
		rows   []map[string]any
	}{
		{"accounts", upsertAccountsCypher, accounts},
		{"transfers", upsertTransfersCypher, transfers},
		{"rings", upsertRingsCypher, rings},
	}
	for _, step := range steps {
		if err := s.writeBatches(ctx, tenantID, result.SessionID, step.cypher, step.rows); err != nil {
			return fmt.Errorf("export %s for session %s: %w", step.name, result.SessionID, err)
		}
	}

	s.logger.Debug("graph export complete",
		"tenant_id", tenantID,
		"session_id", result.SessionID,
		"accounts", len(accounts),
		"transfers", len(transfers),
		"rings", len(rings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Neo4jSink) writeBatches(ctx context.Context, tenantID, sessionID, cypher string, rows []map[string]any) error {
	for batch := range slices.Chunk(rows, s.batchSize) {
		st := Statement{Cypher: cypher, Params: map[string]any{
			"tenant":  tenantID,
			"session": sessionID,
			"rows":    batch,
		}}
		if err := s.graph.Write(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// SessionRings reads back the rings stored for a session.
func (s *Neo4jSink) SessionRings(ctx context.Context, tenantID, sessionID string) ([]domain.FraudRing, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	rows, err := s.graph.Read(ctx, Statement{Cypher: sessionRingsCypher, Params: map[string]any{
		"tenant":  tenantID,
		"session": sessionID,
	}})
	if err != nil {
		return nil, fmt.Errorf("read rings for session %s: %w", sessionID, err)
	}

	rings := make([]domain.FraudRing, 0, len(rows))
	for _, row := range rows {
		rings = append(rings, domain.FraudRing{
			RingID:         row.Text("ring_id"),
			PatternType:    domain.PatternType(row.Text("pattern_type")),
			RiskScore:      row.Number("risk_score"),
			MemberAccounts: row.Texts("members"),
		})
	}
	return rings, nil
}

// Close releases the underlying graph connection.
func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.graph.Close(ctx)
}

func accountRows(nodes []domain.GraphNode) []map[string]any {
	rows := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, map[string]any{
			"id":             n.ID,
			"outgoing_count": int64(n.OutgoingCount),
			"incoming_count": int64(n.IncomingCount),
			"total_sent":     n.TotalSent,
			"total_received": n.TotalReceived,
			"suspicious":     n.Suspicious,
			"score":          n.Score,
			"patterns":       n.Patterns,
		})
	}
	return rows
}

func transferRows(edges []domain.GraphEdge) []map[string]any {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"source":    e.Source,
			"target":    e.Target,
			"amount":    e.Amount,
			"count":     int64(e.TransactionCount),
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func ringRows(rings []domain.FraudRing) []map[string]any {
	rows := make([]map[string]any, 0, len(rings))
	for _, r := range rings {
		rows = append(rows, map[string]any{
			"ring_id":      r.RingID,
			"pattern_type": string(r.PatternType),
			"risk_score":   r.RiskScore,
			"members":      r.MemberAccounts,
		})
	}
	return rows
}
