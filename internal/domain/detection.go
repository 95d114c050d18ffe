package domain

import (
	"time"
)

// PatternType classifies a fraud ring by the detector that produced it.
type PatternType string

const (
	PatternCycle        PatternType = "cycle"
	PatternSmurfing     PatternType = "smurfing"
	PatternLayeredShell PatternType = "layered_shell"
)

// Pattern tags attached to accounts. The cycle tag is suffixed with the
// cycle length (cycle_length_3, cycle_length_4, cycle_length_5).
const (
	TagCyclePrefix         = "cycle_length_"
	TagSmurfingAggregator  = "smurfing_aggregator"
	TagSmurfingDistributor = "smurfing_distributor"
	TagSmurfingParticipant = "smurfing_participant"
	TagLayeredShell        = "layered_shell"
	TagHighVelocity        = "high_velocity"
)

// Detection status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FraudRing groups accounts implicated together by one detected pattern.
type FraudRing struct {
	RingID         string      `json:"ring_id"`
	MemberAccounts []string    `json:"member_accounts"`
	PatternType    PatternType `json:"pattern_type"`
	RiskScore      float64     `json:"risk_score"`
}

// SuspiciousAccount is one row of the ranked output.
type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   float64  `json:"suspicion_score"`
	DetectedPatterns []string `json:"detected_patterns"`
	RingID           *string  `json:"ring_id"`
}

// Summary describes one detection run.
type Summary struct {
	TotalAccountsAnalyzed     int     `json:"total_accounts_analyzed"`
	SuspiciousAccountsFlagged int     `json:"suspicious_accounts_flagged"`
	FraudRingsDetected        int     `json:"fraud_rings_detected"`
	ProcessingTimeSeconds     float64 `json:"processing_time_seconds"`
}

// Report is the output contract of the detection core.
type Report struct {
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Summary            Summary             `json:"summary"`
}

// DetectionDetails counts pattern instances per detector.
type DetectionDetails struct {
	CyclesDetected     int `json:"cycles_detected"`
	FanInPatterns      int `json:"fan_in_patterns"`
	FanOutPatterns     int `json:"fan_out_patterns"`
	LayeredShellChains int `json:"layered_shell_chains"`
}

// ScoreFactor is a positive contribution to an account score.
type ScoreFactor struct {
	Factor string  `json:"factor"`
	Points float64 `json:"points"`
}

// ScoreReduction is a false-positive reduction applied to an account score.
type ScoreReduction struct {
	Factor    string  `json:"factor"`
	Reduction float64 `json:"reduction"`
}

// AccountStats are the running aggregates kept per account.
type AccountStats struct {
	OutgoingCount int     `json:"outgoing_count"`
	IncomingCount int     `json:"incoming_count"`
	TotalSent     float64 `json:"total_sent"`
	TotalReceived float64 `json:"total_received"`
}

// TotalCount returns incoming plus outgoing transactions.
func (s AccountStats) TotalCount() int {
	return s.OutgoingCount + s.IncomingCount
}

// AccountAnalysis explains how a single account was scored.
type AccountAnalysis struct {
	AccountID        string           `json:"account_id"`
	SuspicionScore   float64          `json:"suspicion_score"`
	RawScore         float64          `json:"raw_score"`
	ScoringFactors   []ScoreFactor    `json:"scoring_factors"`
	ScoreReductions  []ScoreReduction `json:"score_reductions"`
	DetectedPatterns []string         `json:"detected_patterns"`
	RingID           *string          `json:"ring_id"`
	AccountStats     AccountStats     `json:"account_stats"`
	IsMerchant       bool             `json:"is_merchant"`
	IsPayroll        bool             `json:"is_payroll"`
}

// GraphNode is an account in the visual graph export.
type GraphNode struct {
	ID            string   `json:"id"`
	OutgoingCount int      `json:"outgoingCount"`
	IncomingCount int      `json:"incomingCount"`
	TotalSent     float64  `json:"totalSent"`
	TotalReceived float64  `json:"totalReceived"`
	Suspicious    bool     `json:"suspicious"`
	Score         float64  `json:"score"`
	Patterns      []string `json:"patterns"`
	RingID        *string  `json:"ring_id"`
}

// GraphEdge collapses every transaction between an ordered account pair.
type GraphEdge struct {
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Amount           float64   `json:"amount"`
	TransactionCount int       `json:"transactionCount"`
	Timestamp        time.Time `json:"timestamp"`
}

// GraphData is the graph handed to the presentation layer.
type GraphData struct {
	Nodes      []GraphNode `json:"nodes"`
	Edges      []GraphEdge `json:"edges"`
	TotalNodes int         `json:"totalNodes"`
	IsFiltered bool        `json:"isFiltered"`
}

// DetectionResult is a persisted detection session.
type DetectionResult struct {
	SessionID          string              `json:"session_id"`
	TenantID           string              `json:"tenant_id"`
	Status             string              `json:"status"`
	Error              string              `json:"error,omitempty"`
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Summary            Summary             `json:"summary"`
	GraphData          *GraphData          `json:"graph_data,omitempty"`
	Details            DetectionDetails    `json:"detection_details"`
	Analysis           []AccountAnalysis   `json:"-"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Report returns the output contract view of the result.
func (r *DetectionResult) Report() Report {
	return Report{
		SuspiciousAccounts: r.SuspiciousAccounts,
		FraudRings:         r.FraudRings,
		Summary:            r.Summary,
	}
}

// SessionInfo is a lightweight listing entry for a detection session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Summary   Summary   `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates detection activity for a tenant.
type Stats struct {
	TotalAnalyses              int          `json:"total_analyses"`
	TotalTransactionsProcessed int          `json:"total_transactions_processed"`
	LatestAnalysis             *SessionInfo `json:"latest_analysis"`
}

// DetectionEvent is emitted while a detection session progresses.
type DetectionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Detection event types.
const (
	EventDetectionStarted   = "detection.started"
	EventDetectionCompleted = "detection.completed"
	EventDetectionFailed    = "detection.failed"
)
