package domain

import "time"

// SuppressionRule is an operator-defined false-positive reduction.
// When Expression evaluates to true for an account, Reduction points are
// subtracted from its suspicion score.
type SuppressionRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over AccountFacts, must return bool
	Expression string `json:"expression"`

	// Points subtracted when the expression matches
	Reduction float64 `json:"reduction"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AccountFacts is the per-account view exposed to suppression rules.
type AccountFacts struct {
	AccountID  string
	Stats      AccountStats
	IsMerchant bool
	IsPayroll  bool
	Patterns   []string
	AmountCV   float64
	RawScore   float64
}

// RuleFactorPrefix prefixes reductions produced by suppression rules.
const RuleFactorPrefix = "rule:"
