// Package scoring fuses detected patterns into bounded, explainable
// suspicion scores and ring risk scores.
package scoring

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/ringwatch/internal/detect"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

// Pattern weights.
const (
	WeightCycle        = 40.0
	WeightAggregator   = 30.0
	WeightDistributor  = 30.0
	WeightParticipant  = 15.0
	WeightLayeredShell = 20.0
	WeightHighVelocity = 10.0
)

// False-positive reductions.
const (
	ReductionMerchant    = 30.0
	ReductionPayroll     = 30.0
	ReductionLowVariance = 20.0

	lowVarianceMinTransactions = 500
	lowVarianceMaxCV           = 0.2
)

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Factor names recorded on scored accounts.
const (
	FactorCycle       = "cycle_involvement"
	FactorMerchant    = "merchant_account"
	FactorPayroll     = "payroll_account"
	FactorLowVariance = "high_volume_low_variance"
)

const (
	ringAverageWeight     = 0.4
	ringMaxWeight         = 0.6
	scoreDecimals         = 1
	processingTimeDecimal = 2
)

// Suppressor supplies operator-defined reductions for an account.
type Suppressor interface {
	Evaluate(facts domain.AccountFacts) []domain.ScoreReduction
}

// Score is the scoring breakdown of one account.
type Score struct {
	AccountID  string
	Raw        float64
	Final      float64
	Factors    []domain.ScoreFactor
	Reductions []domain.ScoreReduction
	Patterns   []string
	RingID     *string
}

// Engine scores the accounts of one detection run. It only reads the graph
// and ledger. Results are memoised, so an Engine must not be shared
// between goroutines.
type Engine struct {
	graph             *graph.TransactionGraph
	ledger            *detect.Ledger
	merchantThreshold int
	suppressor        Suppressor
	scores            map[string]*Score
}

// NewEngine creates a scoring engine. suppressor may be nil.
func NewEngine(g *graph.TransactionGraph, ledger *detect.Ledger, merchantThreshold int, suppressor Suppressor) *Engine {
	if merchantThreshold <= 0 {
		merchantThreshold = graph.DefaultMerchantThreshold
	}
	return &Engine{
		graph:             g,
		ledger:            ledger,
		merchantThreshold: merchantThreshold,
		suppressor:        suppressor,
		scores:            make(map[string]*Score),
	}
}

// Score computes the suspicion score of an account.
func (e *Engine) Score(account string) Score {
	if s, ok := e.scores[account]; ok {
		return *s
	}

	patterns := e.ledger.Patterns(account)
	s := &Score{
		AccountID:  account,
		Factors:    factors(patterns),
		Reductions: []domain.ScoreReduction{},
		Patterns:   patterns,
		RingID:     e.ledger.RingID(account),
	}
	if s.Patterns == nil {
		s.Patterns = []string{}
	}
	for _, f := range s.Factors {
		s.Raw += f.Points
	}

	s.Reductions = append(s.Reductions, e.reductions(account)...)
	if e.suppressor != nil {
		s.Reductions = append(s.Reductions, e.suppressor.Evaluate(e.facts(account, s))...)
	}

	total := s.Raw
	for _, r := range s.Reductions {
		total -= r.Reduction
	}
	s.Final = clamp(total)

	e.scores[account] = s
	return *s
}

// factors applies the pattern weights. Only the strongest smurfing role counts.
func factors(patterns []string) []domain.ScoreFactor {
	out := []domain.ScoreFactor{}
	has := func(tag string) bool { return slices.Contains(patterns, tag) }

	if slices.ContainsFunc(patterns, func(p string) bool { return strings.HasPrefix(p, domain.TagCyclePrefix) }) {
		out = append(out, domain.ScoreFactor{Factor: FactorCycle, Points: WeightCycle})
	}

	switch {
	case has(domain.TagSmurfingAggregator):
		out = append(out, domain.ScoreFactor{Factor: domain.TagSmurfingAggregator, Points: WeightAggregator})
	case has(domain.TagSmurfingDistributor):
		out = append(out, domain.ScoreFactor{Factor: domain.TagSmurfingDistributor, Points: WeightDistributor})
	case has(domain.TagSmurfingParticipant):
		out = append(out, domain.ScoreFactor{Factor: domain.TagSmurfingParticipant, Points: WeightParticipant})
	}

	if has(domain.TagLayeredShell) {
		out = append(out, domain.ScoreFactor{Factor: domain.TagLayeredShell, Points: WeightLayeredShell})
	}
	if has(domain.TagHighVelocity) {
		out = append(out, domain.ScoreFactor{Factor: domain.TagHighVelocity, Points: WeightHighVelocity})
	}
	return out
}

func (e *Engine) reductions(account string) []domain.ScoreReduction {
	var out []domain.ScoreReduction

	merchant := e.graph.IsMerchantAt(account, e.merchantThreshold)
	if merchant {
		out = append(out, domain.ScoreReduction{Factor: FactorMerchant, Reduction: ReductionMerchant})
	}
	if e.graph.IsPayrollAccount(account) {
		out = append(out, domain.ScoreReduction{Factor: FactorPayroll, Reduction: ReductionPayroll})
	}
	if !merchant && e.graph.TotalTransactionCount(account) > lowVarianceMinTransactions &&
		e.graph.AmountVariation(account) < lowVarianceMaxCV {
		out = append(out, domain.ScoreReduction{Factor: FactorLowVariance, Reduction: ReductionLowVariance})
	}
	return out
}

func (e *Engine) facts(account string, s *Score) domain.AccountFacts {
	stats, _ := e.graph.AccountStats(account)
	return domain.AccountFacts{
		AccountID:  account,
		Stats:      stats,
		IsMerchant: e.graph.IsMerchantAt(account, e.merchantThreshold),
		IsPayroll:  e.graph.IsPayrollAccount(account),
		Patterns:   s.Patterns,
		AmountCV:   e.graph.AmountVariation(account),
		RawScore:   s.Raw,
	}
}

func clamp(v float64) float64 {
	return max(MinScore, min(MaxScore, v))
}

// ScoreAll scores every implicated account, drops cleared accounts and
// orders the rest by final score, highest first.
func (e *Engine) ScoreAll() []Score {
	accounts := e.ledger.Accounts()
	out := make([]Score, 0, len(accounts))
	for _, id := range accounts {
		s := e.Score(id)
		if s.Final > 0 {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b Score) int {
		switch {
		case a.Final > b.Final:
			return -1
		case a.Final < b.Final:
			return 1
		}
		return 0
	})
	return out
}

// RingRisk blends the average and maximum member scores.
func RingRisk(memberScores []float64) float64 {
	if len(memberScores) == 0 {
		return 0
	}
	var sum, highest float64
	for _, s := range memberScores {
		sum += s
		highest = max(highest, s)
	}
	avg := sum / float64(len(memberScores))
	return round(avg*ringAverageWeight+highest*ringMaxWeight, scoreDecimals)
}

// RecomputeRingRisk replaces each ring's provisional risk with the blend of
// its members' final scores. The input slice is not modified.
func (e *Engine) RecomputeRingRisk(rings []domain.FraudRing) []domain.FraudRing {
	out := make([]domain.FraudRing, len(rings))
	for i, ring := range rings {
		out[i] = ring
		if len(ring.MemberAccounts) == 0 {
			continue
		}
		scores := make([]float64, len(ring.MemberAccounts))
		for j, id := range ring.MemberAccounts {
			scores[j] = e.Score(id).Final
		}
		out[i].RiskScore = RingRisk(scores)
	}
	return out
}

// GenerateOutput assembles the report for a finished run.
func (e *Engine) GenerateOutput(rings []domain.FraudRing, processing time.Duration) domain.Report {
	scored := e.ScoreAll()

	suspicious := make([]domain.SuspiciousAccount, 0, len(scored))
	for _, s := range scored {
		suspicious = append(suspicious, domain.SuspiciousAccount{
			AccountID:        s.AccountID,
			SuspicionScore:   round(s.Final, scoreDecimals),
			DetectedPatterns: s.Patterns,
			RingID:           s.RingID,
		})
	}

	final := e.RecomputeRingRisk(rings)

	return domain.Report{
		SuspiciousAccounts: suspicious,
		FraudRings:         final,
		Summary: domain.Summary{
			TotalAccountsAnalyzed:     e.graph.AccountCount(),
			SuspiciousAccountsFlagged: len(suspicious),
			FraudRingsDetected:        len(final),
			ProcessingTimeSeconds:     round(processing.Seconds(), processingTimeDecimal),
		},
	}
}

// DetailedAnalysis explains the score of every flagged account.
func (e *Engine) DetailedAnalysis() []domain.AccountAnalysis {
	scored := e.ScoreAll()
	out := make([]domain.AccountAnalysis, 0, len(scored))
	for _, s := range scored {
		stats, _ := e.graph.AccountStats(s.AccountID)
		out = append(out, domain.AccountAnalysis{
			AccountID:        s.AccountID,
			SuspicionScore:   s.Final,
			RawScore:         s.Raw,
			ScoringFactors:   s.Factors,
			ScoreReductions:  s.Reductions,
			DetectedPatterns: s.Patterns,
			RingID:           s.RingID,
			AccountStats:     stats,
			IsMerchant:       e.graph.IsMerchantAt(s.AccountID, e.merchantThreshold),
			IsPayroll:        e.graph.IsPayrollAccount(s.AccountID),
		})
	}
	return out
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
