// Package rules provides the CEL-Go based suppression rule engine.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// ErrInvalidRule is returned for rules that cannot be loaded.
var ErrInvalidRule = errors.New("invalid suppression rule")

// Engine evaluates suppression rules against account facts.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	logger        *slog.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.SuppressionRule
	Program cel.Program
}

// NewEngine creates a new rule engine with no rules loaded.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("incoming_count", cel.IntType),
		cel.Variable("outgoing_count", cel.IntType),
		cel.Variable("total_count", cel.IntType),
		cel.Variable("total_sent", cel.DoubleType),
		cel.Variable("total_received", cel.DoubleType),
		cel.Variable("is_merchant", cel.BoolType),
		cel.Variable("is_payroll", cel.BoolType),
		cel.Variable("patterns", cel.ListType(cel.StringType)),
		cel.Variable("amount_cv", cel.DoubleType),
		cel.Variable("raw_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		logger:        logger,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.SuppressionRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidRule)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same id.
func (e *Engine) LoadRule(rule *domain.SuppressionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiledRules[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.SuppressionRule) error {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules atomically swaps the loaded rules. On error the previous set
// stays active.
func (e *Engine) ReloadRules(rules []*domain.SuppressionRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.compiledRules = next
	return nil
}

// Rules returns the loaded rule configurations ordered by id.
func (e *Engine) Rules() []*domain.SuppressionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.SuppressionRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		out = append(out, compiled.Config)
	}
	slices.SortFunc(out, func(a, b *domain.SuppressionRule) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// Evaluate runs every loaded rule against an account and returns the
// reductions of the rules that matched, ordered by rule id. Rules that fail
// at evaluation time are logged and skipped.
func (e *Engine) Evaluate(facts domain.AccountFacts) []domain.ScoreReduction {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	slices.SortFunc(rules, func(a, b *CompiledRule) int { return strings.Compare(a.Config.ID, b.Config.ID) })

	activation := activationFor(facts)

	var out []domain.ScoreReduction
	for _, rule := range rules {
		val, _, err := rule.Program.Eval(activation)
		if err != nil {
			e.logger.Warn("suppression rule evaluation failed",
				"rule_id", rule.Config.ID,
				"account_id", facts.AccountID,
				"error", err,
			)
			continue
		}
		if matched, ok := val.(types.Bool); ok && bool(matched) {
			out = append(out, domain.ScoreReduction{
				Factor:    domain.RuleFactorPrefix + rule.Config.ID,
				Reduction: rule.Config.Reduction,
			})
		}
	}
	return out
}

func activationFor(facts domain.AccountFacts) map[string]any {
	patterns := facts.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	return map[string]any{
		"account_id":     facts.AccountID,
		"incoming_count": int64(facts.Stats.IncomingCount),
		"outgoing_count": int64(facts.Stats.OutgoingCount),
		"total_count":    int64(facts.Stats.TotalCount()),
		"total_sent":     facts.Stats.TotalSent,
		"total_received": facts.Stats.TotalReceived,
		"is_merchant":    facts.IsMerchant,
		"is_payroll":     facts.IsPayroll,
		"patterns":       patterns,
		"amount_cv":      facts.AmountCV,
		"raw_score":      facts.RawScore,
	}
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.SuppressionRule) (*CompiledRule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if rule.Reduction <= 0 {
		return nil, fmt.Errorf("%w: rule %s: reduction must be positive", ErrInvalidRule, rule.ID)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %w", ErrInvalidRule, rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", ErrInvalidRule, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Config:  rule,
		Program: program,
	}, nil
}
