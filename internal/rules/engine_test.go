package rules

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/scoring"
)

var _ scoring.Suppressor = (*Engine)(nil)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func rule(id, expr string, reduction float64) *domain.SuppressionRule {
	return &domain.SuppressionRule{
		ID:         id,
		TenantID:   domain.GlobalTenantID,
		Name:       id,
		Version:    "1.0.0",
		Expression: expr,
		Reduction:  reduction,
		Enabled:    true,
	}
}

func facts() domain.AccountFacts {
	return domain.AccountFacts{
		AccountID: "ACC_0042",
		Stats: domain.AccountStats{
			OutgoingCount: 40,
			IncomingCount: 2,
			TotalSent:     120000,
			TotalReceived: 125000,
		},
		IsPayroll: true,
		Patterns:  []string{domain.TagSmurfingDistributor},
		AmountCV:  0.05,
		RawScore:  30,
	}
}

func TestEngineCreation(t *testing.T) {
	engine := newEngine(t)

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if got := engine.Evaluate(facts()); got != nil {
		t.Errorf("expected no reductions without rules, got %v", got)
	}
}

func TestValidateRule(t *testing.T) {
	engine := newEngine(t)

	tests := []struct {
		name    string
		rule    *domain.SuppressionRule
		wantErr bool
	}{
		{"valid", rule("r1", `is_payroll && outgoing_count > 20`, 10), false},
		{"list membership", rule("r2", `"smurfing_distributor" in patterns`, 5), false},
		{"syntax error", rule("r3", "this is not valid CEL !!!", 5), true},
		{"unknown variable", rule("r4", "amount > 100.0", 5), true},
		{"non bool", rule("r5", "raw_score * 2.0", 5), true},
		{"missing id", rule("", "true", 5), true},
		{"zero reduction", rule("r6", "true", 0), true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateRule(tt.rule)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidRule) {
					t.Errorf("expected ErrInvalidRule, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected validation to load nothing, got %d rules", engine.RulesCount())
	}
}

func TestLoadRules(t *testing.T) {
	engine := newEngine(t)

	disabled := rule("off", "true", 5)
	disabled.Enabled = false

	err := engine.LoadRules([]*domain.SuppressionRule{
		rule("b-rule", "true", 5),
		rule("a-rule", "true", 5),
		disabled,
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	if engine.RulesCount() != 2 {
		t.Fatalf("expected 2 rules, got %d", engine.RulesCount())
	}
	loaded := engine.Rules()
	if loaded[0].ID != "a-rule" || loaded[1].ID != "b-rule" {
		t.Errorf("expected rules ordered by id, got %s, %s", loaded[0].ID, loaded[1].ID)
	}

	// same id replaces
	if err := engine.LoadRule(rule("a-rule", "false", 5)); err != nil {
		t.Fatalf("failed to replace rule: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after replace, got %d", engine.RulesCount())
	}
}

func TestEvaluate(t *testing.T) {
	engine := newEngine(t)

	engine.LoadRules([]*domain.SuppressionRule{
		rule("payroll-batch", `is_payroll && amount_cv < 0.1`, 25),
		rule("big-account", `total_received > 1000000.0`, 10),
		rule("distributor", `"smurfing_distributor" in patterns && raw_score <= 30.0`, 5),
		rule("by-id", `account_id.startsWith("ACC_")`, 1),
	})

	got := engine.Evaluate(facts())

	want := []domain.ScoreReduction{
		{Factor: "rule:by-id", Reduction: 1},
		{Factor: "rule:distributor", Reduction: 5},
		{Factor: "rule:payroll-batch", Reduction: 25},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d reductions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reduction %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestEvaluateRuntimeError(t *testing.T) {
	engine := newEngine(t)

	// compiles, fails on an empty pattern list
	engine.LoadRule(rule("index", `patterns[0] == "layered_shell"`, 5))
	engine.LoadRule(rule("ok", `total_count == 42`, 5))

	f := facts()
	f.Patterns = nil

	got := engine.Evaluate(f)
	if len(got) != 1 || got[0].Factor != "rule:ok" {
		t.Errorf("expected only rule:ok, got %v", got)
	}
}

func TestReloadRules(t *testing.T) {
	engine := newEngine(t)
	engine.LoadRule(rule("old", "true", 5))

	err := engine.ReloadRules([]*domain.SuppressionRule{
		rule("new-1", "true", 5),
		rule("new-2", "false", 5),
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules, got %d", engine.RulesCount())
	}
	for _, r := range engine.Rules() {
		if r.ID == "old" {
			t.Error("expected old rule to be dropped")
		}
	}

	t.Run("failed reload keeps previous set", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.SuppressionRule{
			rule("new-3", "true", 5),
			rule("broken", "not valid !!!", 5),
		})
		if err == nil {
			t.Fatal("expected reload error")
		}
		if engine.RulesCount() != 2 {
			t.Errorf("expected 2 rules to remain, got %d", engine.RulesCount())
		}
	})
}

func TestConcurrentEvaluate(t *testing.T) {
	engine := newEngine(t)
	engine.LoadRule(rule("payroll", "is_payroll", 10))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				engine.ReloadRules([]*domain.SuppressionRule{rule("payroll", "is_payroll", 10)})
				return
			}
			if got := engine.Evaluate(facts()); len(got) != 1 {
				errs <- fmt.Errorf("goroutine %d: expected 1 reduction, got %d", i, len(got))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
