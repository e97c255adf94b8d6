package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/repository/repotest"
	"github.com/shopspring/decimal"
)

func input() Input {
	return Input{
		Direction:      domain.DirectionBuy,
		Currency:       "USD",
		Segment:        domain.SegmentRetail,
		Method:         domain.MethodCash,
		ClientID:       "c-retail",
		TerminalID:     "T1",
		OperatedAmount: decimal.RequireFromString("2500"),
		LocalAmount:    decimal.RequireFromString("18750000"),
		AppliedRate:    decimal.RequireFromString("7500"),
		At:             time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(nil, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.Count() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.Count())
	}
	if err := engine.Check(context.Background(), input()); err != nil {
		t.Errorf("expected no rejection without rules, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	engine, _ := NewEngine(nil, 5)

	t.Run("Valid", func(t *testing.T) {
		err := engine.Load(&domain.PolicyRule{ID: "large-cash", Name: "Large cash", Expression: `method == "cash" && operated_amount > 10000.0`, Enabled: true})
		if err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.Count() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.Count())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		err := engine.Load(&domain.PolicyRule{ID: "broken", Expression: "this is not valid CEL !!!", Enabled: true})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NonBoolExpression", func(t *testing.T) {
		err := engine.Load(&domain.PolicyRule{ID: "score", Expression: "operated_amount * 2.0", Enabled: true})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		err := engine.Validate(&domain.PolicyRule{ID: "unknown", Expression: "debtor_id == 'x'"})
		if err == nil {
			t.Error("expected error for undeclared variable")
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		if err := engine.Validate(&domain.PolicyRule{Expression: "true"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Nil", func(t *testing.T) {
		if err := engine.Load(nil); err == nil {
			t.Error("expected error for nil rule")
		}
	})

	t.Run("DisableRemoves", func(t *testing.T) {
		_ = engine.Load(&domain.PolicyRule{ID: "large-cash", Name: "Large cash", Expression: "true", Enabled: false})
		if engine.Count() != 0 {
			t.Errorf("expected disabled rule to be unloaded, got %d rules", engine.Count())
		}
	})
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	engine, _ := NewEngine(time.FixedZone("PYT", -3*60*60), 5)

	rules := []*domain.PolicyRule{
		{ID: "large-cash", Name: "Large cash", Expression: `method == "cash" && operated_amount > 10000.0`, Enabled: true},
		{ID: "night", Name: "Night window", Description: "terminals closed at night", Expression: `terminal_id != "" && (hour < 6 || hour >= 22)`, Enabled: true},
		{ID: "vip-only-eur", Name: "EUR for VIP only", Expression: `currency == "EUR" && segment != "vip"`, Enabled: true},
	}
	if err := engine.Reload(rules); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	t.Run("Allowed", func(t *testing.T) {
		if err := engine.Check(ctx, input()); err != nil {
			t.Errorf("expected operation to pass, got %v", err)
		}
	})

	t.Run("AmountRule", func(t *testing.T) {
		in := input()
		in.OperatedAmount = decimal.RequireFromString("10000.01")
		err := engine.Check(ctx, in)
		var pe *domain.PolicyError
		if !errors.As(err, &pe) || pe.RuleID != "large-cash" {
			t.Fatalf("expected large-cash rejection, got %v", err)
		}
		if !errors.Is(err, domain.ErrPolicyRejected) {
			t.Error("expected error to wrap ErrPolicyRejected")
		}
	})

	t.Run("HourInBusinessZone", func(t *testing.T) {
		in := input()
		// 00:30 UTC is 21:30 in UTC-3
		in.At = time.Date(2025, 6, 11, 0, 30, 0, 0, time.UTC)
		if err := engine.Check(ctx, in); err != nil {
			t.Errorf("expected 21:30 local to pass, got %v", err)
		}
		in.At = time.Date(2025, 6, 11, 1, 30, 0, 0, time.UTC)
		if err := engine.Check(ctx, in); !errors.Is(err, domain.ErrPolicyRejected) {
			t.Errorf("expected 22:30 local to be rejected, got %v", err)
		}
	})

	t.Run("Segment", func(t *testing.T) {
		in := input()
		in.Currency = "EUR"
		if err := engine.Check(ctx, in); !errors.Is(err, domain.ErrPolicyRejected) {
			t.Errorf("expected retail EUR rejection, got %v", err)
		}
		in.Segment = domain.SegmentVIP
		if err := engine.Check(ctx, in); err != nil {
			t.Errorf("expected vip EUR to pass, got %v", err)
		}
	})

	t.Run("FirstRuleByName", func(t *testing.T) {
		in := input()
		in.Currency = "EUR"
		in.OperatedAmount = decimal.RequireFromString("20000")
		var pe *domain.PolicyError
		if err := engine.Check(ctx, in); !errors.As(err, &pe) || pe.RuleID != "vip-only-eur" {
			t.Errorf("expected EUR rule to be reported first, got %v", err)
		}
	})

	t.Run("Results", func(t *testing.T) {
		results := engine.Evaluate(ctx, input())
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		for _, r := range results {
			if r.Rejected {
				t.Errorf("rule %s unexpectedly rejected", r.RuleID)
			}
		}
	})
}

func TestReloadKeepsRulesOnError(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	_ = engine.Load(&domain.PolicyRule{ID: "keep", Name: "Keep", Expression: "false", Enabled: true})

	err := engine.Reload([]*domain.PolicyRule{
		{ID: "ok", Name: "Ok", Expression: "true", Enabled: true},
		{ID: "bad", Name: "Bad", Expression: "1 +", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	loaded := engine.Rules()
	if len(loaded) != 1 || loaded[0].ID != "keep" {
		t.Errorf("expected previous rules to stay loaded, got %+v", loaded)
	}
}

func TestReloadFrom(t *testing.T) {
	ctx := context.Background()
	repo := repotest.Open(t, nil)
	engine, _ := NewEngine(nil, 5)

	for i := 0; i < 3; i++ {
		rule := &domain.PolicyRule{
			ID:         fmt.Sprintf("rule-%d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: "local_amount > 1000000000.0",
			Enabled:    i != 2,
		}
		if err := repo.SavePolicyRule(ctx, rule); err != nil {
			t.Fatalf("SavePolicyRule failed: %v", err)
		}
	}

	n, err := engine.ReloadFrom(ctx, repo)
	if err != nil {
		t.Fatalf("ReloadFrom failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 enabled rules, got %d", n)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	engine, _ := NewEngine(nil, 4)
	for i := 0; i < 20; i++ {
		_ = engine.Load(&domain.PolicyRule{
			ID:         fmt.Sprintf("r-%02d", i),
			Name:       fmt.Sprintf("Rule %02d", i),
			Expression: fmt.Sprintf("operated_amount > %d.0", 100000+i),
			Enabled:    true,
		})
	}

	done := make(chan error, 10)
	for g := 0; g < 10; g++ {
		go func() {
			done <- engine.Check(context.Background(), input())
		}()
	}
	for g := 0; g < 10; g++ {
		if err := <-done; err != nil {
			t.Errorf("unexpected rejection: %v", err)
		}
	}
}
