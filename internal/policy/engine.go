// Package policy evaluates operator-defined CEL rules against new operations.
package policy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

var errRuleRequired = errors.New("policy rule is required")

// Engine holds the compiled, enabled policy rules.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledRule
	loc        *time.Location
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.PolicyRule
	Program cel.Program
}

// Input is the operation a rule sees.
type Input struct {
	Direction      domain.Direction
	Currency       string
	Segment        domain.Segment
	Method         domain.MethodKind
	ClientID       string
	TerminalID     string
	OperatedAmount decimal.Decimal
	LocalAmount    decimal.Decimal
	AppliedRate    decimal.Decimal
	At             time.Time
}

// NewEngine creates an engine. The hour variable is computed in loc.
func NewEngine(loc *time.Location, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if loc == nil {
		loc = time.UTC
	}

	env, err := cel.NewEnv(
		cel.Variable("direction", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("segment", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("client_id", cel.StringType),
		cel.Variable("terminal_id", cel.StringType),
		cel.Variable("operated_amount", cel.DoubleType),
		cel.Variable("local_amount", cel.DoubleType),
		cel.Variable("applied_rate", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledRule),
		loc:        loc,
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles a rule without loading it.
func (e *Engine) Validate(rule *domain.PolicyRule) error {
	if rule == nil {
		return errRuleRequired
	}
	_, err := e.compile(rule)
	return err
}

// Load compiles a rule and adds it to the engine, replacing one with the same
// id. Disabled rules are removed instead.
func (e *Engine) Load(rule *domain.PolicyRule) error {
	if rule == nil {
		return errRuleRequired
	}
	if !rule.Enabled {
		e.mu.Lock()
		delete(e.compiled, rule.ID)
		e.mu.Unlock()
		return nil
	}

	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[rule.ID] = compiled
	e.mu.Unlock()
	return nil
}

// Reload replaces every loaded rule. Nothing changes when one of them fails
// to compile.
func (e *Engine) Reload(rules []*domain.PolicyRule) error {
	next := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Rules returns the loaded rules ordered by name.
func (e *Engine) Rules() []*domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.PolicyRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.Rule)
	}
	slices.SortFunc(out, func(a, b *domain.PolicyRule) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Evaluate runs every loaded rule in parallel. Results follow Rules order.
func (e *Engine) Evaluate(ctx context.Context, in Input) []domain.PolicyResult {
	rules := e.Rules()
	if len(rules) == 0 {
		return nil
	}

	e.mu.RLock()
	programs := make([]*CompiledRule, len(rules))
	for i, r := range rules {
		programs[i] = e.compiled[r.ID]
	}
	e.mu.RUnlock()

	activation := e.activation(in)
	results := make([]domain.PolicyResult, len(programs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, c := range programs {
		if c == nil {
			// unloaded between Rules and the snapshot
			results[i] = domain.PolicyResult{RuleID: rules[i].ID, RuleName: rules[i].Name}
			continue
		}
		wg.Add(1)
		go func(idx int, c *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluate(ctx, c, activation)
		}(i, c)
	}
	wg.Wait()

	return results
}

// Check evaluates the rules and returns a *domain.PolicyError for the first
// rule, in Rules order, that rejects the operation.
func (e *Engine) Check(ctx context.Context, in Input) error {
	for _, r := range e.Evaluate(ctx, in) {
		if r.Rejected {
			slog.Info("operation rejected by policy",
				"rule_id", r.RuleID,
				"rule_name", r.RuleName,
				"client_id", in.ClientID,
				"currency", in.Currency,
			)
			return &domain.PolicyError{RuleID: r.RuleID, RuleName: r.RuleName}
		}
	}
	return nil
}

// Count returns the number of loaded rules.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

func (e *Engine) activation(in Input) map[string]any {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]any{
		"direction":       string(in.Direction),
		"currency":        in.Currency,
		"segment":         string(in.Segment),
		"method":          string(in.Method),
		"client_id":       in.ClientID,
		"terminal_id":     in.TerminalID,
		"operated_amount": in.OperatedAmount.InexactFloat64(),
		"local_amount":    in.LocalAmount.InexactFloat64(),
		"applied_rate":    in.AppliedRate.InexactFloat64(),
		"hour":            int64(at.In(e.loc).Hour()),
	}
}

// evaluate runs one rule. An evaluation error does not reject the operation;
// it is logged and reported in the result.
func evaluate(ctx context.Context, c *CompiledRule, activation map[string]any) domain.PolicyResult {
	start := time.Now()
	result := domain.PolicyResult{RuleID: c.Rule.ID, RuleName: c.Rule.Name}

	out, _, err := c.Program.ContextEval(ctx, activation)
	if err != nil {
		slog.Warn("policy rule evaluation failed", "rule_id", c.Rule.ID, "error", err)
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		result.Rejected = true
		result.Reason = c.Rule.Description
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

func (e *Engine) compile(rule *domain.PolicyRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: policy rule id is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s must return bool, got %s", domain.ErrInvalidInput, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &CompiledRule{Rule: rule, Program: program}, nil
}

// RuleLister is the part of the repository the engine reloads from.
type RuleLister interface {
	ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error)
}

// ReloadFrom replaces the loaded rules with the ones stored in src and
// returns how many are enabled.
func (e *Engine) ReloadFrom(ctx context.Context, src RuleLister) (int, error) {
	rules, err := src.ListPolicyRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list policy rules: %w", err)
	}
	if err := e.Reload(rules); err != nil {
		return 0, err
	}
	n := e.Count()
	slog.Info("policy rules loaded", "enabled", n, "stored", len(rules))
	return n, nil
}
