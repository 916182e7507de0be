package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

// Engine evaluates Rego policies against execution submissions. It implements
// the orchestrator's Admitter contract: a denied submission is rejected with a
// POLICY_DENIED error before it is queued.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		policy := p
		if err := e.addPolicy(&policy); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// LoadPolicies loads policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.addPolicy(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// addPolicy compiles the policy once to validate it, then stores it.
func (e *Engine) addPolicy(p *Policy) error {
	_, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(denyQuery(p.Rego)),
	).PrepareForEval(context.Background())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	e.policies[p.Name] = p
	return nil
}

// Admit evaluates all enabled policies against the submission. Error-severity
// violations deny the submission with a POLICY_DENIED error carrying the
// violation messages.
func (e *Engine) Admit(ctx context.Context, ex *engine.Execution) error {
	result, err := e.Evaluate(ctx, ex)
	if err != nil {
		return engine.NewInternalError("policy evaluation failed", err)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}

	return (&engine.EngineError{
		Class:   engine.ErrorClassPermanent,
		Code:    engine.ErrCodePolicyDenied,
		Message: "submission denied by policy",
	}).WithDetail("violations", messages)
}

// Evaluate runs every enabled policy against the submission and collects
// violations. A policy that fails to evaluate becomes a warning, not a
// denial.
func (e *Engine) Evaluate(ctx context.Context, ex *engine.Execution) (*Result, error) {
	e.mu.RLock()
	policies := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Enabled {
			policies = append(policies, p)
		}
	}
	e.mu.RUnlock()

	input := &Input{
		Execution: ex,
		Context: &InputContext{
			Timestamp: time.Now(),
			Operation: "submit",
		},
	}

	var violations []Violation
	var warnings []string

	for _, p := range policies {
		msgs, err := e.evaluatePolicy(ctx, p, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Str("execution_id", ex.ID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", p.Name, err))
			continue
		}

		for _, msg := range msgs {
			violations = append(violations, Violation{
				Policy:     p.Name,
				Message:    msg,
				Severity:   p.Severity,
				DetectedAt: time.Now(),
			})
		}
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity == SeverityError {
			allowed = false
			break
		}
	}

	return &Result{
		Allowed:     allowed,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// evaluatePolicy queries one policy's deny rule and returns the violation
// messages.
func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *Input) ([]string, error) {
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(denyQuery(p.Rego)),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var messages []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				if msg, ok := d.(string); ok {
					messages = append(messages, msg)
				} else {
					messages = append(messages, fmt.Sprintf("%v", d))
				}
			}
		}
	}
	return messages, nil
}

// denyQuery builds the data query for a policy's deny rule from its package
// declaration.
func denyQuery(regoSrc string) string {
	return fmt.Sprintf("data.%s.deny", extractPackageName(regoSrc))
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "opsdeck.policies"
}
