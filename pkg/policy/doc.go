// Package policy provides Rego-based admission control for execution
// submissions.
//
// Policies are written in Rego and evaluated with the Open Policy Agent
// engine. Each policy declares a deny rule; messages the rule yields become
// violations. Error-severity violations reject the submission with a
// POLICY_DENIED error before it enters the execution queue, warnings are
// recorded without blocking.
//
// Built-in policies cover destructive ad-hoc commands, unconfirmed agent
// installs, and overly broad target sets. Additional policies are loaded
// from .rego files via the configured policy paths.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	orchestrator := engine.NewOrchestrator(cfg, registry, store, broadcaster, eng, metrics)
package policy
