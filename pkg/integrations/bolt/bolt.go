// Package bolt provides the Puppet Bolt execution plugin. Bolt runs
// commands, tasks, and plans against whole target sets in one invocation, so
// the plugin operates in batch mode and parses Bolt's JSON result format into
// per-target outcomes.
package bolt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

// Config holds Bolt invocation settings.
type Config struct {
	// BinaryPath is the bolt executable. Defaults to "bolt" on PATH.
	BinaryPath string

	// ProjectDir is the Bolt project directory (inventory, modules).
	ProjectDir string

	// InventoryFile overrides the project inventory when set.
	InventoryFile string

	// ExtraArgs are appended to every invocation (e.g. "--no-host-key-check").
	ExtraArgs []string
}

// Plugin implements engine.ExecutionPlugin by shelling out to Bolt.
type Plugin struct {
	name     string
	priority int
	cfg      Config
}

// New creates a Bolt plugin with the given registry name and priority.
func New(name string, priority int, cfg Config) (*Plugin, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "bolt"
	}
	return &Plugin{
		name:     name,
		priority: priority,
		cfg:      cfg,
	}, nil
}

// Name returns the registry name.
func (p *Plugin) Name() string { return p.name }

// Capabilities returns the execution capability.
func (p *Plugin) Capabilities() []engine.Capability {
	return []engine.Capability{engine.CapabilityExecution}
}

// Priority returns the configured priority.
func (p *Plugin) Priority() int { return p.priority }

// RunsPerTarget reports Bolt's batch shape: one invocation covers the whole
// target set.
func (p *Plugin) RunsPerTarget() bool { return false }

// HealthCheck verifies the bolt binary is present and runnable.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, "--version")
	if err := cmd.Run(); err != nil {
		return engine.NewUnavailableError("bolt binary check failed", err).WithPlugin(p.name)
	}
	return nil
}

// Close releases plugin resources.
func (p *Plugin) Close() error { return nil }

// Run invokes Bolt once for the whole target set, streaming human-readable
// progress from stderr and parsing the JSON result from stdout.
func (p *Plugin) Run(ctx context.Context, req *engine.RunRequest, emit engine.EventSink) ([]engine.TargetOutcome, error) {
	args, err := p.buildArgs(req)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("plugin", p.name).
		Strs("args", args).
		Msg("Invoking bolt")

	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, args...)
	if p.cfg.ProjectDir != "" {
		cmd.Dir = p.cfg.ProjectDir
	}

	var stdoutBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, engine.NewInternalError("failed to open bolt stderr", err).WithPlugin(p.name)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, engine.NewUnavailableError("failed to start bolt", err).WithPlugin(p.name)
	}

	// Bolt writes progress to stderr when stdout is JSON-formatted; stream
	// it line by line so subscribers see liveness during long runs.
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(engine.StreamEvent{
			Type:      engine.StreamEventStderr,
			Data:      scanner.Text(),
			Timestamp: time.Now(),
		})
	}

	runErr := cmd.Wait()
	duration := time.Since(start)

	outcomes, parseErr := p.parseResults(stdoutBuf.Bytes(), req.Targets, duration, emit)
	if parseErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runErr != nil {
			return nil, engine.NewUnavailableError("bolt invocation failed", runErr).WithPlugin(p.name)
		}
		return nil, parseErr
	}

	// Bolt exits non-zero when any target failed; the parsed outcomes
	// already carry that, so a decodable result wins over the exit code.
	return outcomes, nil
}

// buildArgs maps the request onto a Bolt command line.
func (p *Plugin) buildArgs(req *engine.RunRequest) ([]string, error) {
	var args []string

	switch req.Type {
	case engine.ExecutionTypeCommand:
		args = []string{"command", "run", req.Action}
	case engine.ExecutionTypeTask:
		args = []string{"task", "run", req.Action}
		args = append(args, paramArgs(req.Params)...)
	case engine.ExecutionTypeWorkflow:
		args = []string{"plan", "run", req.Action}
		args = append(args, paramArgs(req.Params)...)
	case engine.ExecutionTypeFacts:
		args = []string{"task", "run", "facts"}
	case engine.ExecutionTypeInstall:
		args = []string{"task", "run", "puppet_agent::install"}
		args = append(args, paramArgs(req.Params)...)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("bolt does not support execution type %q", req.Type), nil)
	}

	args = append(args, "--targets", strings.Join(req.Targets, ","))
	args = append(args, "--format", "json")
	if p.cfg.InventoryFile != "" {
		args = append(args, "--inventoryfile", p.cfg.InventoryFile)
	}
	args = append(args, p.cfg.ExtraArgs...)
	return args, nil
}

// paramArgs renders task/plan parameters as key=value arguments in sorted
// order so invocations are reproducible.
func paramArgs(params map[string]interface{}) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return args
}

// boltResult is Bolt's JSON result format.
type boltResult struct {
	Items []boltItem `json:"items"`
}

type boltItem struct {
	Target string          `json:"target"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value"`
}

// boltValue is the per-target value payload for command-style results.
type boltValue struct {
	Stdout   string     `json:"stdout"`
	Stderr   string     `json:"stderr"`
	ExitCode int        `json:"exit_code"`
	Error    *boltError `json:"_error"`
}

type boltError struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

// parseResults decodes Bolt's JSON output into per-target outcomes, emitting
// each target's captured output as stream events.
func (p *Plugin) parseResults(raw []byte, targets []string, duration time.Duration, emit engine.EventSink) ([]engine.TargetOutcome, error) {
	var result boltResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, engine.NewInternalError("failed to decode bolt output", err).WithPlugin(p.name)
	}
	if len(result.Items) == 0 && len(targets) > 0 {
		return nil, engine.NewInternalError("bolt output contained no results", nil).WithPlugin(p.name)
	}

	perTarget := duration
	if len(result.Items) > 0 {
		perTarget = duration / time.Duration(len(result.Items))
	}

	outcomes := make([]engine.TargetOutcome, 0, len(result.Items))
	for _, item := range result.Items {
		var value boltValue
		_ = json.Unmarshal(item.Value, &value)

		outcome := engine.TargetOutcome{
			Target:   item.Target,
			ExitCode: value.ExitCode,
			Stdout:   value.Stdout,
			Stderr:   value.Stderr,
			Payload:  item.Value,
			Duration: perTarget,
		}

		switch {
		case item.Status == "success":
			outcome.Status = engine.ResultStatusSuccess
		case value.Error != nil && strings.Contains(value.Error.Kind, "connect-error"):
			outcome.Status = engine.ResultStatusUnreachable
			outcome.Error = value.Error.Msg
		default:
			outcome.Status = engine.ResultStatusFailed
			if value.Error != nil {
				outcome.Error = value.Error.Msg
			} else if value.Stderr != "" {
				outcome.Error = value.Stderr
			} else {
				outcome.Error = fmt.Sprintf("target %s failed", item.Target)
			}
		}

		if value.Stdout != "" {
			emit(engine.StreamEvent{
				Type:      engine.StreamEventStdout,
				Target:    item.Target,
				Data:      value.Stdout,
				Timestamp: time.Now(),
			})
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}
