package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Plugin is the common contract for every backend adapter. Plugins are
// registered once at process start and owned exclusively by the Registry.
type Plugin interface {
	// Name returns the unique plugin name (e.g. "bolt", "puppetdb").
	Name() string

	// Capabilities returns the capability set of this plugin. A plugin may
	// carry both execution and information capabilities and then participates
	// in both resolution paths.
	Capabilities() []Capability

	// Priority returns the configured priority. Lower values are tried first;
	// ties are broken by registration order.
	Priority() int

	// HealthCheck probes the backend. It must report unavailability as an
	// error and is used for the periodic integration status refresh.
	HealthCheck(ctx context.Context) error

	// Close releases plugin resources at process shutdown.
	Close() error
}

// EventSink receives live stream events produced while a plugin runs an
// execution. Implementations must not block; the broadcaster applies its own
// backpressure policy downstream.
type EventSink func(event StreamEvent)

// ExecutionPlugin runs actions against target nodes.
type ExecutionPlugin interface {
	Plugin

	// Run executes the requested action against req.Targets and returns one
	// outcome per target. Transport failures (the tool/endpoint itself broke)
	// are reported via the error return; per-target failures and unreachable
	// targets are reported inside the outcomes. Cancellation propagates
	// through ctx.
	Run(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error)

	// RunsPerTarget reports the plugin's native batching shape. When true the
	// orchestrator invokes Run once per target; when false a single call
	// covers the whole target set.
	RunsPerTarget() bool
}

// InformationPlugin answers read-only queries about nodes. All operations are
// idempotent and safely retryable.
type InformationPlugin interface {
	Plugin

	// ListNodes returns every node this source knows about.
	ListNodes(ctx context.Context) ([]NodeRecord, error)

	// GetFacts returns the facts this source holds for one node. Unknown
	// nodes return a NOT_FOUND engine error; an unavailable backend returns
	// an UPSTREAM_UNAVAILABLE error.
	GetFacts(ctx context.Context, nodeID string) (map[string]interface{}, error)
}

// RunRequest describes one invocation of an execution plugin.
type RunRequest struct {
	// ExecutionID is the id of the owning execution, for log correlation.
	ExecutionID string `json:"execution_id"`

	// Type is the kind of action to perform.
	Type ExecutionType `json:"type"`

	// Action is the command line, task name, or workflow name.
	Action string `json:"action"`

	// Targets are the node identifiers the action applies to.
	Targets []string `json:"targets"`

	// Params are action parameters (task params, env vars).
	Params map[string]interface{} `json:"params,omitempty"`
}

// TargetOutcome is one plugin-native per-target result, normalized by the
// orchestrator into an ExecutionResult.
type TargetOutcome struct {
	// Target is the node the outcome belongs to.
	Target string `json:"target"`

	// Status is the per-target result status.
	Status ResultStatus `json:"status"`

	// ExitCode is the process exit code, when the action was a command.
	ExitCode int `json:"exit_code"`

	// Stdout holds captured standard output.
	Stdout string `json:"stdout,omitempty"`

	// Stderr holds captured standard error.
	Stderr string `json:"stderr,omitempty"`

	// Payload holds a structured result for task/facts actions.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Duration is how long the target took.
	Duration time.Duration `json:"duration"`

	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
}

// Execution is one asynchronous run of a command/task/workflow against a set
// of targets. It is mutated only by the Orchestrator and immutable once its
// status is terminal.
type Execution struct {
	// ID is the opaque execution token generated at submission.
	ID string `json:"id"`

	// Type is the kind of action performed.
	Type ExecutionType `json:"type"`

	// PluginName is the execution plugin chosen for this run.
	PluginName string `json:"plugin_name"`

	// Targets are the requested node identifiers, in request order.
	Targets []string `json:"targets"`

	// Action is the command line, task name, or workflow name.
	Action string `json:"action"`

	// Params are the requested action parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// Timeout overrides the default execution timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Status is the current lifecycle status.
	Status ExecutionStatus `json:"status"`

	// Results holds one entry per target once available, in target order.
	Results []ExecutionResult `json:"results,omitempty"`

	// Error is the execution-level error message, if any.
	Error string `json:"error,omitempty"`

	// Recovered marks executions resolved during startup recovery
	// (value "interrupted").
	Recovered string `json:"recovered,omitempty"`

	// SubmittedAt is when the execution was accepted.
	SubmittedAt time.Time `json:"submitted_at"`

	// StartedAt is when the execution left the queue.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the execution reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionResult is the normalized per-target outcome owned by its parent
// Execution. It is never mutated after the parent reaches a terminal state.
type ExecutionResult struct {
	// Target is the node this result belongs to.
	Target string `json:"target"`

	// Status is the per-target result status.
	Status ResultStatus `json:"status"`

	// ExitCode is the process exit code, when applicable.
	ExitCode int `json:"exit_code"`

	// Stdout holds captured standard output.
	Stdout string `json:"stdout,omitempty"`

	// Stderr holds captured standard error.
	Stderr string `json:"stderr,omitempty"`

	// Payload holds a structured result for task/facts actions.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Duration is how long the target took.
	Duration time.Duration `json:"duration"`

	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
}

// StreamEvent is one event on an execution's live output stream.
type StreamEvent struct {
	// Seq is the per-execution sequence number, assigned by the broadcaster.
	Seq uint64 `json:"seq"`

	// ExecutionID is the owning execution.
	ExecutionID string `json:"execution_id"`

	// Type is the event type.
	Type StreamEventType `json:"type"`

	// Target is the node the chunk belongs to, for stdout/stderr events.
	Target string `json:"target,omitempty"`

	// Data is the chunk or message payload.
	Data string `json:"data,omitempty"`

	// Status carries the new status for status/complete events.
	Status ExecutionStatus `json:"status,omitempty"`

	// Timestamp is when the event was generated.
	Timestamp time.Time `json:"timestamp"`
}

// NodeRecord is one source's view of a node.
type NodeRecord struct {
	// ID is the node identifier. Sources that agree on the same logical
	// target must report the same id.
	ID string `json:"id"`

	// Attributes are the source-specific attributes (facts, timestamps,
	// certificate status).
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Node is the aggregated view of one node across all information sources.
type Node struct {
	// ID is the node identifier.
	ID string `json:"id"`

	// Attributes is the merged attribute map. On conflicts the value from
	// the highest-priority source wins per field.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Sources lists the plugins that contributed to this node, highest
	// priority first.
	Sources []string `json:"sources"`

	// AttributeSources maps each attribute key to the plugin that supplied
	// the winning value, for traceability.
	AttributeSources map[string]string `json:"attribute_sources,omitempty"`
}

// NodesQueryResult is the merged answer to an aggregated node inventory query.
type NodesQueryResult struct {
	// Nodes is the merged node list.
	Nodes []Node `json:"nodes"`

	// Partial is set when at least one eligible source failed and its nodes
	// are absent from the merge.
	Partial bool `json:"partial"`

	// FailedSources names the sources that failed.
	FailedSources []string `json:"failed_sources,omitempty"`

	// Sources holds per-source query diagnostics.
	Sources []SourceDebug `json:"sources,omitempty"`
}

// FactsQueryResult is the merged answer to an aggregated facts query.
type FactsQueryResult struct {
	// NodeID is the queried node.
	NodeID string `json:"node_id"`

	// Facts is the merged facts map.
	Facts map[string]interface{} `json:"facts"`

	// FactSources maps each fact key to the plugin that supplied the
	// winning value.
	FactSources map[string]string `json:"fact_sources,omitempty"`

	// Partial is set when at least one eligible source failed.
	Partial bool `json:"partial"`

	// FailedSources names the sources that failed.
	FailedSources []string `json:"failed_sources,omitempty"`

	// Sources holds per-source query diagnostics.
	Sources []SourceDebug `json:"sources,omitempty"`
}

// SourceDebug carries per-source diagnostics attached to aggregation
// responses when debug mode is requested.
type SourceDebug struct {
	// Plugin is the source plugin name.
	Plugin string `json:"plugin"`

	// Duration is how long the source query took.
	Duration time.Duration `json:"duration"`

	// CacheHit is set when the answer came from the TTL cache.
	CacheHit bool `json:"cache_hit"`

	// Circuit is the source's circuit state at query time.
	Circuit CircuitState `json:"circuit"`

	// Error is the source failure, if any.
	Error string `json:"error,omitempty"`
}

// IntegrationStatus is the health snapshot for one registered plugin.
type IntegrationStatus struct {
	// Name is the plugin name.
	Name string `json:"name"`

	// Capabilities is the plugin's capability set.
	Capabilities []Capability `json:"capabilities"`

	// Priority is the configured priority.
	Priority int `json:"priority"`

	// Health is the last observed health state.
	Health HealthState `json:"health"`

	// Circuit is the current circuit breaker state.
	Circuit CircuitState `json:"circuit"`

	// ConsecutiveFailures is the breaker's current failure count.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastCheck is when the health state was last refreshed.
	LastCheck time.Time `json:"last_check"`
}

// AuditEntry records one submission or cancellation for the audit trail.
type AuditEntry struct {
	// ID is the entry identifier.
	ID string `json:"id"`

	// Action is the audited action (e.g. "execution.submit").
	Action string `json:"action"`

	// ExecutionID is the affected execution, if any.
	ExecutionID string `json:"execution_id,omitempty"`

	// User identifies who performed the action.
	User string `json:"user,omitempty"`

	// Details carries free-form context about the action.
	Details string `json:"details,omitempty"`

	// CreatedAt is when the action happened.
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	// Status filters by lifecycle status when non-empty.
	Status ExecutionStatus `json:"status,omitempty"`

	// Type filters by execution type when non-empty.
	Type ExecutionType `json:"type,omitempty"`

	// PluginName filters by plugin when non-empty.
	PluginName string `json:"plugin_name,omitempty"`

	// Limit caps the page size (default 50).
	Limit int `json:"limit,omitempty"`

	// Offset skips past results for pagination.
	Offset int `json:"offset,omitempty"`
}
