package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	// ExecutionStatusQueued indicates the execution is admitted but waiting
	// for a concurrency slot.
	ExecutionStatusQueued ExecutionStatus = "queued"

	// ExecutionStatusRunning indicates the execution is currently running
	// against its plugin.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusSuccess indicates every target completed successfully.
	ExecutionStatusSuccess ExecutionStatus = "success"

	// ExecutionStatusFailed indicates the execution failed with errors.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusPartial indicates some targets succeeded and some failed.
	ExecutionStatusPartial ExecutionStatus = "partial"

	// ExecutionStatusCancelled indicates the execution was cancelled by the caller.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"

	// ExecutionStatusTimeout indicates the execution exceeded its deadline
	// before producing any per-target results.
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

// IsTerminal returns true if the status represents a final state.
// Terminal executions are immutable.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusPartial,
		ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// IsActive returns true if the execution is queued or running.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusQueued || s == ExecutionStatusRunning
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusQueued, ExecutionStatusRunning, ExecutionStatusSuccess,
		ExecutionStatusFailed, ExecutionStatusPartial, ExecutionStatusCancelled,
		ExecutionStatusTimeout:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// ExecutionType represents the kind of action an execution performs.
type ExecutionType string

const (
	// ExecutionTypeCommand runs an ad-hoc shell command on the targets.
	ExecutionTypeCommand ExecutionType = "command"

	// ExecutionTypeTask runs a named task with parameters.
	ExecutionTypeTask ExecutionType = "task"

	// ExecutionTypeWorkflow runs a multi-step plan/workflow.
	ExecutionTypeWorkflow ExecutionType = "workflow"

	// ExecutionTypeFacts gathers facts from the targets.
	ExecutionTypeFacts ExecutionType = "facts"

	// ExecutionTypeInstall installs the agent/tooling on the targets.
	ExecutionTypeInstall ExecutionType = "install"
)

// Validate checks if the execution type is valid.
func (t ExecutionType) Validate() error {
	switch t {
	case ExecutionTypeCommand, ExecutionTypeTask, ExecutionTypeWorkflow,
		ExecutionTypeFacts, ExecutionTypeInstall:
		return nil
	default:
		return fmt.Errorf("invalid execution type: %s", t)
	}
}

// ResultStatus represents the per-target outcome of an execution.
type ResultStatus string

const (
	// ResultStatusSuccess indicates the target completed the action successfully.
	ResultStatusSuccess ResultStatus = "success"

	// ResultStatusFailed indicates the action ran on the target and failed.
	ResultStatusFailed ResultStatus = "failed"

	// ResultStatusUnreachable indicates the target could not be contacted.
	ResultStatusUnreachable ResultStatus = "unreachable"
)

// Validate checks if the result status is valid.
func (s ResultStatus) Validate() error {
	switch s {
	case ResultStatusSuccess, ResultStatusFailed, ResultStatusUnreachable:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// StreamEventType represents the type of event on an execution's live stream.
type StreamEventType string

const (
	// StreamEventStart opens the stream; emitted when the execution starts running.
	StreamEventStart StreamEventType = "start"

	// StreamEventCommand announces the command/task being invoked.
	StreamEventCommand StreamEventType = "command"

	// StreamEventStdout carries a chunk of standard output.
	StreamEventStdout StreamEventType = "stdout"

	// StreamEventStderr carries a chunk of standard error.
	StreamEventStderr StreamEventType = "stderr"

	// StreamEventStatus reports an execution status transition.
	StreamEventStatus StreamEventType = "status"

	// StreamEventComplete terminates the stream after a terminal status.
	StreamEventComplete StreamEventType = "complete"

	// StreamEventError terminates the stream after an internal failure.
	StreamEventError StreamEventType = "error"
)

// IsTerminal returns true if the event closes the stream.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventComplete || t == StreamEventError
}

// CircuitState represents the state of a plugin's circuit breaker.
type CircuitState string

const (
	// CircuitClosed is the initial state: calls pass through.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen fails calls fast without invoking the plugin.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen allows exactly one trial call through.
	CircuitHalfOpen CircuitState = "half-open"
)

// Capability represents a kind of work a plugin can perform.
type Capability string

const (
	// CapabilityExecution marks a plugin that can run commands/tasks on targets.
	CapabilityExecution Capability = "execution"

	// CapabilityInformation marks a plugin that can answer read-only queries
	// (inventory, facts).
	CapabilityInformation Capability = "information"
)

// Validate checks if the capability is valid.
func (c Capability) Validate() error {
	switch c {
	case CapabilityExecution, CapabilityInformation:
		return nil
	default:
		return fmt.Errorf("invalid capability: %s", c)
	}
}

// HealthState represents the reported health of a plugin.
type HealthState string

const (
	// HealthUnknown indicates no health check has completed yet.
	HealthUnknown HealthState = "unknown"

	// HealthHealthy indicates the last health check succeeded.
	HealthHealthy HealthState = "healthy"

	// HealthDegraded indicates the plugin is reachable but its circuit has
	// recently tripped or recovered.
	HealthDegraded HealthState = "degraded"

	// HealthUnhealthy indicates the last health check failed or the circuit is open.
	HealthUnhealthy HealthState = "unhealthy"
)
