package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		dangerousCommandsPolicy(),
		installConfirmationPolicy(),
		broadTargetPolicy(),
	}
}

// dangerousCommandsPolicy blocks obviously destructive ad-hoc commands.
func dangerousCommandsPolicy() Policy {
	return Policy{
		Name:        "dangerous-commands",
		Description: "Blocks ad-hoc commands matching known destructive patterns",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		Rego: `package opsdeck.policies.commands

import rego.v1

dangerous_patterns := [
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	":(){ :|:& };:",
]

deny contains msg if {
	input.execution.type == "command"
	some pattern in dangerous_patterns
	contains(input.execution.action, pattern)
	msg := sprintf("command matches destructive pattern %q", [pattern])
}
`,
	}
}

// installConfirmationPolicy requires explicit confirmation for agent installs.
func installConfirmationPolicy() Policy {
	return Policy{
		Name:        "install-confirmation",
		Description: "Agent installs must carry an explicit confirm parameter",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		Rego: `package opsdeck.policies.install

import rego.v1

deny contains msg if {
	input.execution.type == "install"
	not input.execution.params.confirm
	msg := "install executions require params.confirm = true"
}
`,
	}
}

// broadTargetPolicy warns on executions touching a large share of the fleet.
func broadTargetPolicy() Policy {
	return Policy{
		Name:        "broad-target",
		Description: "Warns when a single execution targets more than 50 nodes",
		Severity:    SeverityWarning,
		Enabled:     true,
		CreatedAt:   time.Now(),
		Rego: `package opsdeck.policies.targets

import rego.v1

deny contains msg if {
	count(input.execution.targets) > 50
	msg := sprintf("execution targets %d nodes; consider batching", [count(input.execution.targets)])
}
`,
	}
}
