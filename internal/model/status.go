package model

import "fmt"

type BlueprintStatus string

const (
	BlueprintStatusDraft    BlueprintStatus = "draft"
	BlueprintStatusApproved BlueprintStatus = "approved"
	BlueprintStatusRunning  BlueprintStatus = "running"
	BlueprintStatusPaused   BlueprintStatus = "paused"
	BlueprintStatusDone     BlueprintStatus = "done"
	BlueprintStatusFailed   BlueprintStatus = "failed"
)

type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusQueued  NodeStatus = "queued"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusDone    NodeStatus = "done"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusBlocked NodeStatus = "blocked"
	NodeStatusSkipped NodeStatus = "skipped"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusDone      ExecutionStatus = "done"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

type ExecutionType string

const (
	ExecutionTypePrimary      ExecutionType = "primary"
	ExecutionTypeRetry        ExecutionType = "retry"
	ExecutionTypeContinuation ExecutionType = "continuation"
	ExecutionTypeSubtask      ExecutionType = "subtask"
)

// NodeSatisfiesDependency reports whether a dependency in this status counts
// as satisfied for downstream admission.
func NodeSatisfiesDependency(s NodeStatus) bool {
	return s == NodeStatusDone || s == NodeStatusSkipped
}

var terminalNodeStatuses = map[NodeStatus]bool{
	NodeStatusDone:    true,
	NodeStatusSkipped: true,
}

var terminalBlueprintStatuses = map[BlueprintStatus]bool{
	BlueprintStatusDone: true,
}

var terminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionStatusDone:      true,
	ExecutionStatusFailed:    true,
	ExecutionStatusCancelled: true,
}

// Node transitions. failed and blocked are re-enterable: a failed node may be
// explicitly re-run, a blocked node reverts to pending once its failed
// dependency succeeds on retry. Crash recovery resets running back to pending.
var validNodeTransitions = map[NodeStatus]map[NodeStatus]bool{
	NodeStatusPending: {
		NodeStatusQueued:  true,
		NodeStatusRunning: true,
		NodeStatusBlocked: true,
		NodeStatusSkipped: true,
	},
	NodeStatusQueued: {
		NodeStatusRunning: true,
		NodeStatusPending: true, // requeue on release
		NodeStatusBlocked: true,
	},
	NodeStatusRunning: {
		NodeStatusDone:    true,
		NodeStatusFailed:  true,
		NodeStatusBlocked: true, // agent explicitly reported blocked
		NodeStatusPending: true, // crash recovery reset
	},
	NodeStatusFailed: {
		NodeStatusQueued:  true,
		NodeStatusRunning: true,
		NodeStatusPending: true,
		NodeStatusSkipped: true,
	},
	NodeStatusBlocked: {
		NodeStatusPending: true,
		NodeStatusRunning: true, // explicit re-run after the blocker is resolved
		NodeStatusSkipped: true,
	},
}

var validBlueprintTransitions = map[BlueprintStatus]map[BlueprintStatus]bool{
	BlueprintStatusDraft: {
		BlueprintStatusApproved: true,
	},
	BlueprintStatusApproved: {
		BlueprintStatusRunning: true,
	},
	BlueprintStatusRunning: {
		BlueprintStatusPaused: true,
		BlueprintStatusDone:   true,
		BlueprintStatusFailed: true,
	},
	BlueprintStatusPaused: {
		BlueprintStatusRunning: true,
	},
	// A failed blueprint may be re-run after the operator retries nodes.
	BlueprintStatusFailed: {
		BlueprintStatusRunning: true,
	},
}

var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionStatusRunning: {
		ExecutionStatusDone:      true,
		ExecutionStatusFailed:    true,
		ExecutionStatusCancelled: true,
	},
}

func IsNodeTerminal(s NodeStatus) bool {
	return terminalNodeStatuses[s]
}

func IsBlueprintTerminal(s BlueprintStatus) bool {
	return terminalBlueprintStatuses[s]
}

func IsExecutionTerminal(s ExecutionStatus) bool {
	return terminalExecutionStatuses[s]
}

func ValidateNodeTransition(from, to NodeStatus) error {
	if IsNodeTerminal(from) {
		return fmt.Errorf("cannot transition from terminal node status %q", from)
	}
	allowed, ok := validNodeTransitions[from]
	if !ok {
		return fmt.Errorf("unknown node status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid node transition: %q → %q", from, to)
	}
	return nil
}

func ValidateBlueprintTransition(from, to BlueprintStatus) error {
	if IsBlueprintTerminal(from) {
		return fmt.Errorf("cannot transition from terminal blueprint status %q", from)
	}
	allowed, ok := validBlueprintTransitions[from]
	if !ok {
		return fmt.Errorf("unknown blueprint status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid blueprint transition: %q → %q", from, to)
	}
	return nil
}

func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if IsExecutionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal execution status %q", from)
	}
	allowed, ok := validExecutionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown execution status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid execution transition: %q → %q", from, to)
	}
	return nil
}
