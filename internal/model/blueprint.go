// Package model defines the data structures for macroplan's blueprints,
// nodes, executions, queues, and configuration.
package model

// Blueprint is a user-defined multi-step task represented as a DAG of
// MacroNodes.
type Blueprint struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	WorkDir     string          `yaml:"work_dir,omitempty"`
	Agent       string          `yaml:"agent,omitempty"` // runtime name; empty means default
	Status      BlueprintStatus `yaml:"status"`
	CreatedAt   string          `yaml:"created_at"`
	UpdatedAt   string          `yaml:"updated_at"`
}

// BlockCause records who put a node into the blocked state. Dependency
// blocks are re-evaluated every scheduler pass and lift automatically when
// the failed dependency recovers; agent blocks persist until a human
// intervenes.
type BlockCause string

const (
	BlockCauseDependency BlockCause = "dependency"
	BlockCauseAgent      BlockCause = "agent"
)

// MacroNode is one DAG vertex: one unit of agent work.
type MacroNode struct {
	ID               string     `yaml:"id"`
	BlueprintID      string     `yaml:"blueprint_id"`
	Order            int        `yaml:"order"`
	Title            string     `yaml:"title"`
	Description      string     `yaml:"description"`
	Status           NodeStatus `yaml:"status"`
	BlockedBy        BlockCause `yaml:"blocked_by,omitempty"`
	Dependencies     []string   `yaml:"dependencies,omitempty"`
	PromptOverride   string     `yaml:"prompt_override,omitempty"`
	EstimatedMinutes int        `yaml:"estimated_minutes,omitempty"`
	ActualMinutes    float64    `yaml:"actual_minutes,omitempty"`
	LastError        *string    `yaml:"last_error"`
	CreatedAt        string     `yaml:"created_at"`
	UpdatedAt        string     `yaml:"updated_at"`
}

// ArtifactKind classifies a handoff payload.
type ArtifactKind string

const (
	ArtifactHandoffSummary ArtifactKind = "handoff_summary"
	ArtifactFileDiff       ArtifactKind = "file_diff"
	ArtifactTestReport     ArtifactKind = "test_report"
	ArtifactCustom         ArtifactKind = "custom"
)

// Artifact is an immutable handoff payload produced by a node, optionally
// addressed to a specific downstream node.
type Artifact struct {
	ID           string       `yaml:"id"`
	BlueprintID  string       `yaml:"blueprint_id"`
	NodeID       string       `yaml:"node_id"`
	TargetNodeID string       `yaml:"target_node_id,omitempty"`
	Kind         ArtifactKind `yaml:"kind"`
	Content      string       `yaml:"content"`
	CreatedAt    string       `yaml:"created_at"`
}

// FailureReason is the failure taxonomy shared by the transcript analyzer,
// the executor, and crash recovery.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailureTimeout          FailureReason = "timeout"
	FailureHung             FailureReason = "hung"
	FailureContextExhausted FailureReason = "context_exhausted"
	FailureOutputTokenLimit FailureReason = "output_token_limit"
	FailureError            FailureReason = "error"
	// FailureInterrupted is produced only by crash recovery for executions
	// orphaned by a daemon restart.
	FailureInterrupted FailureReason = "interrupted"
)

// ContextPressure is an ordinal severity of how close a session came to
// exhausting its working context.
type ContextPressure string

const (
	PressureNone     ContextPressure = "none"
	PressureModerate ContextPressure = "moderate"
	PressureHigh     ContextPressure = "high"
	PressureCritical ContextPressure = "critical"
)

var pressureRank = map[ContextPressure]int{
	PressureNone:     0,
	PressureModerate: 1,
	PressureHigh:     2,
	PressureCritical: 3,
}

// PressureRank returns the ordinal rank of p (none=0 … critical=3).
func PressureRank(p ContextPressure) int {
	return pressureRank[p]
}

// HealthSignals is the bundle copied from transcript analysis onto a
// NodeExecution at completion time.
type HealthSignals struct {
	FailureReason   FailureReason   `yaml:"failure_reason,omitempty"`
	Detail          string          `yaml:"detail,omitempty"`
	CompactCount    int             `yaml:"compact_count"`
	PeakTokens      int             `yaml:"peak_tokens"`
	ContextPressure ContextPressure `yaml:"context_pressure"`
	ReportedStatus  string          `yaml:"reported_status,omitempty"`
	ReportedReason  string          `yaml:"reported_reason,omitempty"`
}

// NodeExecution is one concrete attempt to run a MacroNode via an external
// agent process.
type NodeExecution struct {
	ID            string          `yaml:"id"`
	NodeID        string          `yaml:"node_id"`
	BlueprintID   string          `yaml:"blueprint_id"`
	SessionID     string          `yaml:"session_id,omitempty"`
	Type          ExecutionType   `yaml:"type"`
	Status        ExecutionStatus `yaml:"status"`
	PID           int             `yaml:"pid,omitempty"`
	StartedAt     string          `yaml:"started_at"`
	CompletedAt   *string         `yaml:"completed_at"`
	OutputSummary string          `yaml:"output_summary,omitempty"`
	Health        HealthSignals   `yaml:"health"`
}

// BlueprintFile is the persisted YAML document for one blueprint. Keeping the
// nodes and executions in the same document means a node status change and
// its execution row are always one atomic write.
type BlueprintFile struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Blueprint     Blueprint       `yaml:"blueprint"`
	Nodes         []MacroNode     `yaml:"nodes"`
	Artifacts     []Artifact      `yaml:"artifacts"`
	Executions    []NodeExecution `yaml:"executions"`
}

const (
	CurrentSchemaVersion = 1
	FileTypeBlueprint    = "blueprint"
)

// NodeByID returns a pointer into f.Nodes, or nil.
func (f *BlueprintFile) NodeByID(nodeID string) *MacroNode {
	for i := range f.Nodes {
		if f.Nodes[i].ID == nodeID {
			return &f.Nodes[i]
		}
	}
	return nil
}

// ExecutionByID returns a pointer into f.Executions, or nil.
func (f *BlueprintFile) ExecutionByID(execID string) *NodeExecution {
	for i := range f.Executions {
		if f.Executions[i].ID == execID {
			return &f.Executions[i]
		}
	}
	return nil
}

// LatestExecutionForNode returns the most recently started execution for the
// node, or nil. Executions are appended in start order, so the last match
// wins.
func (f *BlueprintFile) LatestExecutionForNode(nodeID string) *NodeExecution {
	var latest *NodeExecution
	for i := range f.Executions {
		if f.Executions[i].NodeID == nodeID {
			latest = &f.Executions[i]
		}
	}
	return latest
}
