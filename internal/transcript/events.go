// Package transcript derives health signals from an agent session transcript.
// Each runtime format has its own parser that normalizes records into Events;
// the classifier itself is format-agnostic and pure.
package transcript

// EventKind classifies a normalized transcript event.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventCompaction EventKind = "compaction"
	EventError      EventKind = "error"
)

// Event is one normalized transcript entry.
type Event struct {
	Kind EventKind
	Role string // "user" or "assistant"; empty for non-message events

	// Token usage as reported by the agent for this message. TotalTokens
	// wins when present; otherwise InputTokens+OutputTokens is used.
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	Text       string
	StopReason string // runtime-specific stop condition, empty when normal
}

// tokens returns the usage figure for peak tracking.
func (e Event) tokens() int {
	if e.TotalTokens > 0 {
		return e.TotalTokens
	}
	return e.InputTokens + e.OutputTokens
}

// isErrorStop reports whether an assistant message ended on an error stop
// condition rather than a normal turn end.
func (e Event) isErrorStop() bool {
	switch e.StopReason {
	case "", "end_turn", "stop_sequence", "tool_use":
		return false
	}
	return true
}
