package transcript

import (
	"regexp"
	"strings"
)

// CompletionMarker is the agent's explicit self-report, parsed from its final
// output. When present it takes precedence over heuristic classification.
type CompletionMarker struct {
	Status string // done, failed, blocked
	Reason string
}

var markerRe = regexp.MustCompile(`(?m)^\s*MACROPLAN_STATUS:\s*(done|failed|blocked)\b[ \t]*(.*)$`)

// ParseCompletionMarker scans agent output for a status marker line of the
// form "MACROPLAN_STATUS: done|failed|blocked [reason]". The last marker in
// the output wins, so an agent that revises its report is honored.
func ParseCompletionMarker(output string) (CompletionMarker, bool) {
	matches := markerRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return CompletionMarker{}, false
	}
	m := matches[len(matches)-1]
	return CompletionMarker{
		Status: m[1],
		Reason: strings.TrimSpace(m[2]),
	}, true
}
