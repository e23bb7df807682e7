package transcript

import (
	"strings"

	"github.com/rfujimoto/macroplan/internal/model"
)

// Report is the full classifier output for one session transcript.
type Report struct {
	FailureReason model.FailureReason
	Detail        string

	CompactCount int
	PeakTokens   int
	LastAPIError string
	MessageCount int

	ContextPressure model.ContextPressure

	EndedAfterCompaction      bool
	ResponsesAfterLastCompact int
}

// Health returns the subset of the report that is persisted onto a
// NodeExecution.
func (r Report) Health() model.HealthSignals {
	return model.HealthSignals{
		FailureReason:   r.FailureReason,
		Detail:          r.Detail,
		CompactCount:    r.CompactCount,
		PeakTokens:      r.PeakTokens,
		ContextPressure: r.ContextPressure,
	}
}

// Analyze classifies a normalized event sequence in a single pass. It is a
// pure function: no I/O, and identical input always yields an identical
// report. A nil failure reason (FailureNone) means the transcript alone shows
// no failure; the caller combines that with exit-code and timeout signals.
func Analyze(events []Event) Report {
	var r Report

	responsesAfterCompact := 0
	sawCompaction := false

	for _, ev := range events {
		switch ev.Kind {
		case EventCompaction:
			r.CompactCount++
			sawCompaction = true
			responsesAfterCompact = 0

		case EventError:
			if ev.Text != "" {
				r.LastAPIError = ev.Text
			}

		case EventMessage:
			r.MessageCount++
			if ev.Role != "assistant" {
				continue
			}
			if t := ev.tokens(); t > r.PeakTokens {
				r.PeakTokens = t
			}
			if ev.isErrorStop() {
				if ev.Text != "" {
					r.LastAPIError = ev.Text
				} else {
					r.LastAPIError = ev.StopReason
				}
				continue
			}
			if sawCompaction {
				responsesAfterCompact++
			}
		}
	}

	r.ResponsesAfterLastCompact = responsesAfterCompact
	r.EndedAfterCompaction = sawCompaction && responsesAfterCompact <= 1

	r.ContextPressure = classifyPressure(r.CompactCount, r.PeakTokens, r.EndedAfterCompaction)
	r.FailureReason, r.Detail = classifyFailure(r.LastAPIError, r.CompactCount, r.EndedAfterCompaction)

	return r
}

// Pressure thresholds. A compaction means the session already overflowed its
// window once; repeated compaction with little progress in between is the
// strongest exhaustion signal short of an explicit API error.
const (
	peakTokensHigh     = 150_000
	peakTokensModerate = 120_000
)

func classifyPressure(compactCount, peakTokens int, endedAfterCompaction bool) model.ContextPressure {
	switch {
	case compactCount >= 3 || (compactCount >= 2 && endedAfterCompaction):
		return model.PressureCritical
	case compactCount >= 2 || (compactCount >= 1 && peakTokens > peakTokensHigh):
		return model.PressureHigh
	case compactCount >= 1 || peakTokens > peakTokensModerate:
		return model.PressureModerate
	default:
		return model.PressureNone
	}
}

func classifyFailure(lastAPIError string, compactCount int, endedAfterCompaction bool) (model.FailureReason, string) {
	if lastAPIError != "" {
		lower := strings.ToLower(lastAPIError)
		switch {
		case strings.Contains(lower, "context") || strings.Contains(lower, "token limit"):
			return model.FailureContextExhausted, lastAPIError
		case strings.Contains(lower, "output") && strings.Contains(lower, "token"):
			return model.FailureOutputTokenLimit, lastAPIError
		default:
			return model.FailureError, lastAPIError
		}
	}

	// Compaction storm: no explicit error, but the session kept compacting
	// and ended right after a compaction.
	if (endedAfterCompaction && compactCount >= 2) || compactCount >= 3 {
		return model.FailureContextExhausted, "repeated compaction without progress"
	}

	return model.FailureNone, ""
}
