package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rfujimoto/macroplan/internal/model"
)

func TestParseLinearSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := `{"kind":"message","role":"user","text":"go"}
{"kind":"message","role":"assistant","text":"working","total_tokens":130000}
{"kind":"compaction"}
{"kind":"error","text":"connection reset"}
{"kind":"message","role":"assistant","text":"retrying","input_tokens":40000,"output_tokens":2000}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	events, err := ParseLinearSession(path)
	if err != nil {
		t.Fatalf("ParseLinearSession: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if events[2].Kind != EventCompaction || events[3].Kind != EventError {
		t.Errorf("kinds = %s, %s", events[2].Kind, events[3].Kind)
	}
	if events[4].tokens() != 42_000 {
		t.Errorf("tokens = %d", events[4].tokens())
	}

	// The same classifier consumes both formats.
	r := Analyze(events)
	if r.CompactCount != 1 || r.PeakTokens != 130_000 {
		t.Errorf("compact=%d peak=%d", r.CompactCount, r.PeakTokens)
	}
	if r.FailureReason != model.FailureError {
		t.Errorf("failure = %s", r.FailureReason)
	}
}
