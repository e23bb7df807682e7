package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// linearRecord is one line of a flat JSONL session file (openclaw, pimono).
// Unlike the tree-structured format there are no parent pointers; file order
// is chronological order.
type linearRecord struct {
	Kind         string `json:"kind"` // message, compaction, error
	Role         string `json:"role,omitempty"`
	Text         string `json:"text,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
}

// ParseLinearSession reads a flat JSONL session file into the normalized
// event sequence.
func ParseLinearSession(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec linearRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if scanner.Scan() {
				return nil, fmt.Errorf("parse session line %d: %w", lineNo, err)
			}
			break // torn final line from a crashed writer
		}

		switch rec.Kind {
		case "compaction":
			events = append(events, Event{Kind: EventCompaction})
		case "error":
			events = append(events, Event{Kind: EventError, Text: rec.Text})
		case "message":
			events = append(events, Event{
				Kind:         EventMessage,
				Role:         rec.Role,
				Text:         rec.Text,
				StopReason:   rec.StopReason,
				InputTokens:  rec.InputTokens,
				OutputTokens: rec.OutputTokens,
				TotalTokens:  rec.TotalTokens,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return events, nil
}
