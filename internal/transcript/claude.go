package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrTranscriptCycle means the session file's parent pointers form a cycle.
// A well-formed session is a tree; a cycle indicates file corruption and the
// transcript must not be trusted for classification.
var ErrTranscriptCycle = errors.New("transcript parent chain contains a cycle")

// sessionRecord is one line of a Claude session JSONL file. Records form a
// tree via parent pointers; branches appear when a conversation is rewound.
type sessionRecord struct {
	UUID       string `json:"uuid"`
	ParentUUID string `json:"parentUuid"`
	Type       string `json:"type"` // user, assistant, system, summary
	Subtype    string `json:"subtype,omitempty"`

	IsCompactSummary  bool `json:"isCompactSummary,omitempty"`
	IsAPIErrorMessage bool `json:"isApiErrorMessage,omitempty"`

	Message *recordMessage `json:"message,omitempty"`
	Content string         `json:"content,omitempty"` // system records
}

type recordMessage struct {
	Role       string          `json:"role"`
	StopReason string          `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Usage      *recordUsage    `json:"usage,omitempty"`
}

type recordUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ParseClaudeSession reads a Claude session JSONL file and returns the
// normalized event sequence of its active branch.
//
// The file is a message tree, not a list: rewinds leave abandoned siblings
// behind. The active branch is reconstructed by walking parent pointers up
// from the last record in the file (the last leaf) and reversing. When
// siblings exist near the tail this heuristic may not pick the true active
// branch; in practice the agent appends the live branch last.
func ParseClaudeSession(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	byUUID := make(map[string]*sessionRecord)
	var last *sessionRecord

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec sessionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Tolerate a torn final line from a crashed writer; anything
			// else is corruption worth reporting.
			if scanner.Scan() {
				return nil, fmt.Errorf("parse session line %d: %w", lineNo, err)
			}
			break
		}
		if rec.UUID == "" {
			continue // summary and index records carry no uuid
		}
		r := rec
		byUUID[rec.UUID] = &r
		last = &r
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if last == nil {
		return nil, nil
	}

	branch, err := activeBranch(byUUID, last)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(branch))
	for _, rec := range branch {
		if ev, ok := normalizeRecord(rec); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// activeBranch walks parent pointers from the leaf to the root and returns
// the chain in chronological order. A revisited uuid is an error, never
// silently skipped.
func activeBranch(byUUID map[string]*sessionRecord, leaf *sessionRecord) ([]*sessionRecord, error) {
	visited := make(map[string]bool, len(byUUID))
	var chain []*sessionRecord

	for rec := leaf; rec != nil; {
		if visited[rec.UUID] {
			return nil, fmt.Errorf("%w: at record %s", ErrTranscriptCycle, rec.UUID)
		}
		visited[rec.UUID] = true
		chain = append(chain, rec)

		if rec.ParentUUID == "" {
			break
		}
		rec = byUUID[rec.ParentUUID] // nil parent ref ends the walk
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func normalizeRecord(rec *sessionRecord) (Event, bool) {
	// Compaction shows up as a system compact boundary or as the synthetic
	// summary message that restarts the conversation.
	if (rec.Type == "system" && rec.Subtype == "compact_boundary") || rec.IsCompactSummary {
		return Event{Kind: EventCompaction}, true
	}

	switch rec.Type {
	case "assistant", "user":
		if rec.Message == nil {
			return Event{}, false
		}
		ev := Event{
			Kind:       EventMessage,
			Role:       rec.Message.Role,
			StopReason: rec.Message.StopReason,
			Text:       messageText(rec.Message),
		}
		if u := rec.Message.Usage; u != nil {
			ev.InputTokens = u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
			ev.OutputTokens = u.OutputTokens
		}
		if rec.IsAPIErrorMessage {
			ev.Kind = EventError
		}
		return ev, true

	case "system":
		if rec.Subtype == "api_error" {
			return Event{Kind: EventError, Text: rec.Content}, true
		}
	}
	return Event{}, false
}

// messageText extracts the text of a message whose content is either a plain
// string or a list of typed content blocks.
func messageText(msg *recordMessage) string {
	if len(msg.Content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return asString
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return ""
	}
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
