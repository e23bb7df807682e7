package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLogger_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")

	l, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	err = l.Record(EventNodeCompleted, map[string]any{
		"blueprint_id": "bp_1",
		"node_id":      "node_1",
		"execution_id": "exec_1",
		"duration_min": 12.5,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("no entries written")
	}
	var entry AuditEntry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("parse entry: %v", err)
	}
	if entry.EventType != "node_completed" {
		t.Errorf("event_type = %s", entry.EventType)
	}
	if entry.BlueprintID != "bp_1" || entry.NodeID != "node_1" || entry.ExecutionID != "exec_1" {
		t.Errorf("ids not lifted: %+v", entry)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")

	// Tiny max size forces rotation on the second entry.
	l, err := NewAuditLogger(logPath, 150)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		if err := l.Record(EventNodeStarted, map[string]any{"node_id": "node_1"}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	archive, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("archive dir: %v", err)
	}
	if len(archive) == 0 {
		t.Error("no archived log files after rotation")
	}

	// The live log still accepts writes.
	if err := l.Record(EventNodeCompleted, nil); err != nil {
		t.Errorf("Record after rotation: %v", err)
	}
}

func TestAuditLogger_AttachTo(t *testing.T) {
	dir := t.TempDir()
	l, err := NewAuditLogger(filepath.Join(dir, "audit.jsonl"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	bus := NewBus(10)
	defer bus.Close()
	detach := l.AttachTo(bus)
	defer detach()

	bus.Publish(EventBlueprintCompleted, map[string]any{"blueprint_id": "bp_1"})

	// Delivery is asynchronous; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		content, _ := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
		if len(content) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bus event never reached the audit log")
}
