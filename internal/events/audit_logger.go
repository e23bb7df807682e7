package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxLogSize = 100 * 1024 * 1024
	logFileExt        = ".jsonl"
	archiveDirName    = "archive"
)

// AuditEntry is one JSONL line in the audit log.
type AuditEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	BlueprintID string         `json:"blueprint_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditLogger appends lifecycle events to a JSONL file, rotating to an
// archive directory when the file exceeds maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends one event. Well-known identifiers are lifted out of details
// into typed columns so the log is greppable by blueprint and node.
func (l *AuditLogger) Record(eventType EventType, details map[string]any) error {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		Details:   details,
	}
	if id, ok := details["blueprint_id"].(string); ok {
		entry.BlueprintID = id
	}
	if id, ok := details["node_id"].(string); ok {
		entry.NodeID = id
	}
	if id, ok := details["execution_id"].(string); ok {
		entry.ExecutionID = id
	}
	return l.write(&entry)
}

func (l *AuditLogger) write(entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(l.logPath)
	stem := base[:len(base)-len(logFileExt)]
	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s.%s%s", stem, time.Now().Format("20060102_150405"), logFileExt))

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

// AttachTo subscribes the audit logger to every lifecycle event type on the
// bus and returns a combined unsubscribe function.
func (l *AuditLogger) AttachTo(bus *Bus) func() {
	types := []EventType{
		EventNodeStarted, EventNodeCompleted, EventNodeFailed, EventNodeBlocked,
		EventBlueprintStarted, EventBlueprintCompleted, EventBlueprintFailed,
		EventBlueprintStalled, EventExecutionRecovered, EventTaskEnqueued,
	}

	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(ev Event) {
			_ = l.Record(ev.Type, ev.Data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
