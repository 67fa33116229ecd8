package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EventLog appends self-describing JSON records, one per line, to a file
// shared by every poll cycle (§6 bridge inbound/outbound logs format).
// Writes are serialized by a mutex the way the teacher guards its
// Arc<Mutex<File>> handle.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenEventLog opens path for appending, creating its parent directory and
// the file itself if needed.
func OpenEventLog(path string) (*EventLog, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &EventLog{file: f}, nil
}

// Append writes record as one JSON line.
func (l *EventLog) Append(record map[string]any) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal event log record: %w", err)
	}
	encoded = append(encoded, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(encoded); err != nil {
		return fmt.Errorf("write event log record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
