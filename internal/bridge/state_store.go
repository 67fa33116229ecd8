package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tauagent/tau/pkg/models"
)

const bridgeStateSchemaVersion = 1

// StateStore owns one bridge's on-disk BridgeState (§6 bridge state JSON
// format): last scan cursor, the processed-event-key FIFO, per-conversation
// session pointers, and health counters. Writes are atomic (temp file then
// rename), grounded on the teacher's write_text_atomic.
type StateStore struct {
	path  string
	cap   int
	state models.BridgeState
	index map[string]struct{}
}

// LoadStateStore reads path if it exists, or starts from a fresh
// schema-versioned state otherwise.
func LoadStateStore(path string, cap int) (*StateStore, error) {
	if cap <= 0 {
		cap = models.MaxProcessedEventKeys
	}
	state := models.BridgeState{
		SchemaVersion:        bridgeStateSchemaVersion,
		ProcessedEventKeys:   nil,
		ConversationSessions: make(map[string]models.ConversationSession),
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("parse bridge state %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read bridge state %s: %w", path, err)
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = bridgeStateSchemaVersion
	}
	if state.SchemaVersion != bridgeStateSchemaVersion {
		return nil, fmt.Errorf("unsupported bridge state schema: expected %d, found %d", bridgeStateSchemaVersion, state.SchemaVersion)
	}
	if state.ConversationSessions == nil {
		state.ConversationSessions = make(map[string]models.ConversationSession)
	}

	if overflow := len(state.ProcessedEventKeys) - cap; overflow > 0 {
		state.ProcessedEventKeys = state.ProcessedEventKeys[overflow:]
	}
	index := make(map[string]struct{}, len(state.ProcessedEventKeys))
	for _, key := range state.ProcessedEventKeys {
		index[key] = struct{}{}
	}

	return &StateStore{path: path, cap: cap, state: state, index: index}, nil
}

// IsProcessed reports whether key was already recorded.
func (s *StateStore) IsProcessed(key string) bool {
	_, ok := s.index[key]
	return ok
}

// MarkProcessed records key if new, returning true when it actually
// changed the state (the caller uses this to decide whether to persist).
func (s *StateStore) MarkProcessed(key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	s.state.ProcessedEventKeys = append(s.state.ProcessedEventKeys, key)
	s.index[key] = struct{}{}
	for len(s.state.ProcessedEventKeys) > s.cap {
		removed := s.state.ProcessedEventKeys[0]
		s.state.ProcessedEventKeys = s.state.ProcessedEventKeys[1:]
		delete(s.index, removed)
	}
	return true
}

// Cursor returns the current last-scan cursor.
func (s *StateStore) Cursor() string {
	return s.state.LastScanCursor
}

// AdvanceCursor sets the cursor to value if it is greater than the
// current one (cursors are monotonically non-decreasing lexically, which
// holds for RFC3339 timestamps), returning true if it changed.
func (s *StateStore) AdvanceCursor(value string) bool {
	if value == "" || value <= s.state.LastScanCursor {
		return false
	}
	s.state.LastScanCursor = value
	return true
}

// ConversationSession returns the session pointer recorded for conv, if any.
func (s *StateStore) ConversationSession(conversationID string) (models.ConversationSession, bool) {
	cs, ok := s.state.ConversationSessions[conversationID]
	return cs, ok
}

// SetConversationSession records the session pointer for conv.
func (s *StateStore) SetConversationSession(conversationID string, cs models.ConversationSession) {
	s.state.ConversationSessions[conversationID] = cs
}

// UpdateHealth overwrites the health snapshot persisted alongside state.
func (s *StateStore) UpdateHealth(h models.BridgeHealth) {
	s.state.Health = h
}

// Save persists state atomically: write to a temp file in the same
// directory, then rename over the target so a reader never observes a
// partially written file.
func (s *StateStore) Save() error {
	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bridge state: %w", err)
	}
	payload = append(payload, '\n')

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create bridge state dir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".bridge-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp bridge state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp bridge state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp bridge state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename bridge state file: %w", err)
	}
	return nil
}
