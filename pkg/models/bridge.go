package models

// BridgeHealth carries the health counters exported in bridge state JSON
// and mirrored as Prometheus gauges/counters (see internal/observability).
type BridgeHealth struct {
	UpdatedUnixMs           int64 `json:"updated_unix_ms"`
	CycleDurationMs         int64 `json:"cycle_duration_ms"`
	QueueDepth              int   `json:"queue_depth"`
	ActiveRuns              int   `json:"active_runs"`
	FailureStreak           int   `json:"failure_streak"`
	LastCycleDiscovered     int   `json:"last_cycle_discovered"`
	LastCycleProcessed      int   `json:"last_cycle_processed"`
	LastCycleCompleted      int   `json:"last_cycle_completed"`
	LastCycleFailed         int   `json:"last_cycle_failed"`
	LastCycleDuplicates     int   `json:"last_cycle_duplicates"`
}

// ConversationSession records the session scoped to one bridge conversation.
type ConversationSession struct {
	SessionPath string `json:"session_path"`
	ActiveHead  int64  `json:"active_head"`
}

// BridgeState is the per-external-source scheduler state (one per GitHub
// repo, Slack workspace, etc). processed_event_keys is a bounded FIFO;
// last_scan_cursor is monotonically non-decreasing.
type BridgeState struct {
	SchemaVersion       int                             `json:"schema_version"`
	LastScanCursor      string                          `json:"last_scan_cursor,omitempty"`
	LastIssueScanAt     string                          `json:"last_issue_scan_at,omitempty"`
	ProcessedEventKeys  []string                        `json:"processed_event_keys"`
	ConversationSessions map[string]ConversationSession `json:"conversation_sessions"`
	Health              BridgeHealth                    `json:"health"`
}

// MaxProcessedEventKeys bounds the processed_event_keys FIFO.
const MaxProcessedEventKeys = 2048

// MarkProcessed appends a key to the FIFO, evicting the oldest entries once
// the bound is exceeded, and de-duplicates.
func (s *BridgeState) MarkProcessed(key string) {
	for _, existing := range s.ProcessedEventKeys {
		if existing == key {
			return
		}
	}
	s.ProcessedEventKeys = append(s.ProcessedEventKeys, key)
	if overflow := len(s.ProcessedEventKeys) - MaxProcessedEventKeys; overflow > 0 {
		s.ProcessedEventKeys = s.ProcessedEventKeys[overflow:]
	}
}

// IsProcessed reports whether key is already recorded.
func (s *BridgeState) IsProcessed(key string) bool {
	for _, existing := range s.ProcessedEventKeys {
		if existing == key {
			return true
		}
	}
	return false
}

// EventKind classifies a bridge Event.
type EventKind string

const (
	EventKindIssueOpened    EventKind = "issue_opened"
	EventKindCommentCreated EventKind = "comment_created"
	EventKindCommentEdited  EventKind = "comment_edited"
)

// Event is a candidate unit of work discovered by a bridge transport. Two
// events with equal Key must never both produce outbound actions.
type Event struct {
	Key            string         `json:"key"`
	Kind           EventKind      `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Actor          string         `json:"actor"`
	OccurredAt     string         `json:"occurred_at"`
	Body           string         `json:"body"`
	RawPayload     map[string]any `json:"raw_payload,omitempty"`
}

// ToolExecutionResult is the generic {payload, is_error} shape surfaced by
// tool execution. Certain payload shapes are reserved directives (skip,
// react, send_file, branch) recognized by the agent turn loop — see
// internal/agent's directive recognition, which only inspects payload keys
// when IsError is false.
type ToolExecutionResult struct {
	Payload map[string]any `json:"payload"`
	IsError bool           `json:"is_error"`
}
