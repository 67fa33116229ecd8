package models

// SessionEntry is one node of a session's append-only DAG. Entries form a
// tree rooted at entries with no parent; id is assigned by the store as
// max(existing)+1 and is never reused.
type SessionEntry struct {
	ID       int64    `json:"id"`
	ParentID *int64   `json:"parent_id"`
	Message  *Message `json:"message"`
}

// SessionMetaRecord is the first line of a session file.
type SessionMetaRecord struct {
	RecordType    string `json:"record_type"`
	SchemaVersion int    `json:"schema_version"`
}

// SessionEntryRecord is a subsequent line of a session file.
type SessionEntryRecord struct {
	RecordType string   `json:"record_type"`
	ID         int64    `json:"id"`
	ParentID   *int64   `json:"parent_id"`
	Message    *Message `json:"message"`
}

// SessionAliases is the sidecar file holding named aliases/bookmarks.
type SessionAliases struct {
	SchemaVersion int              `json:"schema_version"`
	Aliases       map[string]int64 `json:"aliases,omitempty"`
	Bookmarks     map[string]int64 `json:"bookmarks,omitempty"`
}

// SessionStats is the report produced by Store.Stats.
type SessionStats struct {
	Entries    int            `json:"entries"`
	BranchTips []int64        `json:"branch_tips"`
	Roots      []int64        `json:"roots"`
	MaxDepth   int            `json:"max_depth"`
	RoleCounts map[Role]int   `json:"role_counts"`
	ActiveHead int64          `json:"active_head"`
	LatestHead int64          `json:"latest_head"`
	DepthActive int           `json:"depth_active"`
	DepthLatest int           `json:"depth_latest"`
}

// SessionValidation is the report produced by Store.Validate.
type SessionValidation struct {
	Entries        int     `json:"entries"`
	Cycles         [][]int64 `json:"cycles"`
	InvalidParents []int64 `json:"invalid_parents"`
	DuplicateIDs   []int64 `json:"duplicate_ids"`
}

// Ok reports whether validation found no integrity problems.
func (v SessionValidation) Ok() bool {
	return len(v.Cycles) == 0 && len(v.InvalidParents) == 0 && len(v.DuplicateIDs) == 0
}

// SessionRepairReport is the report produced by Store.Repair.
type SessionRepairReport struct {
	RemovedInvalidParents []int64 `json:"removed_invalid_parents"`
	RemovedCycleMembers   []int64 `json:"removed_cycle_members"`
}

// SessionCompactReport is the report produced by Store.CompactToLineage.
type SessionCompactReport struct {
	RemovedEntries  int   `json:"removed_entries"`
	RetainedEntries int   `json:"retained_entries"`
	HeadID          int64 `json:"head_id"`
}

// SessionDiff is the report produced by Store.Diff.
type SessionDiff struct {
	CommonAncestor int64   `json:"common_ancestor"`
	LeftOnly       []int64 `json:"left_only"`
	RightOnly      []int64 `json:"right_only"`
}

// SessionSearchHit is one row of Store.Search results.
type SessionSearchHit struct {
	ID       int64  `json:"id"`
	ParentID *int64 `json:"parent_id"`
	Role     Role   `json:"role"`
	Preview  string `json:"preview"`
}

// SessionImportMode selects merge or replace semantics for Store.Import.
type SessionImportMode string

const (
	ImportModeMerge   SessionImportMode = "merge"
	ImportModeReplace SessionImportMode = "replace"
)

// SessionImportReport is the report produced by Store.Import.
type SessionImportReport struct {
	Mode      SessionImportMode  `json:"mode"`
	Remapped  map[int64]int64    `json:"remapped,omitempty"`
	Appended  int                `json:"appended"`
}

// LockPolicy configures sidecar-file lock acquisition.
type LockPolicy struct {
	WaitMs  int64 `json:"wait_ms"`
	StaleMs int64 `json:"stale_ms"`
}

// DefaultLockPolicy matches the reference stack's default wait/stale budget.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{WaitMs: 5000, StaleMs: 30000}
}
