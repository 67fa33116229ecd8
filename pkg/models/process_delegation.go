package models

// ProcessDelegationEntry identifies one process in a branch follow-up's
// delegation lineage: its type, id, the process that spawned it (absent for
// the root channel process), and its terminal state once known.
type ProcessDelegationEntry struct {
	ProcessType     string `json:"process_type"`
	ProcessID       string `json:"process_id"`
	ParentProcessID string `json:"parent_process_id,omitempty"`
	State           string `json:"state"`
}

// ProcessDelegation records the three-level lineage created by a branch
// follow-up: the channel process that received the directive, the branch
// process spawned to run it, and the worker process the branch process
// delegates the prompt to. Branch.ParentProcessID == Channel.ProcessID and
// Worker.ParentProcessID == Branch.ProcessID.
type ProcessDelegation struct {
	Channel ProcessDelegationEntry `json:"channel"`
	Branch  ProcessDelegationEntry `json:"branch"`
	Worker  ProcessDelegationEntry `json:"worker"`
}

// BranchFollowUp is the rewritten tool-result payload fragment describing a
// branch follow-up sub-run's outcome.
type BranchFollowUp struct {
	Status               string   `json:"status"`
	ToolsMode            string   `json:"tools_mode,omitempty"`
	AvailableTools       []string `json:"available_tools,omitempty"`
	WorkerRuntimeProfile string   `json:"worker_runtime_profile,omitempty"`
}
