package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tauagent/tau/internal/sessions"
	"github.com/tauagent/tau/pkg/models"
)

// WorkerRuntimeProfile names the restricted runtime environment a branch
// follow-up's worker process executes under.
const WorkerRuntimeProfile = "memory_only_worker"

// BranchRunner spawns and bounds the sub-runs created by §4.3.1 branch
// follow-ups: a tool result carrying reason_code "session_branch_created"
// causes the turn loop to run a memory-only isolated sub-run synchronously
// and rewrite the tool result payload with its conclusion.
type BranchRunner struct {
	provider     LLMProvider
	registry     *ToolRegistry
	sessions     sessions.Store
	workerConfig *LoopConfig

	maxConcurrentPerSession int

	mu     sync.Mutex
	active map[string]int
}

// WorkerMaxTurns bounds a branch follow-up worker's own turn loop, per the
// worker_runtime_profile's reduced turn/context budget.
const WorkerMaxTurns = 4

// NewBranchRunner builds a BranchRunner. registry should already be scoped
// to the memory-only tool subset branch follow-ups are permitted to use.
func NewBranchRunner(provider LLMProvider, registry *ToolRegistry, store sessions.Store, maxConcurrentPerSession int) *BranchRunner {
	if maxConcurrentPerSession <= 0 {
		maxConcurrentPerSession = 1
	}
	return &BranchRunner{
		provider: provider,
		registry: registry,
		sessions: store,
		workerConfig: &LoopConfig{
			MaxIterations: WorkerMaxTurns,
			MaxTokens:     DefaultLoopConfig().MaxTokens,
		},
		maxConcurrentPerSession: maxConcurrentPerSession,
		active:                  make(map[string]int),
	}
}

// TryAcquire reserves a concurrency slot for sessionID, returning false if
// max_concurrent_branches_per_session is already saturated.
func (b *BranchRunner) TryAcquire(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[sessionID] >= b.maxConcurrentPerSession {
		return false
	}
	b.active[sessionID]++
	return true
}

// Release frees the concurrency slot acquired by TryAcquire. Callers must
// call Release exactly once per successful TryAcquire, regardless of the
// sub-run's outcome.
func (b *BranchRunner) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[sessionID] > 0 {
		b.active[sessionID]--
	}
}

// BranchResult is the outcome of a branch follow-up sub-run, ready to be
// folded into the rewritten tool result payload.
type BranchResult struct {
	Conclusion string
	FollowUp   models.BranchFollowUp
	Delegation models.ProcessDelegation
}

// Run spawns an isolated child session, runs a synchronous sub-run against
// it with the branch directive's prompt, and returns the sub-run's
// conclusion along with the process_delegation lineage
// (channel -> branch -> worker). Callers must have already validated the
// directive (non-empty prompt) and acquired a concurrency slot via
// TryAcquire.
func (b *BranchRunner) Run(ctx context.Context, parent *models.Session, channelProcessID string, d Directive) (*BranchResult, error) {
	if b.sessions == nil {
		return nil, fmt.Errorf("branch runner: no session store configured")
	}
	if strings.TrimSpace(d.BranchPrompt) == "" {
		return nil, fmt.Errorf("branch runner: empty prompt")
	}

	branchSession := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   parent.AgentID,
		Channel:   parent.Channel,
		ChannelID: parent.ChannelID,
		Key:       fmt.Sprintf("%s/branch/%s", parent.Key, d.BranchPath),
		Title:     "branch follow-up",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := b.sessions.Create(ctx, branchSession); err != nil {
		return nil, fmt.Errorf("branch runner: create session: %w", err)
	}

	branchProcessID := uuid.NewString()
	workerProcessID := uuid.NewString()

	subLoop := NewAgenticLoop(b.provider, b.registry, b.sessions, b.workerConfig)

	msg := &models.Message{
		Role:    models.RoleUser,
		Content: d.BranchPrompt,
	}

	chunks, err := subLoop.Run(ctx, branchSession, msg)
	if err != nil {
		return nil, fmt.Errorf("branch runner: sub-run start: %w", err)
	}

	var conclusion strings.Builder
	status := "completed"
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			status = "failed"
			continue
		}
		if chunk.Text != "" {
			conclusion.WriteString(chunk.Text)
		}
	}

	return &BranchResult{
		Conclusion: conclusion.String(),
		FollowUp: models.BranchFollowUp{
			Status:               status,
			ToolsMode:            "memory_only",
			AvailableTools:       b.registry.Names(),
			WorkerRuntimeProfile: WorkerRuntimeProfile,
		},
		Delegation: models.ProcessDelegation{
			Channel: models.ProcessDelegationEntry{ProcessType: "channel", ProcessID: channelProcessID, State: "running"},
			Branch:  models.ProcessDelegationEntry{ProcessType: "branch", ProcessID: branchProcessID, ParentProcessID: channelProcessID, State: status},
			Worker:  models.ProcessDelegationEntry{ProcessType: "worker", ProcessID: workerProcessID, ParentProcessID: branchProcessID, State: status},
		},
	}, nil
}
