// Package policy provides tool authorization and access control.
// This file implements the approval gate: stage 7 of the tool admission
// pipeline. A gate matches an action (write/edit/bash/command); if no
// approval is already held for the matching request, the caller receives a
// pending request id and the tool call is denied with reason_code
// "approval_required".
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrApprovalRequired = errors.New("approval required")
	ErrApprovalDenied   = errors.New("approval denied")
	ErrApprovalExpired  = errors.New("approval expired")
)

// RiskLevel classifies the blast radius of a tool invocation for approval
// rate-limiting and gate matching.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalRequest represents a pending or decided approval for a tool call.
type ApprovalRequest struct {
	ID           string
	ToolName     string
	Principal    string
	Input        string // JSON-encoded arguments, for audit display
	RiskLevel    RiskLevel
	SessionID    string
	RequestedAt  time.Time
	ExpiresAt    time.Time
	Status       ApprovalStatus
	DecidedAt    *time.Time
	DecidedBy    string
	DenialReason string
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// RiskApprovalPolicy defines approval requirements for one risk level.
type RiskApprovalPolicy struct {
	RequireApproval          bool
	MaxAutoApprovePerSession int
}

// ApprovalPolicy defines when the approval gate fires for a tool call.
type ApprovalPolicy struct {
	// AlwaysRequireApprovalFor lists tool name patterns that always gate
	// (matched with the same semantics as allow/deny patterns: exact or
	// "prefix*").
	AlwaysRequireApprovalFor []string

	// NeverRequireApprovalFor lists tool name patterns exempt from the gate.
	NeverRequireApprovalFor []string

	// ApprovalTimeout bounds how long a pending request stays actionable.
	ApprovalTimeout time.Duration

	// ByRiskLevel refines gate behavior per classified risk level.
	ByRiskLevel map[RiskLevel]RiskApprovalPolicy
}

// DefaultApprovalPolicy matches the spec's item 7: write/edit/bash/command
// actions gate by default, read-only operations do not.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		AlwaysRequireApprovalFor: []string{"bash", "write", "edit"},
		ApprovalTimeout:          5 * time.Minute,
		ByRiskLevel: map[RiskLevel]RiskApprovalPolicy{
			RiskLow:      {RequireApproval: false},
			RiskMedium:   {RequireApproval: false, MaxAutoApprovePerSession: 10},
			RiskHigh:     {RequireApproval: true, MaxAutoApprovePerSession: 3},
			RiskCritical: {RequireApproval: true},
		},
	}
}

// ApprovalManager tracks pending/decided approval requests and answers
// whether a given tool call must wait for one.
type ApprovalManager struct {
	mu       sync.RWMutex
	policy   *ApprovalPolicy
	requests map[string]*ApprovalRequest

	onApprovalRequired func(*ApprovalRequest)
	onApprovalDecided  func(*ApprovalRequest)

	sessionApprovals map[string]map[RiskLevel]int
	nextID           int64
}

// NewApprovalManager creates an approval manager evaluating the given policy
// (falling back to DefaultApprovalPolicy when nil).
func NewApprovalManager(policy *ApprovalPolicy) *ApprovalManager {
	if policy == nil {
		policy = DefaultApprovalPolicy()
	}
	return &ApprovalManager{
		policy:           policy,
		requests:         make(map[string]*ApprovalRequest),
		sessionApprovals: make(map[string]map[RiskLevel]int),
	}
}

func (m *ApprovalManager) SetApprovalRequiredHandler(fn func(*ApprovalRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onApprovalRequired = fn
}

func (m *ApprovalManager) SetApprovalDecidedHandler(fn func(*ApprovalRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onApprovalDecided = fn
}

// CheckApproval evaluates the approval gate for a tool call. A nil return
// means execution may proceed; a non-nil error wraps ErrApprovalRequired
// with the pending request id embedded, which the policy engine surfaces as
// the tool-result's reason_code/approval metadata.
func (m *ApprovalManager) CheckApproval(ctx context.Context, toolName, principal, input, sessionID string, risk RiskLevel) error {
	if !m.needsApproval(toolName, risk, sessionID) {
		m.trackAutoApproval(sessionID, risk)
		return nil
	}

	req := &ApprovalRequest{
		ID:          m.generateID(),
		ToolName:    toolName,
		Principal:   principal,
		Input:       input,
		RiskLevel:   risk,
		SessionID:   sessionID,
		RequestedAt: time.Now(),
		ExpiresAt:   time.Now().Add(m.policy.ApprovalTimeout),
		Status:      ApprovalStatusPending,
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	callback := m.onApprovalRequired
	m.mu.Unlock()

	if callback != nil {
		callback(req)
	}

	return fmt.Errorf("%w: request_id=%s", ErrApprovalRequired, req.ID)
}

func (m *ApprovalManager) GetRequest(id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status == ApprovalStatusPending && time.Now().After(req.ExpiresAt) {
		req.Status = ApprovalStatusExpired
	}
	return req, nil
}

func (m *ApprovalManager) Approve(id, approverID string) error {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status != ApprovalStatusPending {
		m.mu.Unlock()
		return fmt.Errorf("request already decided: %s", req.Status)
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = ApprovalStatusExpired
		m.mu.Unlock()
		return ErrApprovalExpired
	}
	now := time.Now()
	req.Status = ApprovalStatusApproved
	req.DecidedAt = &now
	req.DecidedBy = approverID
	callback := m.onApprovalDecided
	m.mu.Unlock()

	m.trackAutoApproval(req.SessionID, req.RiskLevel)
	if callback != nil {
		callback(req)
	}
	return nil
}

func (m *ApprovalManager) Deny(id, denierID, reason string) error {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval request not found: %s", id)
	}
	if req.Status != ApprovalStatusPending {
		m.mu.Unlock()
		return fmt.Errorf("request already decided: %s", req.Status)
	}
	now := time.Now()
	req.Status = ApprovalStatusDenied
	req.DecidedAt = &now
	req.DecidedBy = denierID
	req.DenialReason = reason
	callback := m.onApprovalDecided
	m.mu.Unlock()

	if callback != nil {
		callback(req)
	}
	return nil
}

// WaitForApproval blocks until the request is decided, expires, or ctx ends.
func (m *ApprovalManager) WaitForApproval(ctx context.Context, requestID string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			req, err := m.GetRequest(requestID)
			if err != nil {
				return err
			}
			switch req.Status {
			case ApprovalStatusApproved:
				return nil
			case ApprovalStatusDenied:
				if req.DenialReason != "" {
					return fmt.Errorf("%w: %s", ErrApprovalDenied, req.DenialReason)
				}
				return ErrApprovalDenied
			case ApprovalStatusExpired:
				return ErrApprovalExpired
			case ApprovalStatusPending:
				continue
			}
		}
	}
}

func (m *ApprovalManager) ListPending() []*ApprovalRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*ApprovalRequest
	now := time.Now()
	for _, req := range m.requests {
		if req.Status == ApprovalStatusPending {
			if now.After(req.ExpiresAt) {
				req.Status = ApprovalStatusExpired
			} else {
				pending = append(pending, req)
			}
		}
	}
	return pending
}

func (m *ApprovalManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	now := time.Now()
	for id, req := range m.requests {
		if req.Status == ApprovalStatusPending && now.After(req.ExpiresAt) {
			req.Status = ApprovalStatusExpired
		}
		if req.Status != ApprovalStatusPending && time.Since(req.ExpiresAt) > time.Hour {
			delete(m.requests, id)
			count++
		}
	}
	return count
}

func (m *ApprovalManager) needsApproval(toolName string, risk RiskLevel, sessionID string) bool {
	for _, t := range m.policy.NeverRequireApprovalFor {
		if t == toolName || matchToolPattern(t, toolName) {
			return false
		}
	}
	for _, t := range m.policy.AlwaysRequireApprovalFor {
		if t == toolName || matchToolPattern(t, toolName) {
			return true
		}
	}

	riskPolicy, ok := m.policy.ByRiskLevel[risk]
	if !ok {
		return false
	}
	if !riskPolicy.RequireApproval {
		return false
	}
	if riskPolicy.MaxAutoApprovePerSession > 0 {
		if m.getSessionApprovalCount(sessionID, risk) >= riskPolicy.MaxAutoApprovePerSession {
			return true
		}
		return false
	}
	return true
}

func (m *ApprovalManager) trackAutoApproval(sessionID string, risk RiskLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionApprovals[sessionID] == nil {
		m.sessionApprovals[sessionID] = make(map[RiskLevel]int)
	}
	m.sessionApprovals[sessionID][risk]++
}

func (m *ApprovalManager) getSessionApprovalCount(sessionID string, risk RiskLevel) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sessionApprovals[sessionID] == nil {
		return 0
	}
	return m.sessionApprovals[sessionID][risk]
}

func (m *ApprovalManager) ResetSessionApprovals(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessionApprovals, sessionID)
}

func (m *ApprovalManager) generateID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("apr_%d_%d", time.Now().UnixNano(), m.nextID)
}
