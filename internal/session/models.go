// Package session owns the durable conversation state: sessions, message
// logs, per-session agent context, and pending approvals.
package session

import (
	"encoding/json"
	"time"
)

// Role is the closed set of message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ToolCall is a model-initiated request to invoke a named function.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one element of a session log. Seq is dense and strictly
// increasing from 0 within a session.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Seq        int64      `json:"seq"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasToolCalls reports whether this is an assistant message carrying tool
// calls. Such messages must be persisted before any matching tool reply is
// processed, so they always bypass debounced persistence.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Session is a conversation container.
type Session struct {
	ID           string     `json:"id"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Deleted      bool       `json:"deleted,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// agentHistoryLimit bounds the per-session switch history ring.
const agentHistoryLimit = 50

// defaultAgent is the agent every new session starts on.
const defaultAgent = "orchestrator"

// AgentSwitch is one entry of the agent history ring.
type AgentSwitch struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentContext is the per-session routing state, one-to-one with a session.
type AgentContext struct {
	SessionID       string                 `json:"session_id"`
	CurrentAgent    string                 `json:"current_agent"`
	SwitchCount     int                    `json:"switch_count"`
	TaskDescription string                 `json:"task_description,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	History         []AgentSwitch          `json:"history,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// pushHistory appends a switch record, trimming the ring to its bound.
func (c *AgentContext) pushHistory(s AgentSwitch) {
	c.History = append(c.History, s)
	if len(c.History) > agentHistoryLimit {
		c.History = c.History[len(c.History)-agentHistoryLimit:]
	}
}

// ApprovalStatus is the closed set of pending-approval states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// RequestType distinguishes tool approvals from plan approvals.
type RequestType string

const (
	RequestTypeTool RequestType = "tool"
	RequestTypePlan RequestType = "plan"
)

// PendingApproval is a request awaiting a user decision.
type PendingApproval struct {
	RequestID   string          `json:"request_id"`
	SessionID   string          `json:"session_id"`
	RequestType RequestType     `json:"request_type"`
	Subject     string          `json:"subject"`
	Details     json.RawMessage `json:"details,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the approval is past its deadline at the given
// instant. Records read after expiry must be treated as expired even before
// the sweeper has run.
func (p *PendingApproval) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ListOptions controls session listing.
type ListOptions struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
