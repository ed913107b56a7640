// Package ws defines the wire protocol between the runtime and an IDE: flat
// JSON frames discriminated by a "type" field, exchanged over a single
// long-lived WebSocket per session.
package ws

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates frames on the wire.
type FrameType string

// Inbound frame types (IDE → runtime).
const (
	FrameUserMessage      FrameType = "user_message"
	FrameToolResult       FrameType = "tool_result"
	FrameApprovalDecision FrameType = "approval_decision"
	FrameSwitchAgent      FrameType = "switch_agent"
	FramePlanDecision     FrameType = "plan_decision"
)

// Outbound frame types (runtime → IDE).
const (
	FrameAssistantMessage FrameType = "assistant_message"
	FrameToolCall         FrameType = "tool_call"
	FrameAgentSwitched    FrameType = "agent_switched"
	FrameApprovalRequired FrameType = "approval_required"
	FrameSessionInfo      FrameType = "session_info"
	FrameError            FrameType = "error"
)

// Approval decision values.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionEdit    = "edit"
)

// Plan decision values.
const (
	PlanDecisionApprove = "approve"
	PlanDecisionCancel  = "cancel"
)

// Frame is the wire envelope. All fields are optional except Type; omitempty
// keeps unused fields off the wire, so a frame never carries nulls.
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// user_message
	Content string `json:"content,omitempty"`
	Role    string `json:"role,omitempty"`

	// tool_result, tool_call
	CallID string `json:"call_id,omitempty"`
	Result string `json:"result,omitempty"`

	// approval_decision, approval_required
	RequestID         string          `json:"request_id,omitempty"`
	Decision          string          `json:"decision,omitempty"`
	ModifiedArguments json.RawMessage `json:"modified_arguments,omitempty"`
	Feedback          string          `json:"feedback,omitempty"`
	Subject           string          `json:"subject,omitempty"`
	Reason            string          `json:"reason,omitempty"`

	// switch_agent, agent_switched
	AgentType  string   `json:"agent_type,omitempty"`
	FromAgent  string   `json:"from_agent,omitempty"`
	ToAgent    string   `json:"to_agent,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// assistant_message
	Token   string `json:"token,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// tool_call
	ToolName         string          `json:"tool_name,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`

	// plan_decision
	PlanID string `json:"plan_id,omitempty"`

	// error (also carries the error branch of tool_result)
	Error string `json:"error,omitempty"`
}

// Parse decodes a raw frame and rejects frames without a type.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Inbound reports whether the frame type is one a client may send.
func (t FrameType) Inbound() bool {
	switch t {
	case FrameUserMessage, FrameToolResult, FrameApprovalDecision,
		FrameSwitchAgent, FramePlanDecision:
		return true
	}
	return false
}

// NewAssistantMessage builds one streamed assistant token frame.
func NewAssistantMessage(sessionID, token string, final bool) *Frame {
	return &Frame{
		Type:      FrameAssistantMessage,
		SessionID: sessionID,
		Token:     token,
		IsFinal:   final,
	}
}

// NewToolCall builds the frame forwarding a tool call to the IDE.
func NewToolCall(sessionID, callID, toolName string, args json.RawMessage, requiresApproval bool) *Frame {
	return &Frame{
		Type:             FrameToolCall,
		SessionID:        sessionID,
		CallID:           callID,
		ToolName:         toolName,
		Arguments:        args,
		RequiresApproval: requiresApproval,
	}
}

// NewAgentSwitched builds the frame announcing an agent change.
func NewAgentSwitched(sessionID, from, to, reason string, confidence float64) *Frame {
	return &Frame{
		Type:       FrameAgentSwitched,
		SessionID:  sessionID,
		FromAgent:  from,
		ToAgent:    to,
		Reason:     reason,
		Confidence: &confidence,
	}
}

// NewApprovalRequired builds the frame asking the user for a decision.
func NewApprovalRequired(sessionID, requestID, subject string, args json.RawMessage, reason string) *Frame {
	return &Frame{
		Type:      FrameApprovalRequired,
		SessionID: sessionID,
		RequestID: requestID,
		Subject:   subject,
		Arguments: args,
		Reason:    reason,
	}
}

// NewSessionInfo builds the frame that reveals the real session id after
// first-message auto-creation.
func NewSessionInfo(sessionID string) *Frame {
	return &Frame{Type: FrameSessionInfo, SessionID: sessionID}
}

// NewError builds an error frame. The session stays open after an error.
func NewError(sessionID, message string) *Frame {
	return &Frame{Type: FrameError, SessionID: sessionID, Error: message}
}
