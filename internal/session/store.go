package session

import (
	"context"
	"time"
)

// Store is the durable session state API. All mutations for one session id
// are serialized internally; cross-session operations may run in parallel.
type Store interface {
	// Session lifecycle
	Create(ctx context.Context, sessionID, systemPrompt string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
	SoftDelete(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Message log
	AppendMessage(ctx context.Context, sessionID string, msg *Message) (*Message, error)
	UpdateLastAssistantToolCalls(ctx context.Context, sessionID string, toolCalls []ToolCall) error
	GetMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// Agent context
	GetContext(ctx context.Context, sessionID string) (*AgentContext, error)
	SwitchAgent(ctx context.Context, sessionID, target, reason string, confidence float64) (*AgentContext, error)

	// Pending approvals
	AddPendingApproval(ctx context.Context, approval *PendingApproval) error
	GetPendingApproval(ctx context.Context, requestID string) (*PendingApproval, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]*PendingApproval, error)
	UpdateApprovalStatus(ctx context.Context, requestID string, status ApprovalStatus) error
	DeleteApproval(ctx context.Context, requestID string) error
	SweepExpiredApprovals(ctx context.Context, now time.Time) ([]*PendingApproval, error)

	// Flush forces staged writes to disk (no-op for immediate mode).
	Flush(ctx context.Context) error
	Close() error
}
