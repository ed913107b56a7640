package websocket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/orchestrator"
	"github.com/devrelay/devrelay/internal/plan"
	"github.com/devrelay/devrelay/pkg/ws"
)

// Bridge wires inbound frames to the runtime: user messages start turns,
// tool results and approval decisions resume suspended ones.
type Bridge struct {
	orch      *orchestrator.Orchestrator
	approvals *approval.Manager
	hub       *Hub

	// Plan support is an optional extension; both are nil when disabled.
	plans     *plan.Executor
	planStore *plan.Store

	logger *logger.Logger
}

// NewBridge registers the frame handlers on the dispatcher.
func NewBridge(
	d *ws.Dispatcher,
	orch *orchestrator.Orchestrator,
	approvals *approval.Manager,
	plans *plan.Executor,
	planStore *plan.Store,
	hub *Hub,
	log *logger.Logger,
) *Bridge {
	b := &Bridge{
		orch:      orch,
		approvals: approvals,
		hub:       hub,
		plans:     plans,
		planStore: planStore,
		logger:    log.WithFields(zap.String("component", "ws_bridge")),
	}

	d.RegisterFunc(ws.FrameUserMessage, b.handleUserMessage)
	d.RegisterFunc(ws.FrameToolResult, b.handleToolResult)
	d.RegisterFunc(ws.FrameApprovalDecision, b.handleApprovalDecision)
	d.RegisterFunc(ws.FrameSwitchAgent, b.handleSwitchAgent)
	d.RegisterFunc(ws.FramePlanDecision, b.handlePlanDecision)
	return b
}

// handleUserMessage starts a turn. The turn runs on its own goroutine so the
// read pump stays free to deliver the tool_result and approval_decision
// frames the turn may suspend on.
func (b *Bridge) handleUserMessage(ctx context.Context, f *ws.Frame) (*ws.Frame, error) {
	if f.Content == "" {
		return nil, fmt.Errorf("user_message requires content")
	}
	b.startTurn(ctx, f.SessionID, f.Content)
	return nil, nil
}

func (b *Bridge) startTurn(ctx context.Context, sessionID, content string) {
	// The dispatch context dies with the WebSocket connection, but a turn
	// outlives its transport: a client that drops mid-turn reconnects and
	// replays from persisted history. The orchestrator's own turn timeout
	// still bounds the detached work.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := b.orch.HandleUserMessage(ctx, sessionID, content, b.hub); err != nil {
			// The orchestrator already surfaced the error frame.
			b.logger.Warn("turn failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()
}

// handleToolResult resumes the turn waiting on a forwarded tool call. Orphan
// replies are logged and dropped.
func (b *Bridge) handleToolResult(_ context.Context, f *ws.Frame) (*ws.Frame, error) {
	if f.CallID == "" {
		return nil, fmt.Errorf("tool_result requires call_id")
	}
	content, isError := f.Result, false
	if f.Error != "" {
		content, isError = f.Error, true
	}
	if !b.orch.ProvideToolResult(f.CallID, content, isError) {
		b.logger.Warn("dropping orphan tool_result",
			zap.String("session_id", f.SessionID),
			zap.String("call_id", f.CallID))
	}
	return nil, nil
}

func (b *Bridge) handleApprovalDecision(ctx context.Context, f *ws.Frame) (*ws.Frame, error) {
	if f.RequestID == "" {
		return nil, fmt.Errorf("approval_decision requires request_id")
	}
	switch f.Decision {
	case ws.DecisionApprove:
		return nil, b.approvals.Approve(ctx, f.RequestID, nil)
	case ws.DecisionEdit:
		return nil, b.approvals.Approve(ctx, f.RequestID, f.ModifiedArguments)
	case ws.DecisionReject:
		return nil, b.approvals.Reject(ctx, f.RequestID, f.Feedback)
	default:
		return nil, fmt.Errorf("unknown decision %q", f.Decision)
	}
}

// handleSwitchAgent applies an explicit user-requested switch. When the frame
// also carries content, a turn starts on the new agent.
func (b *Bridge) handleSwitchAgent(ctx context.Context, f *ws.Frame) (*ws.Frame, error) {
	if f.AgentType == "" {
		return nil, fmt.Errorf("switch_agent requires agent_type")
	}
	if err := b.orch.SwitchAgent(ctx, f.SessionID, f.AgentType, "user requested", b.hub); err != nil {
		return nil, err
	}
	if f.Content != "" {
		b.startTurn(ctx, f.SessionID, f.Content)
	}
	return nil, nil
}

func (b *Bridge) handlePlanDecision(ctx context.Context, f *ws.Frame) (*ws.Frame, error) {
	if b.plans == nil {
		return nil, fmt.Errorf("plan support is disabled")
	}

	planID := f.PlanID
	if planID == "" {
		p, err := b.planStore.GetBySession(ctx, f.SessionID)
		if err != nil {
			return nil, fmt.Errorf("no plan for session: %w", err)
		}
		planID = p.ID
	}

	switch f.Decision {
	case ws.PlanDecisionApprove:
		sessionID := f.SessionID
		// Like turns, an approved plan keeps executing after the approving
		// connection goes away.
		execCtx := context.WithoutCancel(ctx)
		go func() {
			if err := b.plans.Execute(execCtx, planID); err != nil {
				b.logger.Warn("plan execution failed",
					zap.String("plan_id", planID),
					zap.Error(err))
				b.hub.SendError(sessionID, err.Error())
			}
		}()
		return nil, nil
	case ws.PlanDecisionCancel:
		return nil, b.plans.Cancel(ctx, planID)
	default:
		return nil, fmt.Errorf("unknown decision %q", f.Decision)
	}
}
