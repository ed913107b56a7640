package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/session"
)

const source = "tool_dispatcher"

// Disposition says what happened to a dispatched tool call.
type Disposition string

const (
	// DispositionExecuted means the tool ran locally; Content holds the reply.
	DispositionExecuted Disposition = "executed"
	// DispositionAwaitingApproval means a pending approval was registered;
	// the caller must wait for the decision before re-dispatching.
	DispositionAwaitingApproval Disposition = "awaiting_approval"
	// DispositionRemote means the call must be forwarded to the IDE and the
	// caller must wait for a matching tool_result frame.
	DispositionRemote Disposition = "remote"
)

// Outcome is the result of one Dispatch.
type Outcome struct {
	Disposition Disposition
	// Content is the tool reply body for DispositionExecuted. Failures are
	// structured JSON errors, not Go errors: a failed tool call feeds back
	// into the conversation instead of aborting the turn.
	Content string
	// IsError marks Content as a structured failure.
	IsError bool
	// RequestID identifies the pending approval for
	// DispositionAwaitingApproval. Equal to the tool_call id.
	RequestID string
	// Reason is the policy reason behind an approval requirement.
	Reason string
}

// Call is one tool invocation from the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Dispatcher routes tool calls per the declaration table, enforcing agent
// allow-lists, file restrictions, argument schemas, and the approval policy.
type Dispatcher struct {
	registry  *Registry
	agents    *agent.Registry
	approvals *approval.Manager
	bus       *bus.Bus
	logger    *logger.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(registry *Registry, agents *agent.Registry, approvals *approval.Manager, b *bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		agents:    agents,
		approvals: approvals,
		bus:       b,
		logger:    log.WithFields(zap.String("component", source)),
	}
}

// Dispatch performs exactly one of: execute locally, register a pending
// approval and suspend, or hand off to the remote bridge. preApproved skips
// the policy check; it is set when re-dispatching after an approval decision.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, agentName string, call Call, preApproved bool) (*Outcome, error) {
	decl, ok := d.registry.Get(call.Name)
	if !ok {
		return d.failure(ctx, sessionID, call, "unknown_tool",
			fmt.Sprintf("no tool named %q is declared", call.Name)), nil
	}

	def, ok := d.agents.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}
	if !def.AllowsTool(call.Name) {
		return d.failure(ctx, sessionID, call, "access_denied",
			fmt.Sprintf("agent %q may not invoke %q", agentName, call.Name)), nil
	}

	if err := decl.ValidateArgs(call.Arguments); err != nil {
		return d.failure(ctx, sessionID, call, "invalid_arguments", err.Error()), nil
	}

	if path := pathArgument(call.Arguments); path != "" && !def.AllowsPath(path) {
		return d.failure(ctx, sessionID, call, "path_restricted",
			fmt.Sprintf("agent %q may not touch %q", agentName, path)), nil
	}

	if !preApproved {
		verdict := d.approvals.Evaluate("tool", call.Name)
		if verdict.RequiresApproval {
			return d.suspendForApproval(ctx, sessionID, call, verdict.Reason)
		}
	}

	if decl.Remote {
		return &Outcome{Disposition: DispositionRemote}, nil
	}
	return d.executeLocal(ctx, sessionID, call)
}

// suspendForApproval registers the pending approval keyed by the tool_call id
// and publishes tool_approval_required.
func (d *Dispatcher) suspendForApproval(ctx context.Context, sessionID string, call Call, reason string) (*Outcome, error) {
	err := d.approvals.AddPending(ctx, &session.PendingApproval{
		RequestID:   call.ID,
		SessionID:   sessionID,
		RequestType: session.RequestTypeTool,
		Subject:     call.Name,
		Details:     call.Arguments,
		Reason:      reason,
	})
	if err != nil && !errors.Is(err, session.ErrDuplicateApproval) {
		return nil, err
	}

	d.publish(ctx, events.ToolApprovalRequired, sessionID, call, map[string]interface{}{
		"reason": reason,
	})
	return &Outcome{
		Disposition: DispositionAwaitingApproval,
		RequestID:   call.ID,
		Reason:      reason,
	}, nil
}

func (d *Dispatcher) executeLocal(ctx context.Context, sessionID string, call Call) (*Outcome, error) {
	handler, ok := d.registry.handler(call.Name)
	if !ok {
		return d.failure(ctx, sessionID, call, "no_handler",
			fmt.Sprintf("tool %q has no local handler", call.Name)), nil
	}

	d.publish(ctx, events.ToolCallStarted, sessionID, call, nil)
	start := time.Now()

	content, err := handler(ctx, call.Arguments)
	if err != nil {
		d.logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return d.failure(ctx, sessionID, call, "execution_failed", err.Error()), nil
	}

	d.publish(ctx, events.ToolCallCompleted, sessionID, call, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &Outcome{Disposition: DispositionExecuted, Content: content}, nil
}

// failure builds a structured error reply and publishes tool_call_failed.
func (d *Dispatcher) failure(ctx context.Context, sessionID string, call Call, code, message string) *Outcome {
	d.publish(ctx, events.ToolCallFailed, sessionID, call, map[string]interface{}{
		"code":  code,
		"error": message,
	})

	body, _ := json.Marshal(map[string]string{"error": message, "code": code})
	return &Outcome{
		Disposition: DispositionExecuted,
		Content:     string(body),
		IsError:     true,
	}
}

func (d *Dispatcher) publish(ctx context.Context, t events.Type, sessionID string, call Call, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := events.New(t, source, payload,
		events.WithSessionID(sessionID),
		events.WithCorrelationID(call.ID))
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.logger.Warn("failed to publish tool event",
			zap.String("event_type", string(t)), zap.Error(err))
	}
}

// pathArgument extracts a "path" string argument when present.
func pathArgument(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ""
	}
	return in.Path
}
