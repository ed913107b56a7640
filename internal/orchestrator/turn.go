package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/llm"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/internal/tools"
)

// HandleUserMessage runs one full turn. It blocks until the turn completes,
// fails, or the context is cancelled. Turns for the same session serialize;
// turns for different sessions run in parallel up to the process-wide cap.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, sessionID, content string, sink Sink) error {
	select {
	case o.turnSem <- struct{}{}:
		defer func() { <-o.turnSem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	lock := o.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	// One correlation id ties together every event this turn publishes.
	ctx = context.WithValue(ctx, logger.CorrelationIDKey, uuid.New().String())

	start := time.Now()
	err := o.runTurn(ctx, sessionID, content, sink, start)
	if err != nil {
		o.publishEvent(ctx, events.AgentErrorOccurred, sessionID, map[string]interface{}{
			"error": err.Error(),
		})
		if sink != nil {
			sink.SendError(sessionID, err.Error())
		}
	}
	return err
}

func (o *Orchestrator) runTurn(ctx context.Context, sessionID, content string, sink Sink, start time.Time) error {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	ac, err := o.store.GetContext(ctx, sessionID)
	if err != nil {
		return err
	}

	if _, err := o.store.AppendMessage(ctx, sessionID, &session.Message{
		Role:    session.RoleUser,
		Content: content,
	}); err != nil {
		return err
	}

	o.publishEvent(ctx, events.AgentProcessingStarted, sessionID, map[string]interface{}{
		"agent": ac.CurrentAgent,
	})

	current := o.routeTurn(ctx, sessionID, ac, content, sink)
	def, ok := o.agents.Get(current)
	if !ok {
		return fmt.Errorf("agent %q is not registered", current)
	}
	turnLog := o.logger.WithContext(ctx).WithSessionID(sessionID).WithAgent(current)

	usage := &llm.Usage{}
	for iteration := 0; iteration < o.cfg.MaxIterations; iteration++ {
		msgs, err := o.store.GetMessages(ctx, sessionID)
		if err != nil {
			return err
		}
		prompt := o.buildPrompt(def, sess.SystemPrompt, msgs)

		text, calls, err := o.streamStep(ctx, sessionID, prompt, def, sink, usage)
		if err != nil {
			return err
		}

		if len(calls) == 0 {
			if _, err := o.store.AppendMessage(ctx, sessionID, &session.Message{
				Role:    session.RoleAssistant,
				Content: text,
			}); err != nil {
				return err
			}
			if sink != nil {
				sink.SendAssistantDelta(sessionID, "", true)
			}
			o.publishEvent(ctx, events.AgentProcessingCompleted, sessionID, map[string]interface{}{
				"agent":             current,
				"duration_ms":       time.Since(start).Milliseconds(),
				"prompt_tokens":     usage.PromptTokens,
				"completion_tokens": usage.CompletionTokens,
				"iterations":        iteration + 1,
			})
			turnLog.Debug("turn completed",
				zap.Int("iterations", iteration+1),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
			return nil
		}

		// Assistant messages carrying tool calls persist immediately; the
		// store's write-through path guarantees durability before any tool
		// reply is accepted.
		if _, err := o.store.AppendMessage(ctx, sessionID, &session.Message{
			Role:      session.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		}); err != nil {
			return err
		}

		for _, call := range calls {
			if err := o.resolveToolCall(ctx, sessionID, current, call, sink); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: turn exceeded %d iterations", ErrIterationLimit, o.cfg.MaxIterations)
}

// routeTurn classifies the request when the orchestrator agent holds the
// session, switching to the chosen specialist.
func (o *Orchestrator) routeTurn(ctx context.Context, sessionID string, ac *session.AgentContext, content string, sink Sink) string {
	if ac.CurrentAgent != agent.Orchestrator {
		return ac.CurrentAgent
	}

	verdict := o.classifier.Classify(ctx, content)
	if verdict.Agent == "" || verdict.Agent == ac.CurrentAgent {
		return ac.CurrentAgent
	}

	after, err := o.store.SwitchAgent(ctx, sessionID, verdict.Agent, verdict.Reason, verdict.Confidence)
	if err != nil {
		o.logger.WithSessionID(sessionID).Warn("agent switch failed, staying on orchestrator", zap.Error(err))
		return ac.CurrentAgent
	}

	o.publishSwitch(ctx, sessionID, agent.Orchestrator, after.CurrentAgent, verdict.Reason, verdict.Confidence)
	if sink != nil {
		sink.SendAgentSwitched(sessionID, agent.Orchestrator, after.CurrentAgent, verdict.Reason, verdict.Confidence)
	}
	return after.CurrentAgent
}

// streamStep runs one LLM call, fanning text deltas to the sink and
// returning the accumulated text plus coalesced tool calls.
func (o *Orchestrator) streamStep(ctx context.Context, sessionID string, prompt []llm.Message, def *agent.Definition, sink Sink, usage *llm.Usage) (string, []session.ToolCall, error) {
	o.publishEvent(ctx, events.LLMRequestStarted, sessionID, map[string]interface{}{
		"model": o.cfg.Model,
	})

	stream, err := o.client.Stream(ctx, llm.Request{
		Model:    o.cfg.Model,
		Messages: prompt,
		Tools:    o.registry.Manifest(def.AllowedTools),
	})
	if err != nil {
		o.publishEvent(ctx, events.LLMRequestFailed, sessionID, map[string]interface{}{
			"error": err.Error(),
		})
		return "", nil, err
	}
	defer func() { _ = stream.Close() }()

	var text strings.Builder
	var calls []session.ToolCall
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.publishEvent(ctx, events.LLMRequestFailed, sessionID, map[string]interface{}{
				"error": err.Error(),
			})
			return "", nil, err
		}

		switch chunk.Kind {
		case llm.ChunkDelta:
			text.WriteString(chunk.Delta)
			if sink != nil {
				sink.SendAssistantDelta(sessionID, chunk.Delta, false)
			}
		case llm.ChunkToolCall:
			calls = append(calls, session.ToolCall{
				ID:        chunk.ToolCall.ID,
				Name:      chunk.ToolCall.Name,
				Arguments: chunk.ToolCall.Arguments,
			})
		case llm.ChunkUsage:
			usage.PromptTokens += chunk.Usage.PromptTokens
			usage.CompletionTokens += chunk.Usage.CompletionTokens
		case llm.ChunkDone:
		}
		if chunk.Kind == llm.ChunkDone {
			break
		}
	}

	o.publishEvent(ctx, events.LLMRequestCompleted, sessionID, map[string]interface{}{
		"tool_calls": len(calls),
	})
	return text.String(), calls, nil
}

// resolveToolCall drives one tool_call to a persisted tool reply, waiting on
// approvals or the IDE as required.
func (o *Orchestrator) resolveToolCall(ctx context.Context, sessionID, agentName string, tc session.ToolCall, sink Sink) error {
	call := tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}

	out, err := o.dispatcher.Dispatch(ctx, sessionID, agentName, call, false)
	if err != nil {
		return err
	}

	switch out.Disposition {
	case tools.DispositionExecuted:
		return o.appendToolReply(ctx, sessionID, call, out.Content)

	case tools.DispositionAwaitingApproval:
		if sink != nil {
			sink.SendApprovalRequired(sessionID, out.RequestID, call.Name, call.Arguments, out.Reason)
		}
		return o.awaitApproval(ctx, sessionID, agentName, call, out.RequestID, sink)

	case tools.DispositionRemote:
		if sink != nil {
			sink.SendToolCall(sessionID, call, false)
		}
		return o.awaitRemote(ctx, sessionID, call)

	default:
		return fmt.Errorf("unexpected tool disposition %q", out.Disposition)
	}
}

// awaitApproval suspends until the approval resolves, then either executes
// the (possibly edited) call or appends a synthetic rejection reply.
func (o *Orchestrator) awaitApproval(ctx context.Context, sessionID, agentName string, call tools.Call, requestID string, sink Sink) error {
	wait := o.approvals.Wait(requestID)
	defer o.approvals.CancelWait(requestID, wait)

	select {
	case outcome := <-wait:
		switch outcome.Status {
		case session.ApprovalApproved:
			if len(outcome.ModifiedDetails) > 0 {
				call.Arguments = outcome.ModifiedDetails
			}
			out, err := o.dispatcher.Dispatch(ctx, sessionID, agentName, call, true)
			if err != nil {
				return err
			}
			if out.Disposition == tools.DispositionRemote {
				if sink != nil {
					sink.SendToolCall(sessionID, call, false)
				}
				return o.awaitRemote(ctx, sessionID, call)
			}
			return o.appendToolReply(ctx, sessionID, call, out.Content)

		default:
			reason := outcome.Feedback
			if reason == "" {
				reason = string(outcome.Status)
			}
			body, _ := json.Marshal(map[string]interface{}{
				"rejected": true,
				"reason":   reason,
			})
			return o.appendToolReply(ctx, sessionID, call, string(body))
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitRemote suspends until the IDE returns a tool_result for the call.
func (o *Orchestrator) awaitRemote(ctx context.Context, sessionID string, call tools.Call) error {
	ch := o.registerRemoteWaiter(call.ID)
	select {
	case res := <-ch:
		content := res.content
		if res.isError {
			body, _ := json.Marshal(map[string]string{"error": res.content, "code": "remote_failed"})
			content = string(body)
		}
		return o.appendToolReply(ctx, sessionID, call, content)
	case <-ctx.Done():
		o.abandonRemoteWaiter(call.ID)
		return ctx.Err()
	}
}

func (o *Orchestrator) appendToolReply(ctx context.Context, sessionID string, call tools.Call, content string) error {
	_, err := o.store.AppendMessage(ctx, sessionID, &session.Message{
		Role:       session.RoleTool,
		Content:    content,
		Name:       call.Name,
		ToolCallID: call.ID,
	})
	return err
}

func (o *Orchestrator) publishSwitch(ctx context.Context, sessionID, from, to, reason string, confidence float64) {
	o.publishEvent(ctx, events.AgentSwitched, sessionID, map[string]interface{}{
		"from_agent": from,
		"to_agent":   to,
		"reason":     reason,
		"confidence": confidence,
	})
}

func (o *Orchestrator) publishEvent(ctx context.Context, t events.Type, sessionID string, payload map[string]interface{}) {
	opts := []events.Option{events.WithSessionID(sessionID)}
	if cid, ok := ctx.Value(logger.CorrelationIDKey).(string); ok && cid != "" {
		opts = append(opts, events.WithCorrelationID(cid))
	}
	ev := events.New(t, source, payload, opts...)
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("event_type", string(t)), zap.Error(err))
	}
}
