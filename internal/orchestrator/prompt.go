package orchestrator

import (
	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/llm"
	"github.com/devrelay/devrelay/internal/session"
)

// charsPerToken is the rough estimate used for windowing. Real tokenizers
// vary by model; an estimate is enough to keep prompts under the budget.
const charsPerToken = 4

// buildPrompt assembles the working prompt: agent system prompt, optional
// session system prompt, then the newest window of the message log that fits
// the token budget. Windowing never splits a tool reply from the assistant
// message that requested it.
func (o *Orchestrator) buildPrompt(def *agent.Definition, sessionPrompt string, msgs []*session.Message) []llm.Message {
	out := []llm.Message{{Role: "system", Content: def.SystemPrompt}}
	budget := o.cfg.TokenBudget - estimateTokens(def.SystemPrompt)

	if sessionPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: sessionPrompt})
		budget -= estimateTokens(sessionPrompt)
	}

	start := windowStart(msgs, budget)
	for _, m := range msgs[start:] {
		out = append(out, llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  toLLMToolCalls(m.ToolCalls),
		})
	}
	return out
}

// windowStart walks back from the tail until the budget is spent, then moves
// forward past any leading tool replies so the window never opens with a
// reply whose requesting assistant message was cut off.
func windowStart(msgs []*session.Message, budget int) int {
	if budget <= 0 {
		budget = 1
	}
	start := len(msgs)
	spent := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := estimateTokens(msgs[i].Content) + 8
		if spent+cost > budget && start < len(msgs) {
			break
		}
		spent += cost
		start = i
	}
	for start < len(msgs) && msgs[start].Role == session.RoleTool {
		start++
	}
	return start
}

func estimateTokens(s string) int {
	return len(s)/charsPerToken + 1
}

func toLLMToolCalls(calls []session.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
