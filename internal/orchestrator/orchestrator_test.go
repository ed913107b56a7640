package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/db"
	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/llm"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/internal/tools"
)

// scriptedClient replays one chunk script per Stream call, in order.
type scriptedClient struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
}

type scriptedStream struct {
	chunks []llm.Chunk
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

func (c *scriptedClient) Stream(_ context.Context, _ llm.Request) (llm.StreamReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scripts) == 0 {
		return nil, fmt.Errorf("no scripted response for call %d", c.calls+1)
	}
	script := c.scripts[0]
	c.scripts = c.scripts[1:]
	c.calls++
	return &scriptedStream{chunks: script}, nil
}

func textScript(tokens ...string) []llm.Chunk {
	var out []llm.Chunk
	for _, tok := range tokens {
		out = append(out, llm.Chunk{Kind: llm.ChunkDelta, Delta: tok})
	}
	return append(out, llm.Chunk{Kind: llm.ChunkDone})
}

func toolCallScript(text, id, name, args string) []llm.Chunk {
	var out []llm.Chunk
	if text != "" {
		out = append(out, llm.Chunk{Kind: llm.ChunkDelta, Delta: text})
	}
	out = append(out, llm.Chunk{
		Kind:     llm.ChunkToolCall,
		ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)},
	})
	return append(out, llm.Chunk{Kind: llm.ChunkDone})
}

func classifyScript(agentName string) []llm.Chunk {
	return textScript(fmt.Sprintf(
		`{"is_atomic": true, "agent": %q, "confidence": 0.9, "reason": "scripted"}`, agentName))
}

// recordingSink captures frames emitted during a turn.
type recordingSink struct {
	mu        sync.Mutex
	deltas    []string
	finals    int
	switches  []string
	toolCalls []string
	approvals []string
	errors    []string
}

func (r *recordingSink) SendAssistantDelta(_ string, token string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if final {
		r.finals++
		return
	}
	r.deltas = append(r.deltas, token)
}

func (r *recordingSink) SendToolCall(_ string, call tools.Call, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, call.Name)
}

func (r *recordingSink) SendAgentSwitched(_ string, from, to, _ string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.switches = append(r.switches, from+"->"+to)
}

func (r *recordingSink) SendApprovalRequired(_ string, requestID, _ string, _ json.RawMessage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, requestID)
}

func (r *recordingSink) SendError(_ string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recordingSink) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, d := range r.deltas {
		s += d
	}
	return s
}

type fixture struct {
	orch      *Orchestrator
	store     session.Store
	approvals *approval.Manager
	client    *scriptedClient
	bus       *bus.Bus
}

func newFixture(t *testing.T, policy *approval.Policy, cfg Config, scripts ...[]llm.Chunk) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 4, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := session.NewSQLStore(pool, log)
	require.NoError(t, err)

	b := bus.New(log)
	t.Cleanup(b.Close)

	policies, err := approval.NewPolicyStore("")
	require.NoError(t, err)
	if policy != nil {
		policies.Swap(policy)
	}
	approvals := approval.NewManager(store, b, policies, log, approval.Config{})

	agents, err := agent.NewRegistry("")
	require.NoError(t, err)

	ws, err := tools.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	registry := tools.NewRegistry()
	require.NoError(t, ws.RegisterBuiltins(registry))

	client := &scriptedClient{scripts: scripts}
	classifier := agent.NewClassifier(client, agents, "", log)
	dispatcher := tools.NewDispatcher(registry, agents, approvals, b, log)

	orch := New(store, agents, classifier, client, dispatcher, approvals, registry, b, cfg, log)
	return &fixture{orch: orch, store: store, approvals: approvals, client: client, bus: b}
}

func openPolicy() *approval.Policy {
	return &approval.Policy{DefaultRequiresApproval: false}
}

func roles(t *testing.T, store session.Store, sessionID string) []session.Role {
	t.Helper()
	msgs, err := store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	out := make([]session.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestTurn_PlainAnswer(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{},
		textScript("Hello", ", world."))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Ask, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, f.orch.HandleUserMessage(ctx, "s1", "hi there", sink))

	assert.Equal(t, "Hello, world.", sink.text())
	assert.Equal(t, 1, sink.finals)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant}, roles(t, f.store, "s1"))
}

func TestTurn_ClassifiesAndSwitches(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{},
		classifyScript("coder"),
		textScript("On it."))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, f.orch.HandleUserMessage(ctx, "s1", "refactor main.py", sink))

	assert.Equal(t, []string{"orchestrator->coder"}, sink.switches)

	ac, err := f.store.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, agent.Coder, ac.CurrentAgent)
	assert.Equal(t, 1, ac.SwitchCount)
}

func TestTurn_ToolLoop(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{},
		toolCallScript("Checking. ", "call_1", "list_files", `{}`),
		textScript("The workspace is empty."))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Coder, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, f.orch.HandleUserMessage(ctx, "s1", "what files are there?", sink))

	assert.Equal(t,
		[]session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant},
		roles(t, f.store, "s1"))

	msgs, err := f.store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
}

func TestTurn_RejectedApproval(t *testing.T) {
	f := newFixture(t, nil, Config{}, // default policy gates write_file
		toolCallScript("", "call_1", "write_file", `{"path":"a.txt","content":"x"}`),
		textScript("Understood, skipped."))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Coder, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- f.orch.HandleUserMessage(ctx, "s1", "write test.py", sink) }()

	// Wait for the pending approval, then reject it.
	require.Eventually(t, func() bool {
		_, err := f.approvals.GetPending(ctx, "call_1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.approvals.Reject(ctx, "call_1", "no"))

	require.NoError(t, <-done)

	msgs, err := f.store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, session.RoleTool, msgs[2].Role)
	assert.JSONEq(t, `{"rejected":true,"reason":"no"}`, msgs[2].Content)
	assert.Equal(t, []string{"call_1"}, sink.approvals)

	// Terminal approvals leave no pending records behind.
	pending, err := f.approvals.ListPending(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTurn_ApprovedWithEditedArguments(t *testing.T) {
	f := newFixture(t, nil, Config{},
		toolCallScript("", "call_1", "write_file", `{"path":"test.py","content":"print(1)"}`),
		textScript("Created."))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Coder, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- f.orch.HandleUserMessage(ctx, "s1", "write test.py", sink) }()

	require.Eventually(t, func() bool {
		_, err := f.approvals.GetPending(ctx, "call_1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.approvals.Approve(ctx, "call_1",
		json.RawMessage(`{"path":"test_v2.py","content":"print(1)"}`)))

	require.NoError(t, <-done)

	msgs, err := f.store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "test_v2.py")
}

func TestTurn_RemoteToolResult(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{},
		toolCallScript("", "call_1", "ide_read_selection", `{}`),
		textScript("Got it."))

	ctx := context.Background()
	require.NoError(t, f.orch.registry.RegisterRemote(tools.Declaration{
		Name: "ide_read_selection", Description: "IDE-side tool",
	}))
	// Allow the coder to call it.
	def, _ := f.orch.agents.Get(agent.Coder)
	def.AllowedTools = append(def.AllowedTools, "ide_read_selection")

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Coder, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- f.orch.HandleUserMessage(ctx, "s1", "use the ide", sink) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.toolCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.orch.ProvideToolResult("call_1", "selected text", false))
	require.NoError(t, <-done)

	msgs, err := f.store.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "selected text", msgs[2].Content)

	// A late duplicate reply is an orphan.
	assert.False(t, f.orch.ProvideToolResult("call_1", "again", false))
}

func TestTurn_IterationLimit(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{MaxIterations: 2},
		toolCallScript("", "call_1", "list_files", `{}`),
		toolCallScript("", "call_2", "list_files", `{}`),
		toolCallScript("", "call_3", "list_files", `{}`))
	ctx := context.Background()

	_, err := f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.store.SwitchAgent(ctx, "s1", agent.Coder, "test setup", 1)
	require.NoError(t, err)

	sink := &recordingSink{}
	err = f.orch.HandleUserMessage(ctx, "s1", "loop forever", sink)
	assert.ErrorIs(t, err, ErrIterationLimit)
	assert.NotEmpty(t, sink.errors)
}

func TestTurn_EventsShareCorrelationID(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{},
		classifyScript("ask"),
		textScript("Hello."))
	ctx := context.Background()

	var mu sync.Mutex
	var seen []*events.Event
	_, err := f.bus.Subscribe(bus.ForAll(), 0, func(_ context.Context, e *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)

	_, err = f.store.Create(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleUserMessage(ctx, "s1", "hi", &recordingSink{}))

	// Publish is asynchronous; wait for the terminal event of the turn.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.Type == events.AgentProcessingCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var corr string
	orchEvents := 0
	for _, e := range seen {
		if e.Source != "orchestrator" {
			continue
		}
		orchEvents++
		require.NotEmpty(t, e.CorrelationID, "event %s has no correlation id", e.Type)
		if corr == "" {
			corr = e.CorrelationID
		}
		assert.Equal(t, corr, e.CorrelationID, "event %s broke the turn correlation", e.Type)
	}
	// At minimum: processing started, agent switched, LLM request start and
	// completion, processing completed.
	assert.GreaterOrEqual(t, orchEvents, 5)
}

func TestTurn_MissingSession(t *testing.T) {
	f := newFixture(t, openPolicy(), Config{})
	err := f.orch.HandleUserMessage(context.Background(), "nope", "hi", &recordingSink{})
	assert.ErrorIs(t, err, session.ErrNotFound)
}
