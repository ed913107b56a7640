package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/db"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/session"
)

func newTestDispatcher(t *testing.T, policy *approval.Policy) (*Dispatcher, *approval.Manager, session.Store) {
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

	// Put the IDE-side tool on the coder's allow-list.
	agentCfg := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(agentCfg, []byte(`
agents:
  - name: coder
    allowed_tools: [read_file, write_file, list_files, search_files, execute_command, get_open_editors]
`), 0o644))
	agents, err := agent.NewRegistry(agentCfg)
	require.NoError(t, err)

	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	registry := NewRegistry()
	require.NoError(t, ws.RegisterBuiltins(registry))
	require.NoError(t, registry.RegisterRemote(Declaration{
		Name:        "get_open_editors",
		Description: "IDE-side tool",
	}))

	return NewDispatcher(registry, agents, approvals, b, log), approvals, store
}

// openPolicy requires approval for nothing.
func openPolicy() *approval.Policy {
	return &approval.Policy{DefaultRequiresApproval: false}
}

func TestDispatcher_ExecutesAllowedLocalTool(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "s1", agent.Coder, Call{
		ID: "call_1", Name: "list_files", Arguments: json.RawMessage(`{}`),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionExecuted, out.Disposition)
	assert.False(t, out.IsError)
}

func TestDispatcher_UnknownToolIsStructuredError(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "s1", agent.Coder, Call{ID: "call_1", Name: "teleport"}, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionExecuted, out.Disposition)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "unknown_tool")
}

func TestDispatcher_AllowListEnforced(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	// The ask agent has no write_file on its allow-list.
	out, err := d.Dispatch(ctx, "s1", agent.Ask, Call{
		ID: "call_1", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"a.txt","content":"x"}`),
	}, false)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "access_denied")
}

func TestDispatcher_ArchitectFileRestriction(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "s1", agent.Architect, Call{
		ID: "call_1", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"src/main.go","content":"x"}`),
	}, false)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "path_restricted")

	out, err = d.Dispatch(ctx, "s1", agent.Architect, Call{
		ID: "call_2", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"docs/design.md","content":"# Design"}`),
	}, false)
	require.NoError(t, err)
	assert.False(t, out.IsError)
}

func TestDispatcher_SchemaViolation(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "s1", agent.Coder, Call{
		ID: "call_1", Name: "read_file", Arguments: json.RawMessage(`{"path":7}`),
	}, false)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "invalid_arguments")
}

func TestDispatcher_ApprovalGate(t *testing.T) {
	d, approvals, store := newTestDispatcher(t, nil) // default policy gates write_file
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	call := Call{
		ID: "call_1", Name: "write_file",
		Arguments: json.RawMessage(`{"path":"a.txt","content":"x"}`),
	}
	out, err := d.Dispatch(ctx, "s1", agent.Coder, call, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionAwaitingApproval, out.Disposition)
	assert.Equal(t, "call_1", out.RequestID)

	// The pending record is keyed by the tool_call id.
	p, err := approvals.GetPending(ctx, "call_1")
	require.NoError(t, err)
	assert.Equal(t, "write_file", p.Subject)

	// After approval the same call executes with preApproved set.
	require.NoError(t, approvals.Approve(ctx, "call_1", nil))
	out, err = d.Dispatch(ctx, "s1", agent.Coder, call, true)
	require.NoError(t, err)
	assert.Equal(t, DispositionExecuted, out.Disposition)
	assert.False(t, out.IsError)
}

func TestDispatcher_RemoteTool(t *testing.T) {
	d, _, store := newTestDispatcher(t, openPolicy())
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", "")
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "s1", agent.Coder, Call{ID: "call_1", Name: "get_open_editors"}, false)
	require.NoError(t, err)
	assert.Equal(t, DispositionRemote, out.Disposition)
}
