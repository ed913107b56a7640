package plan

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/db"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/session"
)

func newTestExecutor(t *testing.T, runner Runner) (*Executor, *Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"), 4, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	// The session store owns the schema.
	sessions, err := session.NewSQLStore(pool, log)
	require.NoError(t, err)
	_, err = sessions.Create(context.Background(), "s1", "")
	require.NoError(t, err)

	b := bus.New(log)
	t.Cleanup(b.Close)

	store := NewStore(pool, log)
	return NewExecutor(store, runner, b, log), store
}

// orderRunner records execution order.
type orderRunner struct {
	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (r *orderRunner) RunSubtask(_ context.Context, _ string, st *Subtask) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, st.ID)
	if r.fail[st.ID] {
		return "", errors.New("boom")
	}
	return "done " + st.ID, nil
}

func diamondPlan() *Plan {
	return &Plan{
		SessionID: "s1",
		Title:     "refactor",
		Subtasks: []*Subtask{
			{ID: "a", Agent: "architect", Description: "design"},
			{ID: "b", Agent: "coder", Description: "impl left", DependsOn: []string{"a"}},
			{ID: "c", Agent: "coder", Description: "impl right", DependsOn: []string{"a"}},
			{ID: "d", Agent: "debug", Description: "verify", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestPlan_ValidateRejectsCycles(t *testing.T) {
	p := &Plan{
		SessionID: "s1",
		Subtasks: []*Subtask{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	assert.ErrorContains(t, p.Validate(), "cycle")

	p = &Plan{Subtasks: []*Subtask{{ID: "a", DependsOn: []string{"ghost"}}}}
	assert.ErrorContains(t, p.Validate(), "unknown subtask")

	assert.NoError(t, diamondPlan().Validate())
}

func TestExecutor_RunsDAGInDependencyOrder(t *testing.T) {
	runner := &orderRunner{}
	e, store := newTestExecutor(t, runner)
	ctx := context.Background()

	p := diamondPlan()
	require.NoError(t, store.Create(ctx, p))
	require.NoError(t, e.Execute(ctx, p.ID))

	require.Equal(t, []string{"a", "b", "c", "d"}, runner.order)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	for _, st := range got.Subtasks {
		assert.Equal(t, SubtaskCompleted, st.Status)
		assert.Equal(t, "done "+st.ID, st.Result)
	}
}

func TestExecutor_FailureSkipsDependents(t *testing.T) {
	runner := &orderRunner{fail: map[string]bool{"b": true}}
	e, store := newTestExecutor(t, runner)
	ctx := context.Background()

	p := diamondPlan()
	require.NoError(t, store.Create(ctx, p))
	err := e.Execute(ctx, p.ID)
	assert.ErrorContains(t, err, "failed")

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	byID := map[string]*Subtask{}
	for _, st := range got.Subtasks {
		byID[st.ID] = st
	}
	assert.Equal(t, SubtaskCompleted, byID["a"].Status)
	assert.Equal(t, SubtaskFailed, byID["b"].Status)
	assert.Equal(t, SubtaskCompleted, byID["c"].Status)
	assert.Equal(t, SubtaskSkipped, byID["d"].Status)
}

func TestExecutor_CancelIsIdempotent(t *testing.T) {
	runner := &orderRunner{}
	e, store := newTestExecutor(t, runner)
	ctx := context.Background()

	p := diamondPlan()
	require.NoError(t, store.Create(ctx, p))

	require.NoError(t, e.Cancel(ctx, p.ID))
	require.NoError(t, e.Cancel(ctx, p.ID))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Executing a cancelled plan is a no-op.
	require.NoError(t, e.Execute(ctx, p.ID))
	assert.Empty(t, runner.order)
}
