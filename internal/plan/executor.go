package plan

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/events/bus"
)

const source = "plan_executor"

// Runner executes one subtask on its assigned agent and returns the result
// text. The orchestrator provides the production implementation.
type Runner interface {
	RunSubtask(ctx context.Context, sessionID string, st *Subtask) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, sessionID string, st *Subtask) (string, error)

func (f RunnerFunc) RunSubtask(ctx context.Context, sessionID string, st *Subtask) (string, error) {
	return f(ctx, sessionID, st)
}

// Executor walks an approved plan's DAG, running ready subtasks in Seq order
// until the plan terminates. Subtasks whose dependencies failed are skipped.
type Executor struct {
	store  *Store
	runner Runner
	bus    *bus.Bus
	logger *logger.Logger
}

// NewExecutor wires the executor.
func NewExecutor(store *Store, runner Runner, b *bus.Bus, log *logger.Logger) *Executor {
	return &Executor{
		store:  store,
		runner: runner,
		bus:    b,
		logger: log.WithFields(zap.String("component", source)),
	}
}

// Execute runs the plan to a terminal state. It is resumable: already
// completed subtasks are not re-run.
func (e *Executor) Execute(ctx context.Context, planID string) error {
	p, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status == StatusCancelled || p.Status == StatusCompleted {
		return nil
	}
	if err := e.store.UpdateStatus(ctx, planID, StatusExecuting); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p, err = e.store.Get(ctx, planID)
		if err != nil {
			return err
		}
		// Cancellation may land between steps.
		if p.Status == StatusCancelled {
			return nil
		}

		ready := p.Ready()
		if len(ready) == 0 {
			break
		}

		st := ready[0]
		if err := e.runOne(ctx, p, st); err != nil {
			return err
		}
	}

	return e.finalize(ctx, planID)
}

func (e *Executor) runOne(ctx context.Context, p *Plan, st *Subtask) error {
	if err := e.store.UpdateSubtask(ctx, st.ID, SubtaskRunning, ""); err != nil {
		return err
	}

	result, err := e.runner.RunSubtask(ctx, p.SessionID, st)
	if err != nil {
		e.logger.Warn("subtask failed",
			zap.String("plan_id", p.ID),
			zap.String("subtask_id", st.ID),
			zap.Error(err))
		if uerr := e.store.UpdateSubtask(ctx, st.ID, SubtaskFailed, err.Error()); uerr != nil {
			return uerr
		}
		st.Status = SubtaskFailed
		return e.skipDependents(ctx, p, st.ID)
	}

	return e.store.UpdateSubtask(ctx, st.ID, SubtaskCompleted, result)
}

// skipDependents marks every transitive dependent of a failed subtask as
// skipped.
func (e *Executor) skipDependents(ctx context.Context, p *Plan, failedID string) error {
	blocked := map[string]bool{failedID: true}
	changed := true
	for changed {
		changed = false
		for _, st := range p.Subtasks {
			if blocked[st.ID] {
				continue
			}
			for _, dep := range st.DependsOn {
				if blocked[dep] {
					blocked[st.ID] = true
					changed = true
					break
				}
			}
		}
	}

	for id := range blocked {
		if id == failedID {
			continue
		}
		if err := e.store.UpdateSubtask(ctx, id, SubtaskSkipped, "dependency failed"); err != nil {
			return err
		}
	}
	return nil
}

// finalize computes the terminal plan status from the subtask states.
func (e *Executor) finalize(ctx context.Context, planID string) error {
	p, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status == StatusCancelled {
		return nil
	}

	status := StatusCompleted
	for _, st := range p.Subtasks {
		if st.Status == SubtaskFailed || st.Status == SubtaskSkipped {
			status = StatusFailed
			break
		}
	}
	if err := e.store.UpdateStatus(ctx, planID, status); err != nil {
		return err
	}

	e.publish(ctx, p.SessionID, map[string]interface{}{
		"plan_id": planID,
		"status":  string(status),
	})
	if status == StatusFailed {
		return fmt.Errorf("plan %s failed", planID)
	}
	return nil
}

// Cancel stops a plan. Idempotent: cancelling a terminal plan is a no-op.
func (e *Executor) Cancel(ctx context.Context, planID string) error {
	p, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	}
	return e.store.UpdateStatus(ctx, planID, StatusCancelled)
}

func (e *Executor) publish(ctx context.Context, sessionID string, payload map[string]interface{}) {
	ev := events.New(events.AgentProcessingCompleted, source, payload,
		events.WithSessionID(sessionID))
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish plan event", zap.Error(err))
	}
}
