// Package plan implements the optional plan extension: an approved
// decomposition of a complex task into ordered subtasks with a dependency
// DAG, executed subtask-by-subtask across the specialist agents.
package plan

import (
	"fmt"
	"time"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SubtaskStatus is the per-subtask state.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskReady     SubtaskStatus = "ready"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskSkipped   SubtaskStatus = "skipped"
)

// Subtask is one node of the plan DAG.
type Subtask struct {
	ID          string        `json:"id"`
	PlanID      string        `json:"plan_id"`
	Seq         int           `json:"seq"`
	Agent       string        `json:"agent"`
	Description string        `json:"description"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Status      SubtaskStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Plan is an ordered decomposition bound to a session.
type Plan struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	Subtasks  []*Subtask `json:"subtasks"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks subtask references and rejects dependency cycles.
func (p *Plan) Validate() error {
	byID := make(map[string]*Subtask, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask without id")
		}
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		byID[st.ID] = st
	}

	for _, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("subtask %q depends on unknown subtask %q", st.ID, dep)
			}
		}
	}

	// Cycle detection by iterative DFS coloring.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Subtasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle through subtask %q", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, st := range p.Subtasks {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// Ready returns the subtasks whose dependencies are all completed and that
// have not started yet, in Seq order.
func (p *Plan) Ready() []*Subtask {
	done := make(map[string]bool, len(p.Subtasks))
	for _, st := range p.Subtasks {
		done[st.ID] = st.Status == SubtaskCompleted
	}

	var ready []*Subtask
	for _, st := range p.Subtasks {
		if st.Status != SubtaskPending && st.Status != SubtaskReady {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// Terminal reports whether no further subtask can make progress.
func (p *Plan) Terminal() bool {
	for _, st := range p.Subtasks {
		if st.Status == SubtaskRunning {
			return false
		}
	}
	return len(p.Ready()) == 0
}
