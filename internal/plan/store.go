package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/db"
	"github.com/devrelay/devrelay/internal/session"
)

// Store persists plans and subtasks. The tables live in the session schema;
// rows cascade away with their session.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore wraps the shared pool.
func NewStore(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{pool: pool, logger: log.WithFields(zap.String("component", "plan_store"))}
}

func (s *Store) rebind(q string) string { return s.pool.Writer().Rebind(q) }

// Create validates and persists a plan with its subtasks in pending state.
func (s *Store) Create(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.Status = StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO plans (id, session_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.SessionID, p.Title, string(p.Status), now, now); err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for i, st := range p.Subtasks {
		st.PlanID = p.ID
		st.Seq = i
		st.Status = SubtaskPending
		st.UpdatedAt = now
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return err
		}
		if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			INSERT INTO subtasks (id, plan_id, seq, agent, description, depends_on, status, result, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
		`), st.ID, p.ID, st.Seq, st.Agent, st.Description, string(deps), string(st.Status), now); err != nil {
			return fmt.Errorf("failed to insert subtask %s: %w", st.ID, err)
		}
	}
	return nil
}

// Get loads a plan with its subtasks.
func (s *Store) Get(ctx context.Context, planID string) (*Plan, error) {
	p := &Plan{}
	var status string
	err := s.pool.Reader().QueryRowContext(ctx, s.rebind(`
		SELECT id, session_id, title, status, created_at, updated_at
		FROM plans WHERE id = ?
	`), planID).Scan(&p.ID, &p.SessionID, &p.Title, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	p.Status = Status(status)

	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(`
		SELECT id, plan_id, seq, agent, description, depends_on, status, result, updated_at
		FROM subtasks WHERE plan_id = ? ORDER BY seq ASC
	`), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		st := &Subtask{}
		var depsJSON, stStatus string
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Seq, &st.Agent, &st.Description,
			&depsJSON, &stStatus, &st.Result, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Status = SubtaskStatus(stStatus)
		if depsJSON != "" && depsJSON != "null" {
			if err := json.Unmarshal([]byte(depsJSON), &st.DependsOn); err != nil {
				s.logger.Warn("corrupt depends_on column", zap.String("subtask_id", st.ID), zap.Error(err))
			}
		}
		p.Subtasks = append(p.Subtasks, st)
	}
	return p, rows.Err()
}

// GetBySession returns the newest plan for a session, or ErrNotFound.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*Plan, error) {
	var planID string
	err := s.pool.Reader().QueryRowContext(ctx, s.rebind(`
		SELECT id FROM plans WHERE session_id = ? ORDER BY created_at DESC LIMIT 1
	`), sessionID).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, planID)
}

// UpdateStatus moves a plan to a new lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, planID string, status Status) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE plans SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// UpdateSubtask persists a subtask's status and result.
func (s *Store) UpdateSubtask(ctx context.Context, subtaskID string, status SubtaskStatus, result string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE subtasks SET status = ?, result = ?, updated_at = ? WHERE id = ?
	`), string(status), result, time.Now().UTC(), subtaskID)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}
