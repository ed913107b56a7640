package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// GetContext returns the per-session agent routing state.
func (s *SQLStore) GetContext(ctx context.Context, sessionID string) (*AgentContext, error) {
	return s.getContext(ctx, sessionID)
}

func (s *SQLStore) getContext(ctx context.Context, sessionID string) (*AgentContext, error) {
	ac := &AgentContext{SessionID: sessionID}
	var metadataJSON, historyJSON string
	err := s.pool.Reader().QueryRowContext(ctx, s.rebind(`
		SELECT current_agent, switch_count, task_description, metadata, history, updated_at
		FROM agent_contexts WHERE session_id = ?
	`), sessionID).Scan(&ac.CurrentAgent, &ac.SwitchCount, &ac.TaskDescription,
		&metadataJSON, &historyJSON, &ac.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent context: %w", err)
	}

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &ac.Metadata); err != nil {
			s.logger.Warn("corrupt agent context metadata",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if historyJSON != "" && historyJSON != "[]" {
		if err := json.Unmarshal([]byte(historyJSON), &ac.History); err != nil {
			s.logger.Warn("corrupt agent context history",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return ac, nil
}

// SwitchAgent atomically moves the session to the target agent, recording the
// transition in the history ring. Switching to the current agent is a no-op
// that still returns the context.
func (s *SQLStore) SwitchAgent(ctx context.Context, sessionID, target, reason string, confidence float64) (*AgentContext, error) {
	var result *AgentContext
	err := s.locks.do(sessionID, func() error {
		ac, err := s.getContext(ctx, sessionID)
		if err != nil {
			return err
		}
		if ac.CurrentAgent == target {
			result = ac
			return nil
		}

		now := time.Now().UTC()
		ac.pushHistory(AgentSwitch{
			From:       ac.CurrentAgent,
			To:         target,
			Reason:     reason,
			Confidence: confidence,
			Timestamp:  now,
		})
		ac.CurrentAgent = target
		ac.SwitchCount++
		ac.UpdatedAt = now

		historyJSON, err := json.Marshal(ac.History)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			UPDATE agent_contexts
			SET current_agent = ?, switch_count = ?, history = ?, updated_at = ?
			WHERE session_id = ?
		`), target, ac.SwitchCount, string(historyJSON), now, sessionID); err != nil {
			return fmt.Errorf("failed to switch agent: %w", err)
		}

		s.touch(ctx, sessionID, now)
		result = ac
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
