package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendMessage validates and appends a message to the session log, assigning
// the next dense sequence number. The message pointer is returned with ID,
// Seq, and CreatedAt filled in.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.Role == RoleTool && msg.ToolCallID == "" {
		return nil, fmt.Errorf("%w: tool message without tool_call_id", ErrInvalidMessage)
	}

	err := s.locks.do(sessionID, func() error {
		ok, err := s.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		if msg.Role == RoleTool {
			if err := s.checkToolCallReference(ctx, sessionID, msg.ToolCallID); err != nil {
				return err
			}
		}

		seq, err := s.reserveSeq(ctx, sessionID)
		if err != nil {
			return err
		}

		msg.ID = uuid.New().String()
		msg.SessionID = sessionID
		msg.Seq = seq
		msg.CreatedAt = time.Now().UTC()

		if err := s.writeMessage(ctx, msg); err != nil {
			s.releaseSeq(sessionID, seq)
			return err
		}

		s.touch(ctx, sessionID, msg.CreatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// writeMessage inserts a fully-populated message row. Callers own locking and
// sequence assignment.
func (s *SQLStore) writeMessage(ctx context.Context, msg *Message) error {
	toolCallsJSON := ""
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCallsJSON = string(raw)
	}

	if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, session_id, seq, role, content, name, tool_call_id, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Seq, string(msg.Role), msg.Content, msg.Name,
		msg.ToolCallID, toolCallsJSON, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// checkToolCallReference verifies that a tool reply references a tool call
// issued by a prior assistant message in the same session. The LIKE clause
// only narrows the scan; ids are compared exactly on the decoded tool_calls,
// so an id that is a substring of another id or of an argument payload does
// not match.
func (s *SQLStore) checkToolCallReference(ctx context.Context, sessionID, toolCallID string) error {
	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(`
		SELECT tool_calls FROM messages
		WHERE session_id = ? AND role = 'assistant' AND tool_calls LIKE ?
	`), sessionID, "%"+toolCallID+"%")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var calls []ToolCall
		if err := json.Unmarshal([]byte(raw), &calls); err != nil {
			s.logger.Warn("corrupt tool_calls column", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		for _, tc := range calls {
			if tc.ID == toolCallID {
				return rows.Err()
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: tool_call_id %q has no matching assistant tool call", ErrInvalidMessage, toolCallID)
}

// reserveSeq hands out the next sequence number for a session, priming the
// cache from MAX(seq) on first use.
func (s *SQLStore) reserveSeq(ctx context.Context, sessionID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	next, ok := s.nextSeq[sessionID]
	if !ok {
		var maxSeq sql.NullInt64
		if err := s.pool.Reader().QueryRowContext(ctx, s.rebind(
			`SELECT MAX(seq) FROM messages WHERE session_id = ?`), sessionID).Scan(&maxSeq); err != nil {
			return 0, fmt.Errorf("failed to read max seq: %w", err)
		}
		if maxSeq.Valid {
			next = maxSeq.Int64 + 1
		}
	}
	s.nextSeq[sessionID] = next + 1
	return next, nil
}

// releaseSeq rolls back a reservation after a failed insert so the log stays
// dense.
func (s *SQLStore) releaseSeq(sessionID string, seq int64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.nextSeq[sessionID] == seq+1 {
		s.nextSeq[sessionID] = seq
	}
}

// UpdateLastAssistantToolCalls patches the tool_calls of the most recent
// assistant message. Used when tool calls arrive after the assistant text was
// already persisted mid-stream. Idempotent.
func (s *SQLStore) UpdateLastAssistantToolCalls(ctx context.Context, sessionID string, toolCalls []ToolCall) error {
	raw, err := json.Marshal(toolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	return s.locks.do(sessionID, func() error {
		var id string
		err := s.pool.Reader().QueryRowContext(ctx, s.rebind(`
			SELECT id FROM messages
			WHERE session_id = ? AND role = 'assistant'
			ORDER BY seq DESC LIMIT 1
		`), sessionID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find last assistant message: %w", err)
		}

		if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(
			`UPDATE messages SET tool_calls = ? WHERE id = ?`), string(raw), id); err != nil {
			return fmt.Errorf("failed to update tool calls: %w", err)
		}
		return nil
	})
}

// GetMessages returns the full ordered log for a session.
func (s *SQLStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	ok, err := s.exists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(`
		SELECT id, session_id, seq, role, content, name, tool_call_id, tool_calls, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		var role, toolCallsJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Content,
			&msg.Name, &msg.ToolCallID, &toolCallsJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = Role(role)
		if toolCallsJSON != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
				s.logger.Warn("corrupt tool_calls column",
					zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
