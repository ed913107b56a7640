package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/db"
)

// SQLStore implements Store on a db.Pool (SQLite or PostgreSQL).
// Every write goes straight to the database; see DebouncedStore for the
// staged variant.
type SQLStore struct {
	pool   *db.Pool
	locks  *keyLocks
	logger *logger.Logger

	seqMu   sync.Mutex
	nextSeq map[string]int64
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		pool:    pool,
		locks:   newKeyLocks(),
		logger:  log.WithFields(zap.String("component", "session_store")),
		nextSeq: make(map[string]int64),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schemaStatements(s.driver()) {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) driver() string {
	return s.pool.Writer().DriverName()
}

// rebind converts ?-style placeholders for the active driver.
func (s *SQLStore) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}

// Recover rehydrates runtime state after a restart: expired approvals are
// swept and surviving pending records are counted for the log.
func (s *SQLStore) Recover(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := s.SweepExpiredApprovals(ctx, now)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	var sessions, pending int
	if err := s.pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE deleted = 0`).Scan(&sessions); err != nil {
		return fmt.Errorf("recovery count failed: %w", err)
	}
	if err := s.pool.Reader().QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM pending_approvals WHERE status = ?`), ApprovalPending).Scan(&pending); err != nil {
		return fmt.Errorf("recovery count failed: %w", err)
	}

	s.logger.Info("session store recovered",
		zap.Int("sessions", sessions),
		zap.Int("pending_approvals", pending),
		zap.Int("expired_swept", len(expired)))
	return nil
}

// Create inserts a new session with its default agent context.
// Fails with ErrAlreadyExists when a non-deleted row exists.
func (s *SQLStore) Create(ctx context.Context, sessionID, systemPrompt string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:           sessionID,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.locks.do(sessionID, func() error {
		var deleted int
		err := s.pool.Reader().QueryRowContext(ctx, s.rebind(
			`SELECT deleted FROM sessions WHERE id = ?`), sessionID).Scan(&deleted)
		switch {
		case err == nil && deleted == 0:
			return ErrAlreadyExists
		case err == nil:
			// Soft-deleted row with the same id: purge it so the id can be reused.
			if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(
				`DELETE FROM sessions WHERE id = ?`), sessionID); err != nil {
				return fmt.Errorf("failed to purge deleted session: %w", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check session: %w", err)
		}

		if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			INSERT INTO sessions (id, system_prompt, deleted, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
		`), sessionID, systemPrompt, now, now); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			INSERT INTO agent_contexts (session_id, current_agent, switch_count, updated_at)
			VALUES (?, ?, 0, ?)
		`), sessionID, defaultAgent, now); err != nil {
			return fmt.Errorf("failed to insert agent context: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by id. Soft-deleted sessions are never returned.
func (s *SQLStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	var deleted int
	var deletedAt sql.NullTime
	err := s.pool.Reader().QueryRowContext(ctx, s.rebind(`
		SELECT id, system_prompt, deleted, deleted_at, created_at, updated_at
		FROM sessions WHERE id = ? AND deleted = 0
	`), sessionID).Scan(&sess.ID, &sess.SystemPrompt, &deleted, &deletedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.Deleted = deleted == 1
	if deletedAt.Valid {
		sess.DeletedAt = &deletedAt.Time
	}
	return sess, nil
}

// List returns sessions ordered by creation time descending.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	query := `
		SELECT id, system_prompt, deleted, deleted_at, created_at, updated_at
		FROM sessions`
	if opts.ActiveOnly {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY created_at DESC`

	args := []interface{}{}
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess := &Session{}
		var deleted int
		var deletedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.SystemPrompt, &deleted, &deletedAt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Deleted = deleted == 1
		if deletedAt.Valid {
			sess.DeletedAt = &deletedAt.Time
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// SoftDelete hides the session from new traffic. The row is retained until
// Cleanup purges it after the audit TTL.
func (s *SQLStore) SoftDelete(ctx context.Context, sessionID string) error {
	return s.locks.do(sessionID, func() error {
		now := time.Now().UTC()
		res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			UPDATE sessions SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0
		`), now, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to soft-delete session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Cleanup hard-deletes soft-deleted sessions older than the given cutoff.
// FK cascades remove messages, contexts, approvals, and plans.
func (s *SQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		DELETE FROM sessions WHERE deleted = 1 AND deleted_at < ?
	`), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.logger.Info("purged soft-deleted sessions", zap.Int64("count", affected))
	}
	return int(affected), nil
}

// Flush is a no-op for the write-through store.
func (s *SQLStore) Flush(ctx context.Context) error { return nil }

// Close releases in-memory state. The pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

// exists reports whether a non-deleted session row exists.
func (s *SQLStore) exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.pool.Reader().QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM sessions WHERE id = ? AND deleted = 0`), sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// touch bumps the session's updated_at.
func (s *SQLStore) touch(ctx context.Context, sessionID string, now time.Time) {
	if _, err := s.pool.Writer().ExecContext(ctx, s.rebind(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, sessionID); err != nil {
		s.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// isUniqueViolation detects duplicate-key failures on both engines.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
