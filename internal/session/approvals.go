package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AddPendingApproval records a request awaiting a user decision. A second
// insert with the same request id fails with ErrDuplicateApproval.
func (s *SQLStore) AddPendingApproval(ctx context.Context, approval *PendingApproval) error {
	if approval.RequestID == "" {
		return fmt.Errorf("approval request id is required")
	}
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}

	return s.locks.do(approval.SessionID, func() error {
		ok, err := s.exists(ctx, approval.SessionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		details := "{}"
		if len(approval.Details) > 0 {
			details = string(approval.Details)
		}

		_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
			INSERT INTO pending_approvals (request_id, session_id, request_type, subject, details, reason, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), approval.RequestID, approval.SessionID, string(approval.RequestType),
			approval.Subject, details, approval.Reason, string(approval.Status),
			approval.CreatedAt, approval.ExpiresAt)
		if isUniqueViolation(err) {
			return ErrDuplicateApproval
		}
		if err != nil {
			return fmt.Errorf("failed to insert pending approval: %w", err)
		}
		return nil
	})
}

// GetPendingApproval returns an approval by request id. A record read after
// its deadline is reported as expired even if the sweeper has not run yet.
func (s *SQLStore) GetPendingApproval(ctx context.Context, requestID string) (*PendingApproval, error) {
	a, err := s.scanApproval(s.pool.Reader().QueryRowContext(ctx, s.rebind(`
		SELECT request_id, session_id, request_type, subject, details, reason, status, created_at, expires_at
		FROM pending_approvals WHERE request_id = ?
	`), requestID))
	if err != nil {
		return nil, err
	}
	if a.Status == ApprovalPending && a.Expired(time.Now().UTC()) {
		a.Status = ApprovalExpired
	}
	return a, nil
}

// ListPendingApprovals returns the still-pending approvals for a session,
// oldest first. Lazily-expired records are excluded.
func (s *SQLStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]*PendingApproval, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(`
		SELECT request_id, session_id, request_type, subject, details, reason, status, created_at, expires_at
		FROM pending_approvals
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC
	`), sessionID, string(ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	var result []*PendingApproval
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		if a.Expired(now) {
			continue
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateApprovalStatus resolves a pending approval. Only records still in
// pending state transition; a second decision returns ErrNotFound.
func (s *SQLStore) UpdateApprovalStatus(ctx context.Context, requestID string, status ApprovalStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE pending_approvals SET status = ? WHERE request_id = ? AND status = ?
	`), string(status), requestID, string(ApprovalPending))
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteApproval removes an approval record entirely.
func (s *SQLStore) DeleteApproval(ctx context.Context, requestID string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(
		`DELETE FROM pending_approvals WHERE request_id = ?`), requestID)
	if err != nil {
		return fmt.Errorf("failed to delete approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredApprovals marks every pending approval past its deadline as
// expired and returns the swept records so callers can emit notifications.
func (s *SQLStore) SweepExpiredApprovals(ctx context.Context, now time.Time) ([]*PendingApproval, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(`
		SELECT request_id, session_id, request_type, subject, details, reason, status, created_at, expires_at
		FROM pending_approvals
		WHERE status = ? AND expires_at < ?
	`), string(ApprovalPending), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []*PendingApproval
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for _, a := range expired {
		res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
			UPDATE pending_approvals SET status = ? WHERE request_id = ? AND status = ?
		`), string(ApprovalExpired), a.RequestID, string(ApprovalPending))
		if err != nil {
			return nil, fmt.Errorf("failed to expire approval %s: %w", a.RequestID, err)
		}
		// Lost the race to a concurrent decision: drop from the result.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		a.Status = ApprovalExpired
	}

	swept := expired[:0]
	for _, a := range expired {
		if a.Status == ApprovalExpired {
			swept = append(swept, a)
		}
	}
	if len(swept) > 0 {
		s.logger.Info("expired pending approvals", zap.Int("count", len(swept)))
	}
	return swept, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanApproval(row rowScanner) (*PendingApproval, error) {
	a := &PendingApproval{}
	var reqType, status, details string
	err := row.Scan(&a.RequestID, &a.SessionID, &reqType, &a.Subject,
		&details, &a.Reason, &status, &a.CreatedAt, &a.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	a.RequestType = RequestType(reqType)
	a.Status = ApprovalStatus(status)
	if details != "" && details != "{}" {
		a.Details = []byte(details)
	}
	return a, nil
}
