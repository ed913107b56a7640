package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/session"
)

const source = "approval_manager"

// Outcome is what a waiter receives once a pending approval is resolved.
type Outcome struct {
	RequestID       string
	Status          session.ApprovalStatus
	ModifiedDetails json.RawMessage
	Feedback        string
}

// Manager owns the pending-approval queue. All persistence goes through the
// session store; the manager adds policy evaluation, decision application,
// waiter wakeup, and the expiry sweep.
type Manager struct {
	store          session.Store
	bus            *bus.Bus
	policies       *PolicyStore
	logger         *logger.Logger
	defaultTimeout time.Duration
	sweepInterval  time.Duration

	mu      sync.Mutex
	waiters map[string][]chan Outcome

	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// Config carries the manager knobs.
type Config struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
}

// NewManager wires the manager. Zero config fields select 5m timeout and 30s
// sweep.
func NewManager(store session.Store, b *bus.Bus, policies *PolicyStore, log *logger.Logger, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Manager{
		store:          store,
		bus:            b,
		policies:       policies,
		logger:         log.WithFields(zap.String("component", source)),
		defaultTimeout: cfg.DefaultTimeout,
		sweepInterval:  cfg.SweepInterval,
		waiters:        make(map[string][]chan Outcome),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Evaluate applies the current policy to a request.
func (m *Manager) Evaluate(requestType, subject string) Decision {
	return m.policies.Current().Evaluate(requestType, subject)
}

// ReloadPolicy re-reads the policy file.
func (m *Manager) ReloadPolicy() error {
	return m.policies.Reload()
}

// AddPending persists a pending approval and publishes approval_requested.
// A zero ExpiresAt gets the default timeout from CreatedAt.
func (m *Manager) AddPending(ctx context.Context, p *session.PendingApproval) error {
	if p.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.CreatedAt.Add(m.defaultTimeout)
	}
	p.Status = session.ApprovalPending

	if err := m.store.AddPendingApproval(ctx, p); err != nil {
		return err
	}

	m.publish(ctx, events.ApprovalRequested, p.SessionID, map[string]interface{}{
		"request_id":   p.RequestID,
		"request_type": string(p.RequestType),
		"subject":      p.Subject,
		"details":      json.RawMessage(p.Details),
		"reason":       p.Reason,
		"expires_at":   p.ExpiresAt,
	}, p.RequestID)

	m.logger.Info("approval requested",
		zap.String("request_id", p.RequestID),
		zap.String("session_id", p.SessionID),
		zap.String("subject", p.Subject))
	return nil
}

// GetPending returns the record by request id.
func (m *Manager) GetPending(ctx context.Context, requestID string) (*session.PendingApproval, error) {
	return m.store.GetPendingApproval(ctx, requestID)
}

// ListPending returns the still-pending records for a session.
func (m *Manager) ListPending(ctx context.Context, sessionID string) ([]*session.PendingApproval, error) {
	return m.store.ListPendingApprovals(ctx, sessionID)
}

// Approve resolves a pending approval positively. modifiedDetails, when
// non-nil, replaces the argument payload the caller should execute with.
// Legal only from pending; the persistent record is removed on success.
func (m *Manager) Approve(ctx context.Context, requestID string, modifiedDetails json.RawMessage) error {
	p, err := m.resolve(ctx, requestID, session.ApprovalApproved)
	if err != nil {
		return err
	}

	m.publish(ctx, events.ApprovalApproved, p.SessionID, map[string]interface{}{
		"request_id": requestID,
		"subject":    p.Subject,
		"modified":   modifiedDetails != nil,
	}, requestID)

	m.wake(requestID, Outcome{
		RequestID:       requestID,
		Status:          session.ApprovalApproved,
		ModifiedDetails: modifiedDetails,
	})
	return nil
}

// Reject resolves a pending approval negatively with optional user feedback.
func (m *Manager) Reject(ctx context.Context, requestID, feedback string) error {
	p, err := m.resolve(ctx, requestID, session.ApprovalRejected)
	if err != nil {
		return err
	}

	m.publish(ctx, events.ApprovalRejected, p.SessionID, map[string]interface{}{
		"request_id": requestID,
		"subject":    p.Subject,
		"feedback":   feedback,
	}, requestID)

	m.wake(requestID, Outcome{
		RequestID: requestID,
		Status:    session.ApprovalRejected,
		Feedback:  feedback,
	})
	return nil
}

// resolve transitions a pending record to a terminal state and deletes it.
func (m *Manager) resolve(ctx context.Context, requestID string, status session.ApprovalStatus) (*session.PendingApproval, error) {
	p, err := m.store.GetPendingApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if p.Status != session.ApprovalPending {
		return nil, fmt.Errorf("approval %s is %s, not pending: %w", requestID, p.Status, session.ErrNotFound)
	}
	if err := m.store.UpdateApprovalStatus(ctx, requestID, status); err != nil {
		return nil, err
	}
	// Terminal records are not kept around.
	if err := m.store.DeleteApproval(ctx, requestID); err != nil {
		m.logger.Warn("failed to delete resolved approval",
			zap.String("request_id", requestID), zap.Error(err))
	}
	return p, nil
}

// Wait returns a channel that receives the outcome once the request is
// approved, rejected, or expired. The channel is buffered; it receives at
// most one value.
func (m *Manager) Wait(requestID string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	m.mu.Lock()
	m.waiters[requestID] = append(m.waiters[requestID], ch)
	m.mu.Unlock()
	return ch
}

// CancelWait drops a waiter registered with Wait.
func (m *Manager) CancelWait(requestID string, ch <-chan Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[requestID]
	for i, c := range chans {
		if c == ch {
			m.waiters[requestID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[requestID]) == 0 {
		delete(m.waiters, requestID)
	}
}

func (m *Manager) wake(requestID string, out Outcome) {
	m.mu.Lock()
	chans := m.waiters[requestID]
	delete(m.waiters, requestID)
	m.mu.Unlock()
	for _, ch := range chans {
		ch <- out
	}
}

// SweepExpired transitions every overdue pending record to expired and
// publishes approval_rejected with reason "timeout" for each.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	swept, err := m.store.SweepExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, p := range swept {
		m.publish(ctx, events.ApprovalRejected, p.SessionID, map[string]interface{}{
			"request_id": p.RequestID,
			"subject":    p.Subject,
			"reason":     "timeout",
		}, p.RequestID)

		m.wake(p.RequestID, Outcome{
			RequestID: p.RequestID,
			Status:    session.ApprovalExpired,
			Feedback:  "timeout",
		})
	}
	return len(swept), nil
}

// Start launches the periodic sweep loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.SweepExpired(ctx); err != nil {
					m.logger.Error("approval sweep failed", zap.Error(err))
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	if started {
		<-m.done
	}
}

func (m *Manager) publish(ctx context.Context, t events.Type, sessionID string, payload map[string]interface{}, correlationID string) {
	ev := events.New(t, source, payload,
		events.WithSessionID(sessionID),
		events.WithCorrelationID(correlationID))
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish approval event",
			zap.String("event_type", string(t)), zap.Error(err))
	}
}
