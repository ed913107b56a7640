package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
)

const (
	defaultDebounceWindow = 2 * time.Second
	defaultDebounceBatch  = 50
)

// DebouncedStore wraps SQLStore and stages message appends in memory, writing
// batches after a quiet window or when the batch cap is reached. Assistant
// messages carrying tool calls are written through synchronously so a tool
// reply can never outrun its request across a crash. All other operations
// flush the affected session first, which keeps reads read-your-writes.
type DebouncedStore struct {
	inner  *SQLStore
	logger *logger.Logger

	window time.Duration
	batch  int

	mu     sync.Mutex
	staged map[string][]*Message
	timers map[string]*time.Timer
	closed bool
}

var _ Store = (*DebouncedStore)(nil)

// NewDebouncedStore wraps the given store. Zero window or batch select the
// defaults (2s, 50).
func NewDebouncedStore(inner *SQLStore, window time.Duration, batch int) *DebouncedStore {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	if batch <= 0 {
		batch = defaultDebounceBatch
	}
	return &DebouncedStore{
		inner:  inner,
		logger: inner.logger.WithFields(zap.String("component", "debounced_store")),
		window: window,
		batch:  batch,
		staged: make(map[string][]*Message),
		timers: make(map[string]*time.Timer),
	}
}

// AppendMessage validates and stages the message. The returned message has
// its id, sequence number, and timestamp assigned immediately even though the
// row may not hit disk until the window elapses.
func (d *DebouncedStore) AppendMessage(ctx context.Context, sessionID string, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.Role == RoleTool && msg.ToolCallID == "" {
		return nil, fmt.Errorf("%w: tool message without tool_call_id", ErrInvalidMessage)
	}

	err := d.inner.locks.do(sessionID, func() error {
		ok, err := d.inner.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		if msg.Role == RoleTool {
			if err := d.checkToolCallReference(ctx, sessionID, msg.ToolCallID); err != nil {
				return err
			}
		}

		seq, err := d.inner.reserveSeq(ctx, sessionID)
		if err != nil {
			return err
		}
		msg.ID = uuid.New().String()
		msg.SessionID = sessionID
		msg.Seq = seq
		msg.CreatedAt = time.Now().UTC()

		d.mu.Lock()
		d.staged[sessionID] = append(d.staged[sessionID], msg)
		full := len(d.staged[sessionID]) >= d.batch
		d.mu.Unlock()

		// Write-through: an assistant message with tool calls must be durable
		// before any tool result referencing it is accepted.
		if msg.HasToolCalls() || full {
			return d.flushSessionLocked(ctx, sessionID)
		}
		d.armTimer(sessionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// checkToolCallReference looks through staged messages first, then the
// database, for an assistant tool call matching the id.
func (d *DebouncedStore) checkToolCallReference(ctx context.Context, sessionID, toolCallID string) error {
	d.mu.Lock()
	for _, m := range d.staged[sessionID] {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				d.mu.Unlock()
				return nil
			}
		}
	}
	d.mu.Unlock()
	return d.inner.checkToolCallReference(ctx, sessionID, toolCallID)
}

func (d *DebouncedStore) armTimer(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[sessionID]; ok {
		t.Reset(d.window)
		return
	}
	d.timers[sessionID] = time.AfterFunc(d.window, func() {
		if err := d.FlushSession(context.Background(), sessionID); err != nil {
			d.logger.Error("debounced flush failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

// FlushSession writes the staged batch for one session to disk.
func (d *DebouncedStore) FlushSession(ctx context.Context, sessionID string) error {
	return d.inner.locks.do(sessionID, func() error {
		return d.flushSessionLocked(ctx, sessionID)
	})
}

// flushSessionLocked drains the staged batch; the session lock must be held.
func (d *DebouncedStore) flushSessionLocked(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	batch := d.staged[sessionID]
	delete(d.staged, sessionID)
	if t, ok := d.timers[sessionID]; ok {
		t.Stop()
		delete(d.timers, sessionID)
	}
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for i, msg := range batch {
		if err := d.inner.writeMessage(ctx, msg); err != nil {
			// Re-stage what did not make it so a later flush retries.
			d.mu.Lock()
			d.staged[sessionID] = append(batch[i:], d.staged[sessionID]...)
			d.mu.Unlock()
			return err
		}
	}
	d.inner.touch(ctx, sessionID, batch[len(batch)-1].CreatedAt)
	return nil
}

// GetMessages flushes the session batch first so staged appends are visible.
func (d *DebouncedStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	if err := d.FlushSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return d.inner.GetMessages(ctx, sessionID)
}

// UpdateLastAssistantToolCalls flushes first so the target row exists.
func (d *DebouncedStore) UpdateLastAssistantToolCalls(ctx context.Context, sessionID string, toolCalls []ToolCall) error {
	if err := d.FlushSession(ctx, sessionID); err != nil {
		return err
	}
	return d.inner.UpdateLastAssistantToolCalls(ctx, sessionID, toolCalls)
}

// Flush drains every staged batch.
func (d *DebouncedStore) Flush(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.staged))
	for id := range d.staged {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var errs []string
	for _, id := range ids {
		if err := d.FlushSession(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush failed for %d session(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Close flushes everything and stops the timers.
func (d *DebouncedStore) Close() error {
	err := d.Flush(context.Background())

	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	return d.inner.Close()
}

// Create delegates; a fresh session has nothing staged.
func (d *DebouncedStore) Create(ctx context.Context, sessionID, systemPrompt string) (*Session, error) {
	return d.inner.Create(ctx, sessionID, systemPrompt)
}

func (d *DebouncedStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return d.inner.Get(ctx, sessionID)
}

func (d *DebouncedStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	return d.inner.List(ctx, opts)
}

// SoftDelete drops any staged messages; a deleted session's tail is not worth
// persisting.
func (d *DebouncedStore) SoftDelete(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.staged, sessionID)
	if t, ok := d.timers[sessionID]; ok {
		t.Stop()
		delete(d.timers, sessionID)
	}
	d.mu.Unlock()
	return d.inner.SoftDelete(ctx, sessionID)
}

func (d *DebouncedStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return d.inner.Cleanup(ctx, olderThan)
}

func (d *DebouncedStore) GetContext(ctx context.Context, sessionID string) (*AgentContext, error) {
	return d.inner.GetContext(ctx, sessionID)
}

func (d *DebouncedStore) SwitchAgent(ctx context.Context, sessionID, target, reason string, confidence float64) (*AgentContext, error) {
	return d.inner.SwitchAgent(ctx, sessionID, target, reason, confidence)
}

func (d *DebouncedStore) AddPendingApproval(ctx context.Context, approval *PendingApproval) error {
	return d.inner.AddPendingApproval(ctx, approval)
}

func (d *DebouncedStore) GetPendingApproval(ctx context.Context, requestID string) (*PendingApproval, error) {
	return d.inner.GetPendingApproval(ctx, requestID)
}

func (d *DebouncedStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]*PendingApproval, error) {
	return d.inner.ListPendingApprovals(ctx, sessionID)
}

func (d *DebouncedStore) UpdateApprovalStatus(ctx context.Context, requestID string, status ApprovalStatus) error {
	return d.inner.UpdateApprovalStatus(ctx, requestID, status)
}

func (d *DebouncedStore) DeleteApproval(ctx context.Context, requestID string) error {
	return d.inner.DeleteApproval(ctx, requestID)
}

func (d *DebouncedStore) SweepExpiredApprovals(ctx context.Context, now time.Time) ([]*PendingApproval, error) {
	return d.inner.SweepExpiredApprovals(ctx, now)
}
