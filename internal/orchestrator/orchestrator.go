// Package orchestrator drives one user turn end-to-end: agent selection,
// prompt assembly, LLM streaming, tool-call processing, and approval waits.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/llm"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/internal/tools"
)

const source = "orchestrator"

// ErrIterationLimit is returned when a turn exceeds the LLM→tools loop cap.
var ErrIterationLimit = errors.New("iteration limit exceeded")

// Sink is the transport-edge surface a turn streams into. Implementations
// must be safe for use from the turn goroutine.
type Sink interface {
	SendAssistantDelta(sessionID, token string, final bool)
	SendToolCall(sessionID string, call tools.Call, requiresApproval bool)
	SendAgentSwitched(sessionID, from, to, reason string, confidence float64)
	SendApprovalRequired(sessionID, requestID, subject string, args json.RawMessage, reason string)
	SendError(sessionID, message string)
}

// Config bounds the turn loop.
type Config struct {
	Model              string
	MaxIterations      int
	TurnTimeout        time.Duration
	TokenBudget        int
	MaxConcurrentTurns int
}

// remoteResult is a tool_result frame bridged back from the IDE.
type remoteResult struct {
	content string
	isError bool
}

// Orchestrator coordinates the specialist agents for all sessions.
type Orchestrator struct {
	store      session.Store
	agents     *agent.Registry
	classifier *agent.Classifier
	client     llm.Client
	dispatcher *tools.Dispatcher
	approvals  *approval.Manager
	registry   *tools.Registry
	bus        *bus.Bus
	cfg        Config
	logger     *logger.Logger

	// turnLocks serializes turns per session; held for a whole turn, so it
	// must stay distinct from the store's internal per-op locks.
	turnMu    sync.Mutex
	turnLocks map[string]*sync.Mutex

	// turnSem bounds concurrent turns process-wide.
	turnSem chan struct{}

	// remoteWaiters maps tool_call id to the channel its turn blocks on.
	remoteMu      sync.Mutex
	remoteWaiters map[string]chan remoteResult
}

// New wires the orchestrator. Zero config fields select: 10 iterations, 300s
// turn timeout, 32000 token budget, 32 concurrent turns.
func New(
	store session.Store,
	agents *agent.Registry,
	classifier *agent.Classifier,
	client llm.Client,
	dispatcher *tools.Dispatcher,
	approvals *approval.Manager,
	registry *tools.Registry,
	b *bus.Bus,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 32000
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 32
	}
	return &Orchestrator{
		store:         store,
		agents:        agents,
		classifier:    classifier,
		client:        client,
		dispatcher:    dispatcher,
		approvals:     approvals,
		registry:      registry,
		bus:           b,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", source)),
		turnLocks:     make(map[string]*sync.Mutex),
		turnSem:       make(chan struct{}, cfg.MaxConcurrentTurns),
		remoteWaiters: make(map[string]chan remoteResult),
	}
}

func (o *Orchestrator) turnLock(sessionID string) *sync.Mutex {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	l, ok := o.turnLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.turnLocks[sessionID] = l
	}
	return l
}

// ProvideToolResult delivers a tool_result frame from the IDE to the turn
// waiting on it. Returns false for orphan replies; callers should log and
// drop those.
func (o *Orchestrator) ProvideToolResult(callID, content string, isError bool) bool {
	o.remoteMu.Lock()
	ch, ok := o.remoteWaiters[callID]
	if ok {
		delete(o.remoteWaiters, callID)
	}
	o.remoteMu.Unlock()
	if !ok {
		return false
	}
	ch <- remoteResult{content: content, isError: isError}
	return true
}

// registerRemoteWaiter installs a buffered channel for a forwarded call.
func (o *Orchestrator) registerRemoteWaiter(callID string) chan remoteResult {
	ch := make(chan remoteResult, 1)
	o.remoteMu.Lock()
	o.remoteWaiters[callID] = ch
	o.remoteMu.Unlock()
	return ch
}

// abandonRemoteWaiter drops the registration; a reply arriving later is an
// orphan and gets dropped at ProvideToolResult.
func (o *Orchestrator) abandonRemoteWaiter(callID string) {
	o.remoteMu.Lock()
	delete(o.remoteWaiters, callID)
	o.remoteMu.Unlock()
}

// SwitchAgent applies an explicit switch requested by the IDE.
func (o *Orchestrator) SwitchAgent(ctx context.Context, sessionID, target, reason string, sink Sink) error {
	if _, ok := o.agents.Get(target); !ok {
		return session.ErrNotFound
	}
	before, err := o.store.GetContext(ctx, sessionID)
	if err != nil {
		return err
	}
	if before.CurrentAgent == target {
		return nil
	}
	after, err := o.store.SwitchAgent(ctx, sessionID, target, reason, 1.0)
	if err != nil {
		return err
	}
	o.publishSwitch(ctx, sessionID, before.CurrentAgent, after.CurrentAgent, reason, 1.0)
	if sink != nil {
		sink.SendAgentSwitched(sessionID, before.CurrentAgent, after.CurrentAgent, reason, 1.0)
	}
	return nil
}
