// Package websocket is the transport edge: one long-lived WebSocket per IDE
// session, relaying typed frames between the IDE and the orchestrator.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/tools"
	"github.com/devrelay/devrelay/pkg/ws"
)

// Hub tracks connected clients and routes outbound frames to the clients
// bound to a session. It also implements orchestrator.Sink, so a running turn
// streams straight onto the wire.
type Hub struct {
	clients map[*Client]bool

	// sessions maps a session id to the clients bound to it.
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing inbound frames through the dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.bindLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.String("session_id", client.sessionID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) bindLocked(client *Client) {
	set, ok := h.sessions[client.sessionID]
	if !ok {
		set = make(map[*Client]bool)
		h.sessions[client.sessionID] = set
	}
	set[client] = true
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessions = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if set, ok := h.sessions[client.sessionID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// SendToSession delivers a frame to every client bound to the session.
func (h *Hub) SendToSession(sessionID string, f *ws.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[sessionID] {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump cleans the client up.
		}
	}
}

// SendAssistantDelta implements orchestrator.Sink.
func (h *Hub) SendAssistantDelta(sessionID, token string, final bool) {
	h.SendToSession(sessionID, ws.NewAssistantMessage(sessionID, token, final))
}

// SendToolCall implements orchestrator.Sink.
func (h *Hub) SendToolCall(sessionID string, call tools.Call, requiresApproval bool) {
	h.SendToSession(sessionID, ws.NewToolCall(sessionID, call.ID, call.Name, call.Arguments, requiresApproval))
}

// SendAgentSwitched implements orchestrator.Sink.
func (h *Hub) SendAgentSwitched(sessionID, from, to, reason string, confidence float64) {
	h.SendToSession(sessionID, ws.NewAgentSwitched(sessionID, from, to, reason, confidence))
}

// SendApprovalRequired implements orchestrator.Sink.
func (h *Hub) SendApprovalRequired(sessionID, requestID, subject string, args json.RawMessage, reason string) {
	h.SendToSession(sessionID, ws.NewApprovalRequired(sessionID, requestID, subject, args, reason))
}

// SendError implements orchestrator.Sink.
func (h *Hub) SendError(sessionID, message string) {
	h.SendToSession(sessionID, ws.NewError(sessionID, message))
}
