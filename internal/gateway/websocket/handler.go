package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/pkg/ws"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler upgrades HTTP connections and binds them to sessions.
type Handler struct {
	hub            *Hub
	store          session.Store
	pingPeriod     time.Duration
	maxMessageSize int64
	logger         *logger.Logger
}

// NewHandler creates the connection handler.
func NewHandler(hub *Hub, store session.Store, pingPeriod time.Duration, maxMessageSize int64, log *logger.Logger) *Handler {
	return &Handler{
		hub:            hub,
		store:          store,
		pingPeriod:     pingPeriod,
		maxMessageSize: maxMessageSize,
		logger:         log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades to WebSocket, resolves the session and starts
// the pumps. The real session id always goes back in a session_info frame,
// so clients that connected with a `new_` placeholder learn their id.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID, err := h.resolveSession(c.Request.Context(), c.Query("session"))
	if err != nil {
		h.logger.Error("failed to resolve session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, sessionID, conn, h.hub, h.pingPeriod, h.maxMessageSize, h.logger)
	h.hub.Register(client)
	client.sendFrame(ws.NewSessionInfo(sessionID))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// resolveSession maps the client-supplied id to a real session, creating one
// for empty ids, `new_` placeholders and ids the store has never seen.
func (h *Handler) resolveSession(ctx context.Context, raw string) (string, error) {
	if raw == "" || strings.HasPrefix(raw, "new_") {
		s, err := h.store.Create(ctx, "", "")
		if err != nil {
			return "", err
		}
		return s.ID, nil
	}

	if _, err := h.store.Get(ctx, raw); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return "", err
		}
		if _, err := h.store.Create(ctx, raw, ""); err != nil {
			return "", err
		}
	}
	return raw, nil
}
