package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/pkg/ws"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size allowed from peer unless configured otherwise
	defaultMaxMessageSize = 512 * 1024 // 512KB
)

// Client is a single WebSocket connection bound to one session.
type Client struct {
	ID        string
	sessionID string
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte

	// pingPeriod and maxMessageSize come from gateway config; pongWait is
	// derived from the ping period.
	pingPeriod     time.Duration
	pongWait       time.Duration
	maxMessageSize int64

	logger *logger.Logger
}

// NewClient creates a client bound to a resolved session id.
func NewClient(id, sessionID string, conn *websocket.Conn, hub *Hub, pingPeriod time.Duration, maxMessageSize int64, log *logger.Logger) *Client {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Client{
		ID:             id,
		sessionID:      sessionID,
		conn:           conn,
		hub:            hub,
		send:           make(chan []byte, 256),
		pingPeriod:     pingPeriod,
		pongWait:       pingPeriod * 10 / 9,
		maxMessageSize: maxMessageSize,
		logger: log.WithSessionID(sessionID).WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		frame, err := ws.Parse(data)
		if err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			c.sendFrame(ws.NewError(c.sessionID, err.Error()))
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame validates and dispatches one inbound frame. Errors keep the
// connection open.
func (c *Client) handleFrame(ctx context.Context, frame *ws.Frame) {
	c.logger.Debug("received frame", zap.String("type", string(frame.Type)))

	if !frame.Type.Inbound() {
		c.sendFrame(ws.NewError(c.sessionID, "frame type not accepted: "+string(frame.Type)))
		return
	}

	// The stream is session-scoped; the binding wins over whatever the
	// frame claims.
	frame.SessionID = c.sessionID

	reply, err := c.hub.dispatcher.Dispatch(ctx, frame)
	if err != nil {
		c.logger.Warn("frame handler error",
			zap.String("type", string(frame.Type)),
			zap.Error(err))
		c.sendFrame(ws.NewError(c.sessionID, err.Error()))
		return
	}
	if reply != nil {
		c.sendFrame(reply)
	}
}

func (c *Client) sendFrame(f *ws.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps queued frames to the connection and keeps the heartbeat.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
