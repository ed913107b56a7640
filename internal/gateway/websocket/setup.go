package websocket

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/orchestrator"
	"github.com/devrelay/devrelay/internal/plan"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/pkg/ws"
)

// Gateway bundles the WebSocket edge components.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	Bridge     *Bridge
	logger     *logger.Logger
}

// NewGateway wires the edge: dispatcher, hub, connection handler and the
// bridge into the runtime. Pass nil plan components to disable the plan
// extension.
func NewGateway(
	store session.Store,
	orch *orchestrator.Orchestrator,
	approvals *approval.Manager,
	plans *plan.Executor,
	planStore *plan.Store,
	pingPeriod time.Duration,
	maxMessageSize int64,
	log *logger.Logger,
) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	bridge := NewBridge(dispatcher, orch, approvals, plans, planStore, hub, log)
	handler := NewHandler(hub, store, pingPeriod, maxMessageSize, log)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		Bridge:     bridge,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
