// Package api provides the administrative HTTP REST API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/httpmw"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events/audit"
	"github.com/devrelay/devrelay/internal/events/bus"
	"github.com/devrelay/devrelay/internal/plan"
	"github.com/devrelay/devrelay/internal/session"
)

// Server is the admin HTTP API server. Everything except /health sits behind
// the internal key / JWT guard.
type Server struct {
	store     session.Store
	agents    *agent.Registry
	approvals *approval.Manager
	bus       *bus.Bus
	audit     *audit.Log
	plans     *plan.Store
	logger    *logger.Logger
	router    *gin.Engine
}

// NewServer creates the admin API server. A nil plan store disables the plan
// routes.
func NewServer(
	store session.Store,
	agents *agent.Registry,
	approvals *approval.Manager,
	b *bus.Bus,
	auditLog *audit.Log,
	plans *plan.Store,
	auth httpmw.AuthConfig,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:     store,
		agents:    agents,
		approvals: approvals,
		bus:       b,
		audit:     auditLog,
		plans:     plans,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
	}

	s.router.Use(httpmw.RequestLogger(log, "admin-api"))
	s.router.Use(httpmw.OtelTracing("admin-api"))
	s.setupRoutes(auth)
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(auth httpmw.AuthConfig) {
	s.router.GET("/health", s.handleHealth)

	guarded := s.router.Group("/", httpmw.Auth(auth))
	{
		guarded.GET("/agents", s.handleListAgents)
		guarded.GET("/agents/:session/current", s.handleCurrentAgent)

		guarded.GET("/sessions", s.handleListSessions)
		guarded.POST("/sessions", s.handleCreateSession)
		guarded.GET("/sessions/:id/history", s.handleHistory)
		guarded.GET("/sessions/:id/pending-approvals", s.handlePendingApprovals)
		guarded.POST("/sessions/:id/hitl-decision", s.handleHITLDecision)
		guarded.GET("/sessions/:id/plans", s.handleGetPlan)
		guarded.POST("/sessions/:id/plans", s.handleCreatePlan)

		guarded.GET("/events/metrics", s.handleEventMetrics)
		guarded.GET("/events/audit-log", s.handleAuditLog)
	}
}
