package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devrelay/devrelay/internal/plan"
	"github.com/devrelay/devrelay/internal/session"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AgentInfo is the public view of an agent definition. The system prompt is
// internal and stays off the wire.
type AgentInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools"`
	FilePatterns []string `json:"file_patterns,omitempty"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	defs := s.agents.List()
	out := make([]AgentInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, AgentInfo{
			Name:         d.Name,
			Description:  d.Description,
			AllowedTools: d.AllowedTools,
			FilePatterns: d.FilePatterns,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (s *Server) handleCurrentAgent(c *gin.Context) {
	ac, err := s.store.GetContext(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ac)
}

func (s *Server) handleListSessions(c *gin.Context) {
	opts := session.ListOptions{
		ActiveOnly: c.Query("active_only") == "true",
		Limit:      intQuery(c, "limit", 100),
		Offset:     intQuery(c, "offset", 0),
	}
	sessions, err := s.store.List(c.Request.Context(), opts)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// CreateSessionRequest is the POST /sessions body. An empty session_id asks
// the server to generate one.
type CreateSessionRequest struct {
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := s.store.Create(c.Request.Context(), req.SessionID, req.SystemPrompt)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already exists"})
			return
		}
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleHistory(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), sessionID); err != nil {
		s.storeError(c, err)
		return
	}
	msgs, err := s.store.GetMessages(c.Request.Context(), sessionID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": msgs})
}

func (s *Server) handlePendingApprovals(c *gin.Context) {
	pending, err := s.approvals.ListPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_approvals": pending})
}

// HITLDecisionRequest is the POST /sessions/{id}/hitl-decision body. It
// mirrors the approval_decision frame of the WebSocket edge.
type HITLDecisionRequest struct {
	RequestID         string          `json:"request_id" binding:"required"`
	Decision          string          `json:"decision" binding:"required"`
	ModifiedArguments json.RawMessage `json:"modified_arguments,omitempty"`
	Feedback          string          `json:"feedback,omitempty"`
}

func (s *Server) handleHITLDecision(c *gin.Context) {
	var req HITLDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Decision {
	case "approve":
		err = s.approvals.Approve(ctx, req.RequestID, nil)
	case "edit":
		err = s.approvals.Approve(ctx, req.RequestID, req.ModifiedArguments)
	case "reject":
		err = s.approvals.Reject(ctx, req.RequestID, req.Feedback)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown decision: " + req.Decision})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID, "decision": req.Decision})
}

// PlanSubtaskRequest is one node of a submitted plan. Ids are caller-chosen
// and referenced by depends_on.
type PlanSubtaskRequest struct {
	ID          string   `json:"id" binding:"required"`
	Agent       string   `json:"agent" binding:"required"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// CreatePlanRequest is the POST /sessions/{id}/plans body. The created plan
// starts pending; a plan_decision frame on the WebSocket edge approves or
// cancels it.
type CreatePlanRequest struct {
	Title    string               `json:"title" binding:"required"`
	Subtasks []PlanSubtaskRequest `json:"subtasks" binding:"required,min=1"`
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	if s.plans == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "plan support is disabled"})
		return
	}
	sessionID := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), sessionID); err != nil {
		s.storeError(c, err)
		return
	}

	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	p := &plan.Plan{SessionID: sessionID, Title: req.Title}
	for _, st := range req.Subtasks {
		if _, ok := s.agents.Get(st.Agent); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agent: " + st.Agent})
			return
		}
		p.Subtasks = append(p.Subtasks, &plan.Subtask{
			ID:          st.ID,
			Agent:       st.Agent,
			Description: st.Description,
			DependsOn:   st.DependsOn,
		})
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.plans.Create(c.Request.Context(), p); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetPlan(c *gin.Context) {
	if s.plans == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "plan support is disabled"})
		return
	}
	p, err := s.plans.GetBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleEventMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Stats())
}

func (s *Server) handleAuditLog(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"events": []any{}})
		return
	}
	limit := intQuery(c, "limit", 100)
	c.JSON(http.StatusOK, gin.H{"events": s.audit.Recent(limit)})
}

// storeError maps store errors to HTTP statuses.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
