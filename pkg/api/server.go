package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/orchestrator"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/version"
	"github.com/dragonflyic/agent-grid/pkg/webhook"
)

var errInvalidIssueNumber = errors.New("api: invalid issue number")

// Server is the admin/REST HTTP surface: execution and issue-state
// introspection, manual cancel and nudge, budget status, the webhook
// ingress route, and a health check.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	store  *store.PostgresStore
	budget *orchestrator.BudgetManager
	orch   *orchestrator.Orchestrator
	repo   string
}

// NewServer wires the admin API's routes. inbox may be nil if webhook
// ingress is served elsewhere (e.g. disabled in local/dev mode).
func NewServer(s *store.PostgresStore, budget *orchestrator.BudgetManager, orch *orchestrator.Orchestrator, repo string, inbox *webhook.Inbox) *Server {
	srv := &Server{store: s, budget: budget, orch: orch, repo: repo}

	router := gin.Default()
	router.Use(securityHeaders())

	router.GET("/health", srv.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/executions", srv.listExecutions)
		v1.GET("/executions/:id", srv.getExecution)
		v1.POST("/executions/:id/cancel", srv.cancelExecution)
		v1.GET("/issues", srv.listIssueStates)
		v1.GET("/issues/:number", srv.getIssueState)
		v1.POST("/issues/:number/nudge", srv.nudgeIssue)
		v1.GET("/budget", srv.budgetStatus)
	}

	if inbox != nil {
		router.POST("/webhooks/github", inbox.Handle)
	}

	srv.router = router
	return srv
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartWithListener starts the HTTP server on a pre-created listener, for
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.router}
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(reqCtx); err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Version: version.Full(), Database: err.Error()})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: version.Full(), Database: "ok"})
}

func (s *Server) listExecutions(c *gin.Context) {
	filters := store.ExecutionFilters{Limit: 100}
	if status := c.Query("status"); status != "" {
		st := store.ExecutionStatus(status)
		filters.Status = &st
	}
	executions, err := s.store.ListExecutions(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]ExecutionResponse, 0, len(executions))
	for _, e := range executions {
		out = append(out, toExecutionResponse(e))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	exec, err := s.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResponse(exec))
}

func (s *Server) cancelExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}
	if err := s.orch.CancelExecution(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listIssueStates(c *gin.Context) {
	var classification *store.Classification
	if v := c.Query("classification"); v != "" {
		cl := store.Classification(v)
		classification = &cl
	}
	states, err := s.store.ListIssueStates(c.Request.Context(), s.repo, classification)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]IssueStateResponse, 0, len(states))
	for _, st := range states {
		out = append(out, toIssueStateResponse(st))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getIssueState(c *gin.Context) {
	number, err := parseIssueNumber(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue number"})
		return
	}
	state, err := s.store.GetIssueState(c.Request.Context(), number, s.repo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIssueStateResponse(state))
}

func (s *Server) nudgeIssue(c *gin.Context) {
	number, err := parseIssueNumber(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue number"})
		return
	}
	var req NudgeRequest
	_ = c.ShouldBindJSON(&req)

	issueID := s.repo + "#" + c.Param("number")
	if err := s.orch.HandleNudge(c.Request.Context(), issueID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued", "issue_number": number})
}

func (s *Server) budgetStatus(c *gin.Context) {
	status, err := s.budget.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, BudgetStatusResponse{
		ConcurrentExecutions: status.ConcurrentExecutions,
		MaxConcurrent:        status.MaxConcurrent,
		TokensUsedToday:      status.TokensUsedToday,
		DurationSecondsToday: status.DurationSecondsToday,
	})
}

func toExecutionResponse(e *store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:            e.ID.String(),
		IssueID:       e.IssueID,
		Status:        string(e.Status),
		Mode:          string(e.Mode),
		Result:        e.Result,
		Branch:        e.Branch,
		PRNumber:      e.PRNumber,
		ExternalRunID: e.ExternalRunID,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		CreatedAt:     e.CreatedAt,
	}
}

func toIssueStateResponse(s *store.IssueState) IssueStateResponse {
	resp := IssueStateResponse{
		IssueNumber: s.IssueNumber,
		Repo:        s.Repo,
		ParentIssue: s.ParentIssue,
		SubIssues:   s.SubIssues,
		RetryCount:  s.RetryCount,
		Metadata:    s.Metadata,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.Classification != nil {
		resp.Classification = string(*s.Classification)
	}
	return resp
}

func parseIssueNumber(s string) (int, error) {
	if s == "" {
		return 0, errInvalidIssueNumber
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errInvalidIssueNumber
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
