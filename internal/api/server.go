// Package api contains the HTTP handlers for the agent factory backend.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentfactory/backend/internal/hub"
	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/orchestrator"
	"agentfactory/backend/internal/repository"
)

// ownerHeader carries the caller identity. Real authentication terminates in
// front of this service; the gateway forwards the resolved owner here.
const ownerHeader = "X-Owner"

// Server holds the dependencies for the API handlers.
type Server struct {
	repo   repository.Repository
	orch   *orchestrator.Orchestrator
	hub    *hub.Hub
	logger *logging.Logger
}

// NewServer creates a new Server.
func NewServer(repo repository.Repository, orch *orchestrator.Orchestrator, h *hub.Hub, logger *logging.Logger) *Server {
	return &Server{repo: repo, orch: orch, hub: h, logger: logger.WithComponent("api")}
}

// RegisterRoutes mounts all handlers on the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	v1 := e.Group("/api/v1")
	v1.POST("/workflows", s.CreateWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.GET("/workflows/:id/steps", s.ListSteps)
	v1.POST("/workflows/:id/cancel", s.CancelWorkflow)
	v1.GET("/workflows/:id/stream", s.StreamWorkflow)
	v1.POST("/workflows/:id/attachments", s.UploadAttachment)
	v1.GET("/archives", s.ListArchives)
	v1.GET("/archives/:id/download", s.DownloadArchive)
}

// Health returns basic liveness status.
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "agentfactory-backend",
		"timestamp": time.Now().UTC(),
	})
}

// owner resolves the caller identity from the forwarded header.
func owner(c echo.Context) string {
	if o := c.Request().Header.Get(ownerHeader); o != "" {
		return o
	}
	return "anonymous"
}
