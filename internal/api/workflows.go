package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentfactory/backend/internal/orchestrator"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

// maxAttachmentBytes bounds a single uploaded document.
const maxAttachmentBytes = 10 << 20

type createWorkflowRequest struct {
	ProjectName string  `json:"project_name"`
	Requirement string  `json:"requirement"`
	Model       string  `json:"model"`
	BudgetCap   float64 `json:"budget_cap"`
	MaxLoops    int     `json:"max_loops"`
}

// CreateWorkflow submits a new workflow and starts its run.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ProjectName == "" || req.Requirement == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_name and requirement are required")
	}
	if req.BudgetCap < 0 || req.MaxLoops < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "budget_cap and max_loops must be non-negative")
	}

	wf, err := s.orch.Start(c.Request().Context(), orchestrator.StartRequest{
		Owner:       owner(c),
		ProjectName: req.ProjectName,
		Requirement: req.Requirement,
		Model:       req.Model,
		BudgetCap:   req.BudgetCap,
		MaxLoops:    req.MaxLoops,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "start workflow: "+err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]string{"workflow_id": wf.ID})
}

// GetWorkflow returns the workflow record.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.repo.GetWorkflow(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}

// ListSteps returns the ordered step record of a workflow.
// (GET /api/v1/workflows/:id/steps)
func (s *Server) ListSteps(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.repo.GetWorkflow(c.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	steps, err := s.repo.ListSteps(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, steps)
}

// CancelWorkflow requests cancellation of a running workflow. The run
// observes the request at its next phase boundary.
// (POST /api/v1/workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	err := s.orch.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	case errors.Is(err, orchestrator.ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, "workflow already finished")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// UploadAttachment stores a supporting document for a workflow. Attachments
// join the intake input context.
// (POST /api/v1/workflows/:id/attachments)
func (s *Server) UploadAttachment(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.repo.GetWorkflow(c.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	if fh.Size > maxAttachmentBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "attachment exceeds size limit")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, maxAttachmentBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	att := &models.Attachment{
		WorkflowID: id,
		Filename:   fh.Filename,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveAttachment(c.Request().Context(), att); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"filename": att.Filename})
}
