package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentfactory/backend/internal/repository"
)

type archiveSummary struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Filename   string    `json:"filename"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListArchives returns the caller's archives, newest first.
// (GET /api/v1/archives)
func (s *Server) ListArchives(c echo.Context) error {
	archives, err := s.repo.ListArchivesByOwner(c.Request().Context(), owner(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	summaries := make([]archiveSummary, 0, len(archives))
	for _, a := range archives {
		summaries = append(summaries, archiveSummary{
			ID:         a.ID,
			WorkflowID: a.WorkflowID,
			Filename:   a.Filename,
			CreatedAt:  a.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, summaries)
}

// DownloadArchive streams the zip bundle.
// (GET /api/v1/archives/:id/download)
func (s *Server) DownloadArchive(c echo.Context) error {
	arch, err := s.repo.GetArchive(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "archive not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if arch.Owner != owner(c) {
		return echo.NewHTTPError(http.StatusForbidden, "archive belongs to another owner")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", arch.Filename))
	return c.Blob(http.StatusOK, "application/zip", arch.Data)
}
