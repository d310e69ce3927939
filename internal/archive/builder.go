// Package archive packages the final artifacts of a successful workflow
// into a single downloadable zip bundle.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

// Artifacts are the generated outputs collected over the workflow run.
// Empty entries are omitted from the bundle.
type Artifacts struct {
	Code           string `json:"code,omitempty"`
	PatchedCode    string `json:"patched_code,omitempty"`
	UI             string `json:"ui,omitempty"`
	DbScript       string `json:"db_script,omitempty"`
	QAReport       string `json:"qa_report,omitempty"`
	SecurityReport string `json:"security_report,omitempty"`
}

// bundleLayout maps artifact fields to their file name inside the zip.
var bundleLayout = []struct {
	name    string
	content func(a Artifacts) string
}{
	{"code.py", func(a Artifacts) string { return a.Code }},
	{"patched_code.py", func(a Artifacts) string { return a.PatchedCode }},
	{"ui.html", func(a Artifacts) string { return a.UI }},
	{"schema.sql", func(a Artifacts) string { return a.DbScript }},
	{"qa_report.md", func(a Artifacts) string { return a.QAReport }},
	{"security_report.md", func(a Artifacts) string { return a.SecurityReport }},
}

// Builder creates and stores archive records.
type Builder struct {
	repo   repository.Repository
	logger *logging.Logger
}

// NewBuilder creates a Builder backed by the given repository.
func NewBuilder(repo repository.Repository, logger *logging.Logger) *Builder {
	return &Builder{repo: repo, logger: logger.WithComponent("archive")}
}

// Build packages the artifacts into a zip and stores the archive record.
// It is idempotent: when an archive already exists for the workflow, the
// existing record is returned instead of rebuilding.
func (b *Builder) Build(ctx context.Context, wf *models.Workflow, artifacts Artifacts) (*models.Archive, error) {
	if existing, err := b.repo.GetArchiveByWorkflow(ctx, wf.ID); err == nil {
		b.logger.Info("archive already exists for workflow %s, reusing %s", wf.ID, existing.ID)
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up existing archive: %w", err)
	}

	data, err := buildZip(wf, artifacts)
	if err != nil {
		return nil, fmt.Errorf("build zip bundle: %w", err)
	}

	archive := &models.Archive{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Owner:      wf.Owner,
		Filename:   fmt.Sprintf("%s_%s.zip", wf.ProjectName, wf.ID[:8]),
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}

	if err := b.repo.SaveArchive(ctx, archive); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost a race against another builder invocation; the stored
			// archive wins.
			return b.repo.GetArchiveByWorkflow(ctx, wf.ID)
		}
		return nil, fmt.Errorf("save archive: %w", err)
	}

	b.logger.Info("archive %s built for workflow %s (%d bytes)", archive.ID, wf.ID, len(data))
	return archive, nil
}

// buildZip renders the bundle fully in memory.
func buildZip(wf *models.Workflow, artifacts Artifacts) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	baseDir := fmt.Sprintf("workflow_%s", wf.ID)

	for _, entry := range bundleLayout {
		content := entry.content(artifacts)
		if content == "" {
			continue
		}
		w, err := zw.Create(baseDir + "/" + entry.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return nil, err
		}
	}

	metadata, err := json.MarshalIndent(map[string]any{
		"workflow_id":  wf.ID,
		"project_name": wf.ProjectName,
		"requirement":  wf.Requirement,
		"model":        wf.Model,
		"artifacts":    artifacts,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	w, err := zw.Create(baseDir + "/metadata.json")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(metadata); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
