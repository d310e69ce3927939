package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

func testWorkflow(t *testing.T, repo *repository.InMemoryStore) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:          uuid.New().String(),
		Owner:       "dev@example.com",
		ProjectName: "todo-app",
		Requirement: "build a todo app",
		Model:       "o4-mini",
		Status:      models.StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.CreateWorkflow(context.Background(), wf))
	return wf
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[f.Name] = string(content)
	}
	return entries
}

func TestBuildBundlesArtifacts(t *testing.T) {
	repo := repository.NewInMemoryStore()
	wf := testWorkflow(t, repo)
	builder := NewBuilder(repo, logging.NewLogger())

	arch, err := builder.Build(context.Background(), wf, Artifacts{
		Code:           "print('v1')",
		PatchedCode:    "print('v2')",
		UI:             "<html></html>",
		DbScript:       "CREATE TABLE todos (id serial);",
		QAReport:       "No issues found.",
		SecurityReport: "No issues detected.",
	})
	require.NoError(t, err)
	assert.Equal(t, wf.ID, arch.WorkflowID)
	assert.Equal(t, wf.Owner, arch.Owner)
	assert.Contains(t, arch.Filename, "todo-app")

	entries := zipEntries(t, arch.Data)
	base := "workflow_" + wf.ID
	assert.Equal(t, "print('v1')", entries[base+"/code.py"])
	assert.Equal(t, "print('v2')", entries[base+"/patched_code.py"])
	assert.Equal(t, "<html></html>", entries[base+"/ui.html"])
	assert.Equal(t, "CREATE TABLE todos (id serial);", entries[base+"/schema.sql"])
	assert.Equal(t, "No issues found.", entries[base+"/qa_report.md"])
	assert.Equal(t, "No issues detected.", entries[base+"/security_report.md"])

	var meta struct {
		WorkflowID  string `json:"workflow_id"`
		ProjectName string `json:"project_name"`
	}
	require.NoError(t, json.Unmarshal([]byte(entries[base+"/metadata.json"]), &meta))
	assert.Equal(t, wf.ID, meta.WorkflowID)
	assert.Equal(t, "todo-app", meta.ProjectName)

	stored, err := repo.GetArchiveByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, arch.ID, stored.ID)
}

func TestBuildOmitsEmptyArtifacts(t *testing.T) {
	repo := repository.NewInMemoryStore()
	wf := testWorkflow(t, repo)
	builder := NewBuilder(repo, logging.NewLogger())

	arch, err := builder.Build(context.Background(), wf, Artifacts{Code: "print('v1')"})
	require.NoError(t, err)

	entries := zipEntries(t, arch.Data)
	base := "workflow_" + wf.ID
	assert.Contains(t, entries, base+"/code.py")
	assert.Contains(t, entries, base+"/metadata.json")
	assert.NotContains(t, entries, base+"/patched_code.py")
	assert.NotContains(t, entries, base+"/qa_report.md")
	assert.Len(t, entries, 2)
}

func TestBuildIsIdempotent(t *testing.T) {
	repo := repository.NewInMemoryStore()
	wf := testWorkflow(t, repo)
	builder := NewBuilder(repo, logging.NewLogger())

	first, err := builder.Build(context.Background(), wf, Artifacts{Code: "print('v1')"})
	require.NoError(t, err)

	second, err := builder.Build(context.Background(), wf, Artifacts{Code: "print('rebuilt')"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "existing archive wins")
	assert.Equal(t, first.Data, second.Data)
}
