package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfactory/backend/pkg/models"
)

func seedWorkflow(t *testing.T, store *InMemoryStore) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		ID:          uuid.New().String(),
		Owner:       "dev@example.com",
		ProjectName: "todo-app",
		Requirement: "build a todo app",
		Model:       "o4-mini",
		BudgetCap:   5.0,
		MaxLoops:    3,
		Phase:       models.PhaseIntake,
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestInMemoryStoreSequenceInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	wf := seedWorkflow(t, store)

	step := func(seq int) *models.Step {
		return &models.Step{WorkflowID: wf.ID, Seq: seq, Name: "intake", CreatedAt: time.Now().UTC()}
	}

	require.NoError(t, store.AppendStep(ctx, step(1)))
	assert.ErrorIs(t, store.AppendStep(ctx, step(1)), ErrConflict)
	assert.ErrorIs(t, store.AppendStep(ctx, step(3)), ErrConflict)
	require.NoError(t, store.AppendStep(ctx, step(2)))

	steps, err := store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Seq)
	}
}

func TestInMemoryStoreTerminalImmutability(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	wf := seedWorkflow(t, store)

	require.NoError(t, store.FinalizeWorkflow(ctx, wf.ID, models.StatusCancelled, "", "", 0.25))

	got, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, 0.25, got.TotalCost)
	assert.NotNil(t, got.FinishedAt)

	assert.ErrorIs(t, store.UpdatePhase(ctx, wf.ID, models.PhaseQA, models.StatusRunning), ErrConflict)
	assert.ErrorIs(t, store.FinalizeWorkflow(ctx, wf.ID, models.StatusSucceeded, "", "", 0), ErrConflict)
}

func TestInMemoryStoreSingleArchive(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	wf := seedWorkflow(t, store)

	archive := &models.Archive{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Owner:      wf.Owner,
		Filename:   "todo-app.zip",
		Data:       []byte("zip"),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveArchive(ctx, archive))

	second := *archive
	second.ID = uuid.New().String()
	assert.ErrorIs(t, store.SaveArchive(ctx, &second), ErrConflict)

	got, err := store.GetArchiveByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.ID, got.ID)
}
