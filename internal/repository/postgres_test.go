package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"agentfactory/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	newWorkflow := func(t *testing.T) *models.Workflow {
		wf := &models.Workflow{
			ID:          uuid.New().String(),
			Owner:       "dev@example.com",
			ProjectName: "todo-app",
			Requirement: "build a todo app",
			Model:       "o4-mini",
			BudgetCap:   5.0,
			MaxLoops:    2,
			Phase:       models.PhaseIntake,
			Status:      models.StatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, store.CreateWorkflow(ctx, wf))
		return wf
	}

	t.Run("Create and Get workflow", func(t *testing.T) {
		wf := newWorkflow(t)

		got, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.Requirement, got.Requirement)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 2, got.MaxLoops)
	})

	t.Run("Get missing workflow", func(t *testing.T) {
		_, err := store.GetWorkflow(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendStep enforces gap-free ascending sequence", func(t *testing.T) {
		wf := newWorkflow(t)

		step := func(seq int) *models.Step {
			return &models.Step{
				WorkflowID: wf.ID,
				Seq:        seq,
				Name:       "intake",
				Output:     json.RawMessage(`{"ok":true}`),
				CreatedAt:  time.Now().UTC(),
			}
		}

		require.NoError(t, store.AppendStep(ctx, step(1)))
		require.NoError(t, store.AppendStep(ctx, step(2)))

		// Duplicate sequence number.
		assert.ErrorIs(t, store.AppendStep(ctx, step(2)), ErrConflict)
		// Gap.
		assert.ErrorIs(t, store.AppendStep(ctx, step(4)), ErrConflict)

		steps, err := store.ListSteps(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Seq)
		assert.Equal(t, 2, steps[1].Seq)
	})

	t.Run("FinalizeWorkflow is one-shot", func(t *testing.T) {
		wf := newWorkflow(t)

		require.NoError(t, store.FinalizeWorkflow(ctx, wf.ID, models.StatusFailed, models.ReasonBudgetExceeded, "cap 0.01", 0))

		got, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, models.ReasonBudgetExceeded, got.FailureReason)
		assert.NotNil(t, got.FinishedAt)

		// A second finalize, and any phase update, must be rejected.
		assert.ErrorIs(t, store.FinalizeWorkflow(ctx, wf.ID, models.StatusSucceeded, "", "", 0), ErrConflict)
		assert.ErrorIs(t, store.UpdatePhase(ctx, wf.ID, models.PhaseQA, models.StatusRunning), ErrConflict)
	})

	t.Run("Single archive per workflow", func(t *testing.T) {
		wf := newWorkflow(t)

		archive := &models.Archive{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			Owner:      wf.Owner,
			Filename:   "todo-app.zip",
			Data:       []byte("zipbytes"),
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, store.SaveArchive(ctx, archive))

		dup := *archive
		dup.ID = uuid.New().String()
		assert.ErrorIs(t, store.SaveArchive(ctx, &dup), ErrConflict)

		got, err := store.GetArchiveByWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, archive.ID, got.ID)
		assert.Equal(t, []byte("zipbytes"), got.Data)

		list, err := store.ListArchivesByOwner(ctx, wf.Owner)
		require.NoError(t, err)
		assert.NotEmpty(t, list)
	})

	t.Run("Attachments", func(t *testing.T) {
		wf := newWorkflow(t)

		att := &models.Attachment{
			WorkflowID: wf.ID,
			Filename:   "notes.md",
			Data:       []byte("# notes"),
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, store.SaveAttachment(ctx, att))

		atts, err := store.ListAttachments(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, atts, 1)
		assert.Equal(t, "notes.md", atts[0].Filename)
	})
}
