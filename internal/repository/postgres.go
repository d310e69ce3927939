package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentfactory/backend/pkg/models"
)

// schema is the logical layout of the persisted workflow state: one workflow
// record, ordered step records referencing it, and at most one archive.
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id             UUID PRIMARY KEY,
	owner          TEXT NOT NULL,
	project_name   TEXT NOT NULL,
	requirement    TEXT NOT NULL,
	model          TEXT NOT NULL,
	budget_cap     DOUBLE PRECISION NOT NULL,
	max_loops      INT NOT NULL,
	phase          TEXT NOT NULL,
	status         TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	failure_detail TEXT NOT NULL DEFAULT '',
	total_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS steps (
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	seq         INT NOT NULL,
	name        TEXT NOT NULL,
	agent       TEXT NOT NULL DEFAULT '',
	output      JSONB,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	elapsed_ms  BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, seq)
);
CREATE TABLE IF NOT EXISTS archives (
	id          UUID PRIMARY KEY,
	workflow_id UUID NOT NULL UNIQUE REFERENCES workflows(id),
	owner       TEXT NOT NULL,
	filename    TEXT NOT NULL,
	data        BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS attachments (
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	filename    TEXT NOT NULL,
	data        BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// CreateWorkflow inserts a new workflow record.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflows (id, owner, project_name, requirement, model, budget_cap, max_loops, phase, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		wf.ID, wf.Owner, wf.ProjectName, wf.Requirement, wf.Model, wf.BudgetCap, wf.MaxLoops, wf.Phase, wf.Status, wf.CreatedAt)
	return mapPgError(err)
}

// GetWorkflow retrieves a workflow by id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	err := s.db.QueryRow(ctx,
		`SELECT id, owner, project_name, requirement, model, budget_cap, max_loops, phase, status, failure_reason, failure_detail, total_cost, created_at, finished_at
		 FROM workflows WHERE id = $1`, id).
		Scan(&wf.ID, &wf.Owner, &wf.ProjectName, &wf.Requirement, &wf.Model, &wf.BudgetCap, &wf.MaxLoops,
			&wf.Phase, &wf.Status, &wf.FailureReason, &wf.FailureDetail, &wf.TotalCost, &wf.CreatedAt, &wf.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdatePhase records the current phase and status of a running workflow.
// Terminal workflows are immutable, so the update is a no-op for them.
func (s *PostgresStore) UpdatePhase(ctx context.Context, id string, phase models.Phase, status models.WorkflowStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET phase = $2, status = $3
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		id, phase, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FinalizeWorkflow moves a workflow to a terminal status.
func (s *PostgresStore) FinalizeWorkflow(ctx context.Context, id string, status models.WorkflowStatus, reason models.FailureReason, detail string, totalCost float64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $2, failure_reason = $3, failure_detail = $4, total_cost = $5, finished_at = $6
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		id, status, reason, detail, totalCost, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AppendStep durably writes one step. The guarded insert only accepts the
// next sequence number, which is what gives the orchestrator exactly-once
// semantics even when a retry path double-invokes persistence.
func (s *PostgresStore) AppendStep(ctx context.Context, step *models.Step) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO steps (workflow_id, seq, name, agent, output, cost, elapsed_ms, error, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		 WHERE $2 = (SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE workflow_id = $1)`,
		step.WorkflowID, step.Seq, step.Name, step.Agent, step.Output, step.Cost, step.ElapsedMs, step.Error, step.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListSteps returns all steps of a workflow in ascending sequence order.
func (s *PostgresStore) ListSteps(ctx context.Context, workflowID string) ([]models.Step, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workflow_id, seq, name, agent, output, cost, elapsed_ms, error, created_at
		 FROM steps WHERE workflow_id = $1 ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		var step models.Step
		if err := rows.Scan(&step.WorkflowID, &step.Seq, &step.Name, &step.Agent, &step.Output,
			&step.Cost, &step.ElapsedMs, &step.Error, &step.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// SaveArchive stores the packaged deliverable.
func (s *PostgresStore) SaveArchive(ctx context.Context, archive *models.Archive) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO archives (id, workflow_id, owner, filename, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		archive.ID, archive.WorkflowID, archive.Owner, archive.Filename, archive.Data, archive.CreatedAt)
	return mapPgError(err)
}

// GetArchive retrieves an archive by id.
func (s *PostgresStore) GetArchive(ctx context.Context, id string) (*models.Archive, error) {
	var a models.Archive
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, owner, filename, data, created_at FROM archives WHERE id = $1`, id).
		Scan(&a.ID, &a.WorkflowID, &a.Owner, &a.Filename, &a.Data, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArchiveByWorkflow retrieves the archive of a workflow, if any.
func (s *PostgresStore) GetArchiveByWorkflow(ctx context.Context, workflowID string) (*models.Archive, error) {
	var a models.Archive
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, owner, filename, data, created_at FROM archives WHERE workflow_id = $1`, workflowID).
		Scan(&a.ID, &a.WorkflowID, &a.Owner, &a.Filename, &a.Data, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArchivesByOwner returns archives owned by the caller, newest first.
// The payload is left out; it is fetched individually on download.
func (s *PostgresStore) ListArchivesByOwner(ctx context.Context, owner string) ([]models.Archive, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, owner, filename, created_at FROM archives WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archives []models.Archive
	for rows.Next() {
		var a models.Archive
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Owner, &a.Filename, &a.CreatedAt); err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

// SaveAttachment stores a supporting document for a workflow.
func (s *PostgresStore) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO attachments (workflow_id, filename, data, created_at) VALUES ($1, $2, $3, $4)`,
		att.WorkflowID, att.Filename, att.Data, att.CreatedAt)
	return mapPgError(err)
}

// ListAttachments returns the attachments of a workflow.
func (s *PostgresStore) ListAttachments(ctx context.Context, workflowID string) ([]models.Attachment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workflow_id, filename, data, created_at FROM attachments WHERE workflow_id = $1 ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.WorkflowID, &att.Filename, &att.Data, &att.CreatedAt); err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

// mapPgError translates unique violations into ErrConflict.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
