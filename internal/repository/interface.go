package repository

import (
	"context"
	"errors"

	"agentfactory/backend/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an append violates a uniqueness invariant:
// a duplicate or out-of-order step sequence number, or a second archive for
// the same workflow. It signals a programming or race error in the caller
// and must never be silently continued.
var ErrConflict = errors.New("conflicting record")

// Repository is the persistence gateway for workflow state. Step records are
// append-only and totally ordered by sequence number within a workflow;
// ascending sequence order is the only ordering guarantee reads provide.
type Repository interface {
	// CreateWorkflow inserts a new workflow record.
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	// GetWorkflow retrieves a workflow by id.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// UpdatePhase records the current phase and status of a running workflow.
	UpdatePhase(ctx context.Context, id string, phase models.Phase, status models.WorkflowStatus) error
	// FinalizeWorkflow moves a workflow to a terminal status. The record is
	// immutable afterwards.
	FinalizeWorkflow(ctx context.Context, id string, status models.WorkflowStatus, reason models.FailureReason, detail string, totalCost float64) error

	// AppendStep durably writes one step. A duplicate or out-of-order
	// sequence number is rejected with ErrConflict.
	AppendStep(ctx context.Context, step *models.Step) error
	// ListSteps returns all steps of a workflow in ascending sequence order.
	ListSteps(ctx context.Context, workflowID string) ([]models.Step, error)

	// SaveArchive stores the packaged deliverable. A second archive for the
	// same workflow is rejected with ErrConflict.
	SaveArchive(ctx context.Context, archive *models.Archive) error
	// GetArchive retrieves an archive by id.
	GetArchive(ctx context.Context, id string) (*models.Archive, error)
	// GetArchiveByWorkflow retrieves the archive of a workflow, if any.
	GetArchiveByWorkflow(ctx context.Context, workflowID string) (*models.Archive, error)
	// ListArchivesByOwner returns archives owned by the caller, newest first.
	ListArchivesByOwner(ctx context.Context, owner string) ([]models.Archive, error)

	// SaveAttachment stores a supporting document for a workflow.
	SaveAttachment(ctx context.Context, att *models.Attachment) error
	// ListAttachments returns the attachments of a workflow.
	ListAttachments(ctx context.Context, workflowID string) ([]models.Attachment, error)
}
