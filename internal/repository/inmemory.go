package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentfactory/backend/pkg/models"
)

// InMemoryStore is a map-backed implementation of the Repository interface.
// It enforces the same sequence-number and single-archive invariants as the
// Postgres store and is used by tests and development mode.
type InMemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]models.Workflow
	steps       map[string][]models.Step
	archives    map[string]models.Archive // keyed by archive id
	attachments map[string][]models.Attachment
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:   make(map[string]models.Workflow),
		steps:       make(map[string][]models.Step),
		archives:    make(map[string]models.Archive),
		attachments: make(map[string][]models.Attachment),
	}
}

// CreateWorkflow inserts a new workflow record.
func (s *InMemoryStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return ErrConflict
	}
	s.workflows[wf.ID] = *wf
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &wf, nil
}

// UpdatePhase records the current phase and status of a running workflow.
func (s *InMemoryStore) UpdatePhase(ctx context.Context, id string, phase models.Phase, status models.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if wf.Status.Terminal() {
		return ErrConflict
	}
	wf.Phase = phase
	wf.Status = status
	s.workflows[id] = wf
	return nil
}

// FinalizeWorkflow moves a workflow to a terminal status.
func (s *InMemoryStore) FinalizeWorkflow(ctx context.Context, id string, status models.WorkflowStatus, reason models.FailureReason, detail string, totalCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if wf.Status.Terminal() {
		return ErrConflict
	}
	wf.Status = status
	wf.FailureReason = reason
	wf.FailureDetail = detail
	wf.TotalCost = totalCost
	now := time.Now().UTC()
	wf.FinishedAt = &now
	s.workflows[id] = wf
	return nil
}

// AppendStep durably writes one step, rejecting any sequence number that is
// not exactly the next one for the workflow.
func (s *InMemoryStore) AppendStep(ctx context.Context, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[step.WorkflowID]
	if step.Seq != len(steps)+1 {
		return ErrConflict
	}
	s.steps[step.WorkflowID] = append(steps, *step)
	return nil
}

// ListSteps returns all steps of a workflow in ascending sequence order.
func (s *InMemoryStore) ListSteps(ctx context.Context, workflowID string) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[workflowID]
	out := make([]models.Step, len(steps))
	copy(out, steps)
	return out, nil
}

// SaveArchive stores the packaged deliverable.
func (s *InMemoryStore) SaveArchive(ctx context.Context, archive *models.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.archives {
		if a.WorkflowID == archive.WorkflowID {
			return ErrConflict
		}
	}
	s.archives[archive.ID] = *archive
	return nil
}

// GetArchive retrieves an archive by id.
func (s *InMemoryStore) GetArchive(ctx context.Context, id string) (*models.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// GetArchiveByWorkflow retrieves the archive of a workflow, if any.
func (s *InMemoryStore) GetArchiveByWorkflow(ctx context.Context, workflowID string) (*models.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.archives {
		if a.WorkflowID == workflowID {
			archive := a
			return &archive, nil
		}
	}
	return nil, ErrNotFound
}

// ListArchivesByOwner returns archives owned by the caller, newest first.
func (s *InMemoryStore) ListArchivesByOwner(ctx context.Context, owner string) ([]models.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Archive
	for _, a := range s.archives {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SaveAttachment stores a supporting document for a workflow.
func (s *InMemoryStore) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[att.WorkflowID] = append(s.attachments[att.WorkflowID], *att)
	return nil
}

// ListAttachments returns the attachments of a workflow.
func (s *InMemoryStore) ListAttachments(ctx context.Context, workflowID string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	atts := s.attachments[workflowID]
	out := make([]models.Attachment, len(atts))
	copy(out, atts)
	return out, nil
}
