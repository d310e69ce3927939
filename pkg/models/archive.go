package models

import (
	"time"
)

// Archive is the packaged deliverable of a successful workflow. At most one
// archive exists per workflow and it is immutable after creation.
type Archive struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Owner      string    `json:"owner"`
	Filename   string    `json:"filename"`
	Data       []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attachment is a supporting document uploaded for a workflow. Attachments
// become part of the input context for the intake phase.
type Attachment struct {
	WorkflowID string    `json:"workflow_id"`
	Filename   string    `json:"filename"`
	Data       []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// LedgerEntry is one append-only spend delta for a workflow. The running
// total is always a pure fold over entries.
type LedgerEntry struct {
	WorkflowID string    `json:"workflow_id"`
	Delta      float64   `json:"delta"`
	CreatedAt  time.Time `json:"created_at"`
}
