package models

import (
	"encoding/json"
	"time"
)

// Reserved step names used for system phases that do not invoke an agent.
const (
	StepIntake   = "intake"
	StepLoop     = "loop"
	StepArchive  = "archive"
	StepTerminal = "terminal"
)

// Step is the persisted record of one phase execution within a workflow.
// Sequence numbers are strictly increasing and gap-free per workflow, and a
// step is immutable once written; corrections are new steps.
type Step struct {
	WorkflowID string          `json:"workflow_id"`
	Seq        int             `json:"seq"`
	Name       string          `json:"name"`
	Agent      string          `json:"agent,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Cost       float64         `json:"cost"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LoopMarker is the output payload of a quality-gate loop step, recording
// the transition from the failing gate back to code generation.
type LoopMarker struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Loop      int    `json:"loop"`
}

// TerminalMarker is the output payload of the final step of a workflow.
type TerminalMarker struct {
	Status WorkflowStatus `json:"status"`
	Reason FailureReason  `json:"reason,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// ArchiveMarker is the output payload of the archiving step.
type ArchiveMarker struct {
	ArchiveID string `json:"archive_id"`
	Filename  string `json:"filename"`
}
