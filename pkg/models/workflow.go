// Package models defines the domain models for the agent factory backend.
package models

import (
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow run.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureReason is the machine-readable reason attached to a failed workflow.
type FailureReason string

const (
	ReasonAgentError           FailureReason = "agent_error"
	ReasonBudgetExceeded       FailureReason = "budget_exceeded"
	ReasonRetryBudgetExhausted FailureReason = "retry_budget_exhausted"
	ReasonInternal             FailureReason = "internal_error"
)

// Phase is a named stage in the workflow state machine.
type Phase string

const (
	PhaseIntake            Phase = "intake"
	PhaseStakeholderRefine Phase = "stakeholder_refine"
	PhaseProjectPlan       Phase = "project_plan"
	PhaseItConsulting      Phase = "it_consulting"
	PhaseDbDesign          Phase = "db_design"
	PhaseUiGeneration      Phase = "ui_generation"
	PhaseCodeGeneration    Phase = "code_generation"
	PhaseQA                Phase = "qa"
	PhaseSecurity          Phase = "security"
	PhasePatch             Phase = "patch"
	PhaseArchiving         Phase = "archiving"
)

// Workflow represents one requirement-to-artifact run. It is created on
// submission and mutated only by the orchestrator; once the status is
// terminal the record is immutable.
type Workflow struct {
	ID            string         `json:"id"`
	Owner         string         `json:"owner"`
	ProjectName   string         `json:"project_name"`
	Requirement   string         `json:"requirement"`
	Model         string         `json:"model"`
	BudgetCap     float64        `json:"budget_cap"`
	MaxLoops      int            `json:"max_loops"`
	Phase         Phase          `json:"phase"`
	Status        WorkflowStatus `json:"status"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	FailureDetail string         `json:"failure_detail,omitempty"`
	TotalCost     float64        `json:"total_cost"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}
