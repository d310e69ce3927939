// Package ledger tracks cumulative agent spend per workflow against a
// budget cap.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agentfactory/backend/pkg/models"
)

// ErrBudgetExceeded is returned when a reservation would push the running
// total over the workflow's budget cap. It is a terminal condition for the
// workflow, not a retryable error.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrUnknownWorkflow is returned for operations on a workflow that was
// never registered.
var ErrUnknownWorkflow = errors.New("workflow not registered with ledger")

// Ledger holds append-only spend deltas per workflow. The running total is
// always a pure fold over the entries, so it can be recomputed for auditing.
type Ledger struct {
	mu      sync.RWMutex
	caps    map[string]float64
	entries map[string][]models.LedgerEntry
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		caps:    make(map[string]float64),
		entries: make(map[string][]models.LedgerEntry),
	}
}

// Register sets the budget cap for a workflow. It must be called before any
// Reserve or Commit for that workflow.
func (l *Ledger) Register(workflowID string, budgetCap float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps[workflowID] = budgetCap
}

// Reserve checks whether amount fits under the workflow's budget cap. The
// check is advisory: nothing is held, the caller commits the actual cost
// after the call. Amounts are non-negative.
func (l *Ledger) Reserve(workflowID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("negative reservation %f", amount)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	cap, ok := l.caps[workflowID]
	if !ok {
		return ErrUnknownWorkflow
	}
	if l.totalLocked(workflowID)+amount > cap {
		return ErrBudgetExceeded
	}
	return nil
}

// Commit appends a spend delta for the workflow.
func (l *Ledger) Commit(workflowID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("negative commit %f", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.caps[workflowID]; !ok {
		return ErrUnknownWorkflow
	}
	l.entries[workflowID] = append(l.entries[workflowID], models.LedgerEntry{
		WorkflowID: workflowID,
		Delta:      amount,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// Total returns the cumulative spend for a workflow.
func (l *Ledger) Total(workflowID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked(workflowID)
}

// Entries returns a copy of the spend deltas for auditing.
func (l *Ledger) Entries(workflowID string) []models.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.entries[workflowID]
	out := make([]models.LedgerEntry, len(entries))
	copy(out, entries)
	return out
}

// Forget drops the ledger state for a finished workflow. The durable record
// lives on the persisted steps.
func (l *Ledger) Forget(workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.caps, workflowID)
	delete(l.entries, workflowID)
}

func (l *Ledger) totalLocked(workflowID string) float64 {
	var total float64
	for _, e := range l.entries[workflowID] {
		total += e.Delta
	}
	return total
}
