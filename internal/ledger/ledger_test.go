package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAgainstCap(t *testing.T) {
	l := New()
	l.Register("wf1", 1.0)

	require.NoError(t, l.Reserve("wf1", 0.4))
	require.NoError(t, l.Commit("wf1", 0.4))
	require.NoError(t, l.Reserve("wf1", 0.6))
	require.NoError(t, l.Commit("wf1", 0.6))

	assert.Equal(t, 1.0, l.Total("wf1"))
	assert.ErrorIs(t, l.Reserve("wf1", 0.01), ErrBudgetExceeded)
}

func TestReserveIsAdvisory(t *testing.T) {
	l := New()
	l.Register("wf1", 1.0)

	// Reserving twice without committing does not hold anything.
	require.NoError(t, l.Reserve("wf1", 0.9))
	require.NoError(t, l.Reserve("wf1", 0.9))

	// The actual commit may differ from the estimate.
	require.NoError(t, l.Commit("wf1", 0.2))
	assert.Equal(t, 0.2, l.Total("wf1"))
}

func TestUnknownWorkflow(t *testing.T) {
	l := New()
	assert.ErrorIs(t, l.Reserve("missing", 0.1), ErrUnknownWorkflow)
	assert.ErrorIs(t, l.Commit("missing", 0.1), ErrUnknownWorkflow)
	assert.Equal(t, 0.0, l.Total("missing"))
}

func TestTotalIsFoldOfEntries(t *testing.T) {
	l := New()
	l.Register("wf1", 10.0)

	deltas := []float64{0.1, 0.25, 0.05, 0.3}
	var want float64
	for _, d := range deltas {
		require.NoError(t, l.Commit("wf1", d))
		want += d
	}

	var refold float64
	for _, e := range l.Entries("wf1") {
		refold += e.Delta
	}
	assert.InDelta(t, want, refold, 1e-9)
	assert.InDelta(t, want, l.Total("wf1"), 1e-9)
}

func TestConcurrentWorkflowsAreIsolated(t *testing.T) {
	l := New()
	l.Register("a", 100)
	l.Register("b", 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.Commit("a", 1)
		}()
		go func() {
			defer wg.Done()
			_ = l.Commit("b", 2)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50.0, l.Total("a"), 1e-9)
	assert.InDelta(t, 100.0, l.Total("b"), 1e-9)
}

func TestForget(t *testing.T) {
	l := New()
	l.Register("wf1", 1.0)
	require.NoError(t, l.Commit("wf1", 0.5))

	l.Forget("wf1")
	assert.Equal(t, 0.0, l.Total("wf1"))
	assert.ErrorIs(t, l.Reserve("wf1", 0.1), ErrUnknownWorkflow)
}
