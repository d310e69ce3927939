// Package orchestrator drives workflows through the agent pipeline: a
// strictly sequential front half, a bounded quality-gate loop, and archiving.
// Each workflow runs on its own goroutine; all durable state lives in the
// repository and every persisted step is fanned out through the hub.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"agentfactory/backend/internal/agentclient"
	"agentfactory/backend/internal/archive"
	"agentfactory/backend/internal/config"
	"agentfactory/backend/internal/hub"
	"agentfactory/backend/internal/ledger"
	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

// ErrNotCancellable is returned by Cancel when the workflow has already
// reached a terminal status.
var ErrNotCancellable = errors.New("workflow is not cancellable")

// okPattern matches a clean quality report when the agent did not return a
// structured verdict.
var okPattern = regexp.MustCompile(`(?i)no issues|問題なし`)

// StartRequest is a workflow submission. Zero-valued optional fields take
// the configured defaults.
type StartRequest struct {
	Owner       string
	ProjectName string
	Requirement string
	Model       string
	BudgetCap   float64
	MaxLoops    int
}

// Orchestrator owns the lifecycle of workflow runs.
type Orchestrator struct {
	repo    repository.Repository
	invoker agentclient.Invoker
	hub     *hub.Hub
	ledger  *ledger.Ledger
	builder *archive.Builder
	cfg     *config.Config
	logger  *logging.Logger

	started  metric.Int64Counter
	finished metric.Int64Counter
	spendUSD metric.Float64Counter

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is the in-flight state the orchestrator keeps outside the repository.
type run struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates an Orchestrator.
func New(repo repository.Repository, invoker agentclient.Invoker, h *hub.Hub, l *ledger.Ledger, builder *archive.Builder, cfg *config.Config, logger *logging.Logger) *Orchestrator {
	meter := otel.Meter("agentfactory/backend/orchestrator")
	started, _ := meter.Int64Counter("workflows.started")
	finished, _ := meter.Int64Counter("workflows.finished")
	spend, _ := meter.Float64Counter("workflows.agent_cost_usd")

	return &Orchestrator{
		repo:     repo,
		invoker:  invoker,
		hub:      h,
		ledger:   l,
		builder:  builder,
		cfg:      cfg,
		logger:   logger.WithComponent("orchestrator"),
		started:  started,
		finished: finished,
		spendUSD: spend,
		runs:     make(map[string]*run),
	}
}

// Start creates the workflow record and launches its run goroutine. The
// returned workflow is in status pending; the run moves it to running.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.Workflow, error) {
	if req.ProjectName == "" || req.Requirement == "" {
		return nil, fmt.Errorf("project_name and requirement are required")
	}
	if req.Model == "" {
		req.Model = o.cfg.Workflow.DefaultModel
	}
	if req.BudgetCap == 0 {
		req.BudgetCap = o.cfg.Workflow.DefaultBudgetCap
	}
	if req.MaxLoops == 0 {
		req.MaxLoops = o.cfg.Workflow.DefaultMaxLoops
	}

	wf := &models.Workflow{
		ID:          uuid.New().String(),
		Owner:       req.Owner,
		ProjectName: req.ProjectName,
		Requirement: req.Requirement,
		Model:       req.Model,
		BudgetCap:   req.BudgetCap,
		MaxLoops:    req.MaxLoops,
		Phase:       models.PhaseIntake,
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.repo.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	o.ledger.Register(wf.ID, wf.BudgetCap)
	r := &run{done: make(chan struct{})}
	o.mu.Lock()
	o.runs[wf.ID] = r
	o.mu.Unlock()

	o.started.Add(ctx, 1)
	o.logger.Info("workflow %s started for project %q (budget %.2f, max loops %d)",
		wf.ID, wf.ProjectName, wf.BudgetCap, wf.MaxLoops)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		o.execute(context.Background(), wf, r)
	}()
	return wf, nil
}

// Cancel requests cancellation of a running workflow. The run observes the
// flag at its next phase boundary; an in-flight agent call is finished and
// persisted first.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	r, ok := o.runs[workflowID]
	o.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		o.logger.Info("workflow %s cancellation requested", workflowID)
		return nil
	}

	if _, err := o.repo.GetWorkflow(ctx, workflowID); err != nil {
		return err
	}
	return ErrNotCancellable
}

// Done returns a channel closed when the workflow's run goroutine has
// exited. Unknown or already finished workflows get a closed channel.
func (o *Orchestrator) Done(workflowID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[workflowID]; ok {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown waits for all in-flight runs to finish or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runState accumulates the project context handed from phase to phase.
type runState struct {
	wf        *models.Workflow
	run       *run
	seq       int
	loopCount int

	feedback  string
	schedule  string
	advice    string
	dbScript  string
	ui        string
	code      string
	firstCode string
	qaReport  string
	secReport string
	patched   string
	lastPatch string
}

// execute drives one workflow to a terminal status. It never returns a
// non-terminal workflow.
func (o *Orchestrator) execute(ctx context.Context, wf *models.Workflow, r *run) {
	defer func() {
		o.mu.Lock()
		delete(o.runs, wf.ID)
		o.mu.Unlock()
		o.ledger.Forget(wf.ID)
	}()

	st := &runState{wf: wf, run: r}
	if err := o.intake(ctx, st); err != nil {
		o.fatal(ctx, st, err)
		return
	}

	front := []struct {
		phase   models.Phase
		agent   string
		key     string
		payload func() map[string]any
		sink    *string
	}{
		{models.PhaseStakeholderRefine, "stakeholder", "feedback_summary", func() map[string]any {
			return o.basePayload(st)
		}, &st.feedback},
		{models.PhaseProjectPlan, "pm", "schedule", func() map[string]any {
			return o.basePayload(st)
		}, &st.schedule},
		{models.PhaseItConsulting, "it", "advice", func() map[string]any {
			return o.basePayload(st)
		}, &st.advice},
		{models.PhaseDbDesign, "dba", "dba_script", func() map[string]any {
			return o.basePayload(st)
		}, &st.dbScript},
		{models.PhaseUiGeneration, "ui", "ui", func() map[string]any {
			return o.basePayload(st)
		}, &st.ui},
	}

	for _, step := range front {
		done, err := o.agentPhase(ctx, st, step.phase, step.agent, step.key, step.payload(), step.sink)
		if done || o.failed(ctx, st, err) {
			return
		}
	}

	for {
		// Code generation. A fresh patch already carries the corrected
		// code, so the generator is only invoked when there is none.
		if st.patched != "" {
			st.code = st.patched
			st.lastPatch = st.patched
			st.patched = ""
			if done := o.enterPhase(ctx, st, models.PhaseCodeGeneration); done {
				return
			}
		} else {
			done, err := o.agentPhase(ctx, st, models.PhaseCodeGeneration, "code", "code", map[string]any{
				"project_name": st.wf.ProjectName,
				"prompt":       st.wf.Requirement,
				"model_name":   st.wf.Model,
				"db_schema":    st.dbScript,
				"ui_design":    st.ui,
			}, &st.code)
			if done || o.failed(ctx, st, err) {
				return
			}
			if st.firstCode == "" {
				st.firstCode = st.code
			}
		}

		done, err := o.agentPhase(ctx, st, models.PhaseQA, "qa", "qa_report", map[string]any{
			"project_name": st.wf.ProjectName,
			"requirement":  st.wf.Requirement,
			"code":         st.code,
			"model_name":   st.wf.Model,
		}, &st.qaReport)
		if done || o.failed(ctx, st, err) {
			return
		}

		done, err = o.agentPhase(ctx, st, models.PhaseSecurity, "security", "security_report", map[string]any{
			"code":       st.code,
			"ui":         st.ui,
			"model_name": st.wf.Model,
		}, &st.secReport)
		if done || o.failed(ctx, st, err) {
			return
		}

		qaOK := gatePassed(st.qaReport)
		secOK := gatePassed(st.secReport)
		if qaOK && secOK {
			break
		}
		if st.loopCount >= st.wf.MaxLoops {
			o.finish(ctx, st, models.StatusFailed, models.ReasonRetryBudgetExhausted,
				fmt.Sprintf("quality gate still failing after %d patch cycles", st.loopCount))
			return
		}
		st.loopCount++

		failing := "qa"
		if qaOK {
			failing = "security"
		}
		if err := o.recordLoop(ctx, st, failing); err != nil {
			o.fatal(ctx, st, err)
			return
		}

		instructions := fmt.Sprintf("Fix the following QA/Security findings.\nQA:\n%s\nSecurity:\n%s",
			st.qaReport, st.secReport)
		done, err = o.agentPhase(ctx, st, models.PhasePatch, "patch", "patched_code", map[string]any{
			"source_code":  st.code,
			"instructions": instructions,
			"model_name":   st.wf.Model,
		}, &st.patched)
		if done || o.failed(ctx, st, err) {
			return
		}
	}

	if done := o.archivePhase(ctx, st); done {
		return
	}
	o.finish(ctx, st, models.StatusSucceeded, "", "")
}

// intake moves the workflow to running and persists the intake step.
func (o *Orchestrator) intake(ctx context.Context, st *runState) error {
	if err := o.repo.UpdatePhase(ctx, st.wf.ID, models.PhaseIntake, models.StatusRunning); err != nil {
		return fmt.Errorf("enter intake: %w", err)
	}

	attachments, err := o.repo.ListAttachments(ctx, st.wf.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Filename)
	}

	output, err := json.Marshal(map[string]any{
		"project_name": st.wf.ProjectName,
		"requirement":  st.wf.Requirement,
		"model":        st.wf.Model,
		"budget_cap":   st.wf.BudgetCap,
		"max_loops":    st.wf.MaxLoops,
		"attachments":  names,
	})
	if err != nil {
		return err
	}
	return o.record(ctx, st, models.Step{Name: models.StepIntake, Output: output})
}

// agentPhase runs one agent-backed phase: cancellation check, phase update,
// budget reservation, invocation, cost commit, step record. The bool result
// is true when the run has reached a terminal status.
func (o *Orchestrator) agentPhase(ctx context.Context, st *runState, phase models.Phase, agentID, key string, payload map[string]any, sink *string) (bool, error) {
	if done := o.enterPhase(ctx, st, phase); done {
		return true, nil
	}

	if err := o.ledger.Reserve(st.wf.ID, o.cfg.Agents.CostEstimate); err != nil {
		if errors.Is(err, ledger.ErrBudgetExceeded) {
			o.finish(ctx, st, models.StatusFailed, models.ReasonBudgetExceeded,
				fmt.Sprintf("spend %.4f plus estimated %.4f exceeds cap %.4f",
					o.ledger.Total(st.wf.ID), o.cfg.Agents.CostEstimate, st.wf.BudgetCap))
			return true, nil
		}
		return false, err
	}

	res, err := o.invoker.Invoke(ctx, agentID, payload)
	if err != nil {
		var agentErr *agentclient.AgentError
		detail := err.Error()
		if errors.As(err, &agentErr) {
			detail = fmt.Sprintf("%s agent failed (%s): %v", agentErr.Agent, agentErr.Kind, agentErr.Err)
		}
		// The failed attempt is still part of the durable record.
		recErr := o.record(ctx, st, models.Step{
			Name:  string(phase),
			Agent: agentID,
			Error: detail,
		})
		if recErr != nil {
			return false, recErr
		}
		o.finish(ctx, st, models.StatusFailed, models.ReasonAgentError, detail)
		return true, nil
	}

	if err := o.ledger.Commit(st.wf.ID, res.Cost); err != nil {
		return false, err
	}
	o.spendUSD.Add(ctx, res.Cost, metric.WithAttributes(attribute.String("agent", agentID)))

	*sink = outputField(res.Output, key)
	return false, o.record(ctx, st, models.Step{
		Name:      string(phase),
		Agent:     agentID,
		Output:    res.Output,
		Cost:      res.Cost,
		ElapsedMs: res.Elapsed.Milliseconds(),
	})
}

// enterPhase observes cancellation and advances the persisted phase. The
// bool result is true when the run has reached a terminal status.
func (o *Orchestrator) enterPhase(ctx context.Context, st *runState, phase models.Phase) bool {
	if st.run.cancelled.Load() {
		o.finish(ctx, st, models.StatusCancelled, "", "cancelled by owner")
		return true
	}
	if err := o.repo.UpdatePhase(ctx, st.wf.ID, phase, models.StatusRunning); err != nil {
		o.fatal(ctx, st, fmt.Errorf("enter phase %s: %w", phase, err))
		return true
	}
	st.wf.Phase = phase
	return false
}

// recordLoop persists the gate-to-codegen transition marker.
func (o *Orchestrator) recordLoop(ctx context.Context, st *runState, fromAgent string) error {
	marker, err := json.Marshal(models.LoopMarker{
		FromAgent: fromAgent,
		ToAgent:   "code",
		Loop:      st.loopCount,
	})
	if err != nil {
		return err
	}
	o.logger.Info("workflow %s gate failed at %s, patch cycle %d of %d",
		st.wf.ID, fromAgent, st.loopCount, st.wf.MaxLoops)
	return o.record(ctx, st, models.Step{Name: models.StepLoop, Output: marker})
}

// archivePhase packages the deliverable. A build failure does not revert the
// successful run; it is recorded on the archive step and the workflow still
// succeeds.
func (o *Orchestrator) archivePhase(ctx context.Context, st *runState) bool {
	if done := o.enterPhase(ctx, st, models.PhaseArchiving); done {
		return true
	}

	arch, err := o.builder.Build(ctx, st.wf, archive.Artifacts{
		Code:           st.firstCode,
		PatchedCode:    st.lastPatch,
		UI:             st.ui,
		DbScript:       st.dbScript,
		QAReport:       st.qaReport,
		SecurityReport: st.secReport,
	})
	if err != nil {
		o.logger.Error("workflow %s archive build failed: %v", st.wf.ID, err)
		if recErr := o.record(ctx, st, models.Step{Name: models.StepArchive, Error: err.Error()}); recErr != nil {
			o.fatal(ctx, st, recErr)
			return true
		}
		return false
	}

	marker, err := json.Marshal(models.ArchiveMarker{ArchiveID: arch.ID, Filename: arch.Filename})
	if err != nil {
		o.fatal(ctx, st, err)
		return true
	}
	if err := o.record(ctx, st, models.Step{Name: models.StepArchive, Output: marker}); err != nil {
		o.fatal(ctx, st, err)
		return true
	}
	return false
}

// record persists a step and then publishes its event. The durable write
// always comes first; a sequence conflict aborts the run.
func (o *Orchestrator) record(ctx context.Context, st *runState, step models.Step) error {
	st.seq++
	step.WorkflowID = st.wf.ID
	step.Seq = st.seq
	step.CreatedAt = time.Now().UTC()
	if err := o.repo.AppendStep(ctx, &step); err != nil {
		return fmt.Errorf("append step %d (%s): %w", step.Seq, step.Name, err)
	}
	o.hub.Publish(st.wf.ID, models.EventFromStep(step, o.ledger.Total(st.wf.ID)))
	return nil
}

// finish moves the workflow to a terminal status: terminal step persisted,
// record finalized, terminal event published.
func (o *Orchestrator) finish(ctx context.Context, st *runState, status models.WorkflowStatus, reason models.FailureReason, detail string) {
	total := o.ledger.Total(st.wf.ID)

	marker, err := json.Marshal(models.TerminalMarker{Status: status, Reason: reason, Detail: detail})
	if err == nil {
		err = o.record(ctx, st, models.Step{Name: models.StepTerminal, Output: marker})
	}
	if err != nil {
		o.logger.Error("workflow %s terminal step not persisted: %v", st.wf.ID, err)
	}

	if err := o.repo.FinalizeWorkflow(ctx, st.wf.ID, status, reason, detail, total); err != nil {
		o.logger.Error("workflow %s finalize failed: %v", st.wf.ID, err)
	}

	o.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if status == models.StatusFailed {
		o.logger.Warn("workflow %s failed (%s): %s (spent %.4f)", st.wf.ID, reason, detail, total)
	} else {
		o.logger.Info("workflow %s finished %s (spent %.4f)", st.wf.ID, status, total)
	}
}

// fatal terminates a run on an internal error (persistence conflict, ledger
// misuse). The error is never silently continued.
func (o *Orchestrator) fatal(ctx context.Context, st *runState, err error) {
	o.logger.Error("workflow %s aborted: %v", st.wf.ID, err)
	o.finish(ctx, st, models.StatusFailed, models.ReasonInternal, err.Error())
}

// failed reports and handles a non-terminal pipeline error. A nil error
// returns false; anything else aborts the run.
func (o *Orchestrator) failed(ctx context.Context, st *runState, err error) bool {
	if err == nil {
		return false
	}
	o.fatal(ctx, st, err)
	return true
}

// basePayload is the common request body for the requirement-analysis
// agents, enriched with any uploaded attachment context.
func (o *Orchestrator) basePayload(st *runState) map[string]any {
	payload := map[string]any{
		"requirement":  st.wf.Requirement,
		"project_name": st.wf.ProjectName,
		"model_name":   st.wf.Model,
	}
	if st.feedback != "" {
		payload["feedback_summary"] = st.feedback
	}
	return payload
}

// gatePassed evaluates a QA or security report. A structured verdict wins;
// otherwise a clean-report phrase in the prose counts as passing.
func gatePassed(report string) bool {
	var verdict struct {
		Passed *bool `json:"passed"`
	}
	if err := json.Unmarshal([]byte(report), &verdict); err == nil && verdict.Passed != nil {
		return *verdict.Passed
	}
	return okPattern.MatchString(report)
}

// outputField extracts a top-level string field from an agent response.
func outputField(raw json.RawMessage, key string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
