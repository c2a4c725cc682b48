// Package engine implements the Workflow Engine: the orchestrator that
// drives one workflow's steps from PENDING through to a terminal state,
// consulting the Capability Registry, Policy Engine, and Human Approval
// Manager along the way, and checkpointing every transition through the
// persistence layer so a crash never loses more than the step in flight.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/domain/audit"
	"github.com/governedrun/workflowcore/domain/policy"
	"github.com/governedrun/workflowcore/domain/workflowspec"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/metrics"
	"github.com/governedrun/workflowcore/infrastructure/persistence"
	"github.com/governedrun/workflowcore/infrastructure/resilience"
	"github.com/governedrun/workflowcore/services/approvalmanager"
	"github.com/governedrun/workflowcore/services/policyengine"
	"github.com/governedrun/workflowcore/services/registry"
)

// run tracks one workflow's live in-memory execution, whether newly
// started or reconstructed on recovery. A workflow with no running
// goroutine (e.g. PAUSED, or terminal) still has a run entry so Status
// and Resume have somewhere to read/write.
type run struct {
	mu     sync.Mutex
	state  *workflowtypes.ExecutionState
	spec   workflowspec.Spec
	cancel context.CancelFunc
	resume chan struct{}
}

// Engine composes the Capability Registry, persistence layer, Policy
// Engine, and Human Approval Manager into the orchestrator described by
// the execution loop. It is safe for concurrent use; each workflow's
// steps run sequentially (except a PARALLEL step's branches, which run
// concurrently) and distinct workflows run concurrently.
type Engine struct {
	registry  *registry.Registry
	store     *persistence.Store
	policy    *policyengine.Engine
	approvals *approvalmanager.Manager
	audit     *audit.Sink
	metrics   *metrics.Metrics
	logger    *logging.Logger

	principal policy.Principal

	mu   sync.RWMutex
	runs map[string]*run
}

// Config bundles the Engine's dependencies.
type Config struct {
	Registry  *registry.Registry
	Store     *persistence.Store
	Policy    *policyengine.Engine
	Approvals *approvalmanager.Manager
	Audit     *audit.Sink
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	// Principal is the actor identity steps execute under for policy
	// evaluation; a single-tenant deployment runs everything as one
	// principal (§4.3 extends naturally to per-step principals later).
	Principal policy.Principal
}

// New constructs an Engine. It does not itself touch the database; call
// RecoverOnStartup afterward to reconstruct in-flight workflows.
func New(cfg Config) *Engine {
	return &Engine{
		registry:  cfg.Registry,
		store:     cfg.Store,
		policy:    cfg.Policy,
		approvals: cfg.Approvals,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		principal: cfg.Principal,
		runs:      make(map[string]*run),
	}
}

// Submit validates spec, assigns a workflow id, and persists it in
// PENDING status. Execution does not begin until Start is called.
func (e *Engine) Submit(ctx context.Context, spec workflowspec.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	specYAML, err := yaml.Marshal(spec)
	if err != nil {
		return "", svcerrors.Internal("marshal workflow spec", err)
	}

	workflowID := uuid.NewString()
	if err := e.store.CreateWorkflow(ctx, workflowID, spec.Name, spec.Version, spec.Owner, string(specYAML)); err != nil {
		return "", err
	}

	state := workflowtypes.NewExecutionState(workflowID)
	e.mu.Lock()
	e.runs[workflowID] = &run{state: state, spec: spec}
	e.mu.Unlock()

	e.recordAudit(audit.Event{
		Kind:       audit.EventWorkflowSubmitted,
		WorkflowID: workflowID,
		Actor:      spec.Owner,
		Timestamp:  time.Now().UTC(),
		Result:     string(workflowtypes.WorkflowPending),
	})

	if e.logger != nil {
		e.logger.WithFields(map[string]interface{}{
			"workflow_id": workflowID,
			"name":        spec.Name,
		}).Info("workflow submitted")
	}

	return workflowID, nil
}

// Start transitions a PENDING workflow to RUNNING and launches its
// executor goroutine. It returns once the transition is durable; the
// steps themselves run asynchronously.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status != workflowtypes.WorkflowPending {
		status := r.state.Status
		r.mu.Unlock()
		return svcerrors.InvalidState("workflow", string(status), string(workflowtypes.WorkflowRunning))
	}
	r.state.Status = workflowtypes.WorkflowRunning
	r.state.UpdatedAt = time.Now().UTC()
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, workflowtypes.WorkflowRunning, "", nil, false); err != nil {
		return err
	}

	e.recordAudit(audit.Event{
		Kind:       audit.EventWorkflowStarted,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Result:     string(workflowtypes.WorkflowRunning),
	})

	go e.execute(runCtx, r)
	return nil
}

// Resume applies a pending approval decision and, if it unblocks the
// workflow, wakes its executor goroutine to continue past the gate. A
// REJECTED decision is treated exactly as the step itself failing:
// rollback begins per the workflow's auto_rollback setting.
func (e *Engine) Resume(ctx context.Context, workflowID, stepName string, decision approval.Decision, approver, rationale, requestID string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	status := r.state.Status
	r.mu.Unlock()
	if status != workflowtypes.WorkflowPaused {
		return svcerrors.InvalidState("workflow", string(status), string(workflowtypes.WorkflowPaused))
	}

	if err := e.approvals.RecordDecision(ctx, workflowID, stepName, decision, approver, rationale, requestID); err != nil {
		return err
	}

	e.recordAudit(audit.Event{
		Kind:       audit.EventApprovalDecided,
		WorkflowID: workflowID,
		StepName:   stepName,
		Actor:      approver,
		Timestamp:  time.Now().UTC(),
		Result:     string(decision),
	})

	r.mu.Lock()
	resumeCh := r.resume
	r.mu.Unlock()
	if resumeCh != nil {
		select {
		case resumeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel stops a non-terminal workflow. Already-completed steps with a
// recorded compensation are compensated (LIFO) before the workflow reaches
// CANCELED, whatever the spec's auto_rollback setting; with nothing to
// compensate it transitions immediately.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status.IsTerminal() {
		status := r.state.Status
		r.mu.Unlock()
		return svcerrors.InvalidState("workflow", string(status), string(workflowtypes.WorkflowCanceled))
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.finishRollbackThenTerminal(ctx, r, workflowtypes.WorkflowCanceled, reason)
	return nil
}

// Status returns a snapshot of the workflow's current execution state.
func (e *Engine) Status(workflowID string) (*workflowtypes.ExecutionState, error) {
	r, err := e.getRun(workflowID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *r.state
	snapshot.CompletedSteps = append([]string(nil), r.state.CompletedSteps...)
	snapshot.CompensationStack = append([]workflowtypes.CompensationStackEntry(nil), r.state.CompensationStack...)
	return &snapshot, nil
}

// PendingApprovals lists outstanding approval gates, optionally filtered
// to one workflow/step, for the admin API's GET /v1/approvals.
func (e *Engine) PendingApprovals(workflowID, stepName string) []approval.Record {
	return e.approvals.GetPending(workflowID, stepName)
}

// ActiveWorkflowCount returns the number of tracked workflows not yet in
// a terminal state, for periodic gauge reporting (cmd/workflowd wires
// this to metrics.SetActiveWorkflows on a ticker).
func (e *Engine) ActiveWorkflowCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	count := 0
	for _, r := range e.runs {
		r.mu.Lock()
		terminal := r.state.Status.IsTerminal()
		r.mu.Unlock()
		if !terminal {
			count++
		}
	}
	return count
}

func (e *Engine) getRun(workflowID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, svcerrors.NotFound("workflow", workflowID)
	}
	return r, nil
}

func (e *Engine) recordAudit(ev audit.Event) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ev)
}

// retryConfigFor builds a resilience.RetryConfig honoring a step's
// declared max_retries, capped at the library defaults for delay shape.
func retryConfigFor(step workflowspec.Step) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = step.Retries() + 1
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

func stepTimeout(step workflowspec.Step, fallback time.Duration) time.Duration {
	if step.TimeoutRaw == "" {
		return fallback
	}
	d, err := time.ParseDuration(step.TimeoutRaw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
