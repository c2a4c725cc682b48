package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/domain/audit"
	"github.com/governedrun/workflowcore/domain/capability"
	"github.com/governedrun/workflowcore/domain/policy"
	"github.com/governedrun/workflowcore/domain/workflowspec"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/resilience"
)

// defaultApprovalTimeout applies when a HUMAN_APPROVAL step declares no
// explicit timeout of its own.
const defaultApprovalTimeout = 24 * time.Hour

// execute drives one workflow's steps from the run's current position to
// completion, failure, or a pause. Each iteration recomputes the set of
// declared steps eligible to run — not yet completed, with every
// depends_on entry already completed — rather than walking r.spec.Steps
// in declaration order, since a legal DAG may list a step before the
// dependency it waits on. It is the body of the per-workflow goroutine
// started by Start and by RecoverOnStartup.
func (e *Engine) execute(ctx context.Context, r *run) {
	for {
		r.mu.Lock()
		completed := append([]string(nil), r.state.CompletedSteps...)
		r.mu.Unlock()

		step, found, anyPending := nextEligibleStep(r.spec.Steps, completed)
		if !anyPending {
			break
		}
		if !found {
			e.failAndMaybeRollback(ctx, r, "", svcerrors.Internal("workflow stalled: no remaining step's depends_on are all completed", nil))
			return
		}

		if err := e.runStep(ctx, r, step); err != nil {
			if svcerrors.HasCode(err, svcerrors.ErrCodeCanceled) {
				return // Cancel already drives the terminal transition
			}
			e.failAndMaybeRollback(ctx, r, step.Name, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	e.completeWorkflow(ctx, r)
}

// nextEligibleStep scans steps in declaration order for the first one not
// yet completed whose every depends_on entry is in completed. anyPending
// reports whether any step remains incomplete at all, letting the caller
// distinguish "workflow finished" from "workflow stalled" when found is
// false.
func nextEligibleStep(steps []workflowspec.Step, completed []string) (step workflowspec.Step, found, anyPending bool) {
	done := make(map[string]bool, len(completed))
	for _, name := range completed {
		done[name] = true
	}

	for _, s := range steps {
		if done[s.Name] {
			continue
		}
		anyPending = true
		if found {
			continue
		}

		eligible := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			step = s
			found = true
		}
	}
	return step, found, anyPending
}

// runStep dispatches one top-level step by kind.
func (e *Engine) runStep(ctx context.Context, r *run, step workflowspec.Step) error {
	switch step.Kind {
	case workflowtypes.StepKindAction:
		return e.runAction(ctx, r, step)
	case workflowtypes.StepKindHumanApproval:
		return e.runHumanApproval(ctx, r, step)
	case workflowtypes.StepKindParallel:
		return e.runParallel(ctx, r, step)
	default:
		return svcerrors.SpecValidation(step.Name, []string{"unknown step kind at runtime"})
	}
}

// runAction resolves templates, clears the policy gate (pausing for
// human approval when required), executes the bound capability handler
// with retries, and checkpoints the outcome.
func (e *Engine) runAction(ctx context.Context, r *run, step workflowspec.Step) error {
	spec, err := e.registry.Get(step.Capability)
	if err != nil {
		return err
	}
	executable, err := e.registry.IsExecutable(step.Capability)
	if err != nil {
		return err
	}
	if !executable {
		return svcerrors.CapabilityFrozen(step.Capability)
	}

	r.mu.Lock()
	outputs := r.state.StepOutputs
	r.mu.Unlock()

	inputs, err := workflowspec.ResolveInputs(step.Name, step.Inputs, outputs)
	if err != nil {
		return err
	}

	riskLevel := spec.Risk.Level
	if step.RiskLevel != "" {
		riskLevel = step.RiskLevel
	}

	decision := e.policy.Evaluate(policy.Context{
		Principal:    e.principal,
		CapabilityID: step.Capability,
		RiskLevel:    riskLevel,
		WorkflowID:   r.state.WorkflowID,
		StepName:     step.Name,
		Inputs:       inputs,
	})

	e.recordAudit(audit.Event{
		Kind:       audit.EventPolicyDecision,
		WorkflowID: r.state.WorkflowID,
		StepName:   step.Name,
		Timestamp:  time.Now().UTC(),
		Result:     string(decision),
	})
	if e.metrics != nil {
		e.metrics.RecordPolicyDecision(string(decision), string(riskLevel))
	}

	switch decision {
	case policy.DecisionDeny:
		return svcerrors.PolicyDenied(step.Capability, step.Name)
	case policy.DecisionRequireApproval:
		if err := e.gateOnApproval(ctx, r, step, inputs); err != nil {
			return err
		}
	}

	return e.executeCapability(ctx, r, step, spec, inputs)
}

// executeCapability runs the bound handler with retry, persists the
// step checkpoint, and pushes the resulting compensation (if any) onto
// the in-memory rollback stack.
func (e *Engine) executeCapability(ctx context.Context, r *run, step workflowspec.Step, spec capability.Spec, inputs map[string]any) error {
	handler, err := e.registry.ResolveHandler(step.Capability)
	if err != nil {
		return err
	}

	startedAt := time.Now().UTC()
	r.mu.Lock()
	r.state.UpdatedAt = startedAt
	r.mu.Unlock()

	stepCtx := ctx
	var stepCancel context.CancelFunc
	if d := stepTimeout(step, 0); d > 0 {
		stepCtx, stepCancel = context.WithTimeout(ctx, d)
		defer stepCancel()
	}

	var (
		outputs     map[string]any
		compDesc    *workflowtypes.CompensationDescriptor
		closure     func() error
		attempts    int
		execErr     error
	)
	retryErr := resilience.Retry(stepCtx, retryConfigFor(step), func() error {
		attempts++
		outputs, compDesc, closure, execErr = handler.Execute(capability.HandlerContext{
			WorkflowID: r.state.WorkflowID,
			StepName:   step.Name,
			AgentName:  step.AgentName,
		}, inputs)
		return execErr
	})

	completedAt := time.Now().UTC()

	if retryErr != nil {
		_ = e.store.CheckpointStep(ctx, r.state.WorkflowID, step.Name, workflowtypes.StepFailed, inputs, nil, startedAt, &completedAt, retryErr.Error())
		e.recordAudit(audit.Event{
			Kind: audit.EventStepFailed, WorkflowID: r.state.WorkflowID, StepName: step.Name,
			Timestamp: completedAt, Result: "FAILED",
		})
		if e.metrics != nil {
			e.metrics.RecordStep(step.Capability, "FAILED", completedAt.Sub(startedAt))
		}
		return svcerrors.StepExecution(step.Name, attempts, retryErr)
	}

	if compDesc == nil && step.Compensation != nil {
		compDesc = &workflowtypes.CompensationDescriptor{CapabilityID: step.Compensation.Capability, Inputs: step.Compensation.Inputs}
	}

	if err := e.store.CheckpointStep(ctx, r.state.WorkflowID, step.Name, workflowtypes.StepCompleted, inputs, outputs, startedAt, &completedAt, ""); err != nil {
		return err
	}
	var logID int64
	if compDesc != nil {
		id, err := e.store.LogCompensation(ctx, r.state.WorkflowID, step.Name, compDesc.CapabilityID, compDesc.Inputs, nil, nil, "")
		if err != nil {
			return err
		}
		logID = id
	}

	r.mu.Lock()
	for key, val := range outputs {
		r.state.StepOutputs[workflowtypes.OutputKey(step.Name, key)] = val
	}
	r.state.CompletedSteps = append(r.state.CompletedSteps, step.Name)
	if compDesc != nil {
		r.state.CompensationStack = append(r.state.CompensationStack, workflowtypes.CompensationStackEntry{
			StepName: step.Name, Descriptor: *compDesc, Closure: closure, LogID: logID,
		})
	}
	r.mu.Unlock()

	e.recordAudit(audit.Event{
		Kind: audit.EventStepCompleted, WorkflowID: r.state.WorkflowID, StepName: step.Name,
		Timestamp: completedAt, Outputs: outputs, Result: "COMPLETED",
	})
	if e.metrics != nil {
		e.metrics.RecordStep(step.Capability, "COMPLETED", completedAt.Sub(startedAt))
	}
	return nil
}

// runParallel fans ParallelSteps out concurrently via errgroup. A
// failure in any branch cancels the group; completed branches'
// compensations are still recorded so rollback can undo them.
func (e *Engine) runParallel(ctx context.Context, r *run, step workflowspec.Step) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, branch := range step.ParallelSteps {
		branch := branch
		r.mu.Lock()
		done := r.state.StepCompleted(branch.Name)
		r.mu.Unlock()
		if done {
			continue
		}
		group.Go(func() error {
			return e.runStep(groupCtx, r, branch)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	r.state.CompletedSteps = append(r.state.CompletedSteps, step.Name)
	r.mu.Unlock()
	return nil
}

// runHumanApproval is a standalone approval gate with no capability
// execution of its own: it requests approval and blocks until decided.
func (e *Engine) runHumanApproval(ctx context.Context, r *run, step workflowspec.Step) error {
	r.mu.Lock()
	outputs := r.state.StepOutputs
	r.mu.Unlock()

	inputs, err := workflowspec.ResolveInputs(step.Name, step.Inputs, outputs)
	if err != nil {
		return err
	}
	if err := e.gateOnApproval(ctx, r, step, inputs); err != nil {
		return err
	}

	r.mu.Lock()
	r.state.CompletedSteps = append(r.state.CompletedSteps, step.Name)
	r.mu.Unlock()
	return e.store.CheckpointStep(ctx, r.state.WorkflowID, step.Name, workflowtypes.StepCompleted, inputs, nil, time.Now().UTC(), timePtr(time.Now().UTC()), "")
}

// gateOnApproval pauses the workflow at an approval gate and blocks the
// calling goroutine until Resume wakes it with a decision recorded in
// the approval manager, or the surrounding context is canceled.
func (e *Engine) gateOnApproval(ctx context.Context, r *run, step workflowspec.Step, inputs map[string]any) error {
	timeout := stepTimeout(step, defaultApprovalTimeout)

	r.mu.Lock()
	r.state.Status = workflowtypes.WorkflowPaused
	r.state.UpdatedAt = time.Now().UTC()
	resumeCh := make(chan struct{}, 1)
	r.resume = resumeCh
	r.mu.Unlock()

	if err := e.store.UpdateWorkflowStatus(ctx, r.state.WorkflowID, workflowtypes.WorkflowPaused, "", nil, false); err != nil {
		return err
	}
	if err := e.store.CheckpointStep(ctx, r.state.WorkflowID, step.Name, workflowtypes.StepPaused, inputs, nil, time.Now().UTC(), nil, ""); err != nil {
		return err
	}

	message := step.Name + " requires approval"
	if err := e.approvals.RequestApproval(ctx, r.state.WorkflowID, r.spec.Name, step.Name, message, timeout, inputs); err != nil {
		return err
	}
	e.recordAudit(audit.Event{
		Kind: audit.EventApprovalRequested, WorkflowID: r.state.WorkflowID, StepName: step.Name,
		Timestamp: time.Now().UTC(), Result: "PENDING",
	})

	return e.awaitDecision(ctx, r, step)
}

// awaitDecision blocks until the approval manager records a terminal
// decision (or TIMEOUT) for step, or ctx is canceled. Used both by a
// fresh gate (after RequestApproval) and by recovery, which reattaches
// to an already-pending gate without re-delivering the webhook.
func (e *Engine) awaitDecision(ctx context.Context, r *run, step workflowspec.Step) error {
	r.mu.Lock()
	resumeCh := r.resume
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return svcerrors.Canceled(r.state.WorkflowID)
		case <-resumeCh:
		}

		rec, ok := e.approvals.Get(r.state.WorkflowID, step.Name)
		if !ok {
			continue
		}
		switch rec.State {
		case approval.StatePending:
			continue
		case approval.StateApproved:
			r.mu.Lock()
			r.state.Status = workflowtypes.WorkflowRunning
			r.state.UpdatedAt = time.Now().UTC()
			r.resume = nil
			r.mu.Unlock()
			return e.store.UpdateWorkflowStatus(ctx, r.state.WorkflowID, workflowtypes.WorkflowRunning, "", nil, false)
		case approval.StateRejected:
			return svcerrors.ApprovalRejected(step.Name, rec.Rationale)
		case approval.StateTimeout:
			return svcerrors.ApprovalTimeout(step.Name)
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// HandleApprovalTimeouts sweeps the approval manager for expired gates
// and wakes the corresponding workflow goroutines so they can observe
// the TIMEOUT state and begin rollback. Intended to be called
// periodically (cmd/workflowd wires this to a cron schedule).
func (e *Engine) HandleApprovalTimeouts(now time.Time) {
	expired := e.approvals.SweepTimeouts(now)
	if len(expired) == 0 {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, key := range expired {
		r, ok := e.runs[key.WorkflowID]
		if !ok {
			continue
		}
		r.mu.Lock()
		resumeCh := r.resume
		r.mu.Unlock()
		if resumeCh != nil {
			select {
			case resumeCh <- struct{}{}:
			default:
			}
		}
	}
}
