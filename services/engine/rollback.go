package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/governedrun/workflowcore/domain/audit"
	"github.com/governedrun/workflowcore/domain/capability"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

// completeWorkflow marks a workflow COMPLETED once every step has run.
func (e *Engine) completeWorkflow(ctx context.Context, r *run) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.state.Status = workflowtypes.WorkflowCompleted
	r.state.CompletedAt = &now
	r.state.UpdatedAt = now
	startedAt := r.state.StartedAt
	r.mu.Unlock()

	_ = e.store.UpdateWorkflowStatus(ctx, r.state.WorkflowID, workflowtypes.WorkflowCompleted, "", &now, false)
	e.recordAudit(audit.Event{Kind: audit.EventWorkflowCompleted, WorkflowID: r.state.WorkflowID, Timestamp: now, Result: "COMPLETED"})
	if e.metrics != nil {
		e.metrics.RecordWorkflowTerminal("COMPLETED", now.Sub(startedAt))
	}
}

// failAndMaybeRollback records the triggering failure and, if the
// workflow's spec enables auto_rollback, compensates every completed
// step in LIFO order before settling on a terminal state. Otherwise it
// goes straight to FAILED, leaving completed steps uncompensated.
func (e *Engine) failAndMaybeRollback(ctx context.Context, r *run, stepName string, cause error) {
	r.mu.Lock()
	r.state.ErrorMessage = cause.Error()
	autoRollback := r.spec.AutoRollbackEnabled()
	hasCompensations := len(r.state.CompensationStack) > 0
	r.mu.Unlock()

	if !autoRollback || !hasCompensations {
		e.settleTerminal(ctx, r, workflowtypes.WorkflowFailed, cause.Error(), false)
		return
	}

	partial, compErr := e.rollback(ctx, r)
	e.settleTerminal(ctx, r, workflowtypes.WorkflowRolledBack, combineErrorMessage(cause, compErr), partial)
}

// finishRollbackThenTerminal is Cancel's terminal path: compensate
// whatever has completed so far, then land on CANCELED.
func (e *Engine) finishRollbackThenTerminal(ctx context.Context, r *run, terminal workflowtypes.WorkflowStatus, reason string) {
	r.mu.Lock()
	r.state.ErrorMessage = reason
	hasCompensations := len(r.state.CompensationStack) > 0
	r.mu.Unlock()

	partial := false
	var compErr error
	if hasCompensations {
		partial, compErr = e.rollback(ctx, r)
	}
	e.settleTerminal(ctx, r, terminal, combineErrorMessage(fmt.Errorf("%s", reason), compErr), partial)
}

// rollback pops the compensation stack LIFO, preferring the in-memory
// closure fast path and falling back to re-invoking the descriptor's
// capability through the registry. A single compensation's failure does
// not stop the sweep; it is logged and the workflow is marked
// partial_rollback instead.
func (e *Engine) rollback(ctx context.Context, r *run) (partial bool, combined error) {
	r.mu.Lock()
	stack := append([]workflowtypes.CompensationStackEntry(nil), r.state.CompensationStack...)
	r.mu.Unlock()

	var errs *multierror.Error
	for i := len(stack) - 1; i >= 0; i-- {
		entry := stack[i]
		err := e.compensateOne(ctx, r.state.WorkflowID, entry)
		now := time.Now().UTC()
		success := err == nil

		if entry.LogID != 0 {
			_ = e.store.MarkCompensationExecuted(ctx, entry.LogID, now, success, errString(err))
		} else {
			// No compensation_log row id is known for this entry; log the
			// outcome as a new row rather than guessing which pending row
			// corresponds to it.
			_, _ = e.store.LogCompensation(ctx, r.state.WorkflowID, entry.StepName, entry.Descriptor.CapabilityID, entry.Descriptor.Inputs, &now, &success, errString(err))
		}

		e.recordAudit(audit.Event{
			Kind: audit.EventCompensation, WorkflowID: r.state.WorkflowID, StepName: entry.StepName,
			Timestamp: now, Result: resultString(success),
		})
		if e.metrics != nil {
			e.metrics.RecordCompensation(entry.Descriptor.CapabilityID, resultString(success))
		}

		if err != nil {
			partial = true
			errs = multierror.Append(errs, fmt.Errorf("compensate %s (%s): %w", entry.StepName, entry.Descriptor.CapabilityID, err))
		}
	}

	r.mu.Lock()
	r.state.PartialRollback = partial
	r.mu.Unlock()
	return partial, errs.ErrorOrNil()
}

// combineErrorMessage folds the triggering cause and any compensation
// failures collected during rollback into the single message persisted
// on the workflow record.
func combineErrorMessage(cause, compErr error) string {
	if compErr == nil {
		return cause.Error()
	}
	if cause == nil || cause.Error() == "" {
		return compErr.Error()
	}
	return fmt.Sprintf("%s; rollback errors: %s", cause.Error(), compErr.Error())
}

// compensateOne executes a single compensation entry: the closure if
// one survived in memory, otherwise a fresh invocation of the
// descriptor's capability through the registry.
func (e *Engine) compensateOne(ctx context.Context, workflowID string, entry workflowtypes.CompensationStackEntry) error {
	if entry.Closure != nil {
		return entry.Closure()
	}

	handler, err := e.registry.ResolveHandler(entry.Descriptor.CapabilityID)
	if err != nil {
		return err
	}
	_, _, _, err = handler.Execute(capability.HandlerContext{
		WorkflowID: workflowID,
		StepName:   entry.StepName,
	}, entry.Descriptor.Inputs)
	return err
}

func (e *Engine) settleTerminal(ctx context.Context, r *run, status workflowtypes.WorkflowStatus, errorMessage string, partial bool) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.state.Status = status
	r.state.CompletedAt = &now
	r.state.UpdatedAt = now
	r.state.PartialRollback = partial
	startedAt := r.state.StartedAt
	r.mu.Unlock()

	_ = e.store.UpdateWorkflowStatus(ctx, r.state.WorkflowID, status, errorMessage, &now, partial)

	kind := audit.EventWorkflowFailed
	switch status {
	case workflowtypes.WorkflowRolledBack:
		kind = audit.EventWorkflowRolledBack
	case workflowtypes.WorkflowCanceled:
		kind = audit.EventWorkflowCanceled
	}
	e.recordAudit(audit.Event{Kind: kind, WorkflowID: r.state.WorkflowID, Timestamp: now, Result: string(status)})
	if e.metrics != nil {
		e.metrics.RecordWorkflowTerminal(string(status), now.Sub(startedAt))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func resultString(success bool) string {
	if success {
		return "SUCCESS"
	}
	return "FAILED"
}
