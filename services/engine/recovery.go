package engine

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/governedrun/workflowcore/domain/workflowspec"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
)

// RecoverOnStartup reconstructs every non-terminal workflow from its
// persisted checkpoints and resumes it: RUNNING workflows re-enter the
// execution loop at their first incomplete step; PAUSED workflows
// reattach to their pending approval gate without re-delivering the
// webhook notification (the original, if any, already reached the
// approver before the crash). No step already checkpointed COMPLETED is
// ever re-executed — the "No re-execution on recovery" property this
// depends on.
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	records, err := e.store.ListByStatus(ctx, workflowtypes.WorkflowRunning, workflowtypes.WorkflowPaused)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := e.recoverOne(ctx, rec); err != nil {
			if e.logger != nil {
				e.logger.WithFields(map[string]interface{}{
					"workflow_id": rec.ID,
					"error":       err.Error(),
				}).Error("failed to recover workflow")
			}
			continue
		}
	}
	return nil
}

func (e *Engine) recoverOne(ctx context.Context, wfRecord workflowtypes.WorkflowRecord) error {
	_, steps, comps, err := e.store.LoadWorkflow(ctx, wfRecord.ID)
	if err != nil {
		return err
	}

	var spec workflowspec.Spec
	if err := yaml.Unmarshal([]byte(wfRecord.SpecYAML), &spec); err != nil {
		return svcerrors.Internal("unmarshal recovered workflow spec", err)
	}

	state := &workflowtypes.ExecutionState{
		WorkflowID:      wfRecord.ID,
		Status:          wfRecord.Status,
		StepOutputs:     make(map[string]any),
		StartedAt:       wfRecord.CreatedAt,
		UpdatedAt:       wfRecord.UpdatedAt,
		PartialRollback: wfRecord.PartialRollback,
	}

	var pausedStepName string
	var pausedInputs map[string]any
	for _, step := range steps {
		switch step.Status {
		case workflowtypes.StepCompleted:
			if !state.StepCompleted(step.StepName) {
				state.CompletedSteps = append(state.CompletedSteps, step.StepName)
			}
			for key, val := range step.Outputs {
				state.StepOutputs[workflowtypes.OutputKey(step.StepName, key)] = val
			}
		case workflowtypes.StepPaused:
			pausedStepName = step.StepName
			pausedInputs = step.Inputs
		}
	}

	for _, comp := range comps {
		if !comp.Pending() {
			continue
		}
		state.CompensationStack = append(state.CompensationStack, workflowtypes.CompensationStackEntry{
			StepName:   comp.StepName,
			Descriptor: comp.Descriptor,
			Closure:    nil, // lost across restart; intent-form is authoritative (SPEC_FULL.md §9)
			LogID:      comp.ID,
		})
	}

	r := &run{state: state, spec: spec}
	e.mu.Lock()
	e.runs[wfRecord.ID] = r
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	switch wfRecord.Status {
	case workflowtypes.WorkflowRunning:
		go e.execute(runCtx, r)
	case workflowtypes.WorkflowPaused:
		if pausedStepName == "" {
			// No PAUSED checkpoint found; nothing to reattach to, the
			// workflow will sit idle until an operator intervenes.
			return nil
		}
		step, ok := spec.StepByName(pausedStepName)
		if !ok {
			return svcerrors.Internal("recovered workflow references unknown step "+pausedStepName, nil)
		}
		timeout := stepTimeout(step, defaultApprovalTimeout)
		e.approvals.Reattach(wfRecord.ID, pausedStepName, pausedStepName+" requires approval", wfRecord.UpdatedAt, timeout)

		r.mu.Lock()
		resumeCh := make(chan struct{}, 1)
		r.resume = resumeCh
		r.mu.Unlock()

		go func() {
			if err := e.awaitDecision(runCtx, r, step); err != nil {
				e.failAndMaybeRollback(runCtx, r, step.Name, err)
				return
			}

			if step.Kind == workflowtypes.StepKindAction {
				spec, err := e.registry.Get(step.Capability)
				if err != nil {
					e.failAndMaybeRollback(runCtx, r, step.Name, err)
					return
				}
				if err := e.executeCapability(runCtx, r, step, spec, pausedInputs); err != nil {
					e.failAndMaybeRollback(runCtx, r, step.Name, err)
					return
				}
			} else {
				if err := e.store.CheckpointStep(runCtx, r.state.WorkflowID, step.Name, workflowtypes.StepCompleted, pausedInputs, nil, wfRecord.UpdatedAt, timePtr(wfRecord.UpdatedAt), ""); err != nil {
					e.failAndMaybeRollback(runCtx, r, step.Name, err)
					return
				}
				r.mu.Lock()
				r.state.CompletedSteps = append(r.state.CompletedSteps, step.Name)
				r.mu.Unlock()
			}

			e.execute(runCtx, r)
		}()
	}

	return nil
}
