package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/domain/audit"
	"github.com/governedrun/workflowcore/domain/capability"
	"github.com/governedrun/workflowcore/domain/policy"
	"github.com/governedrun/workflowcore/domain/workflowspec"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/persistence"
	"github.com/governedrun/workflowcore/services/approvalmanager"
	"github.com/governedrun/workflowcore/services/policyengine"
	"github.com/governedrun/workflowcore/services/registry"
)

const allowAllPolicy = `
default: DENY
rules:
  - principal: "*"
    when: {capability: "*"}
    decision: ALLOW
`

// orderTracker records the order in which compensations actually ran, so
// rollback tests can assert LIFO without depending on timing.
type orderTracker struct {
	mu    sync.Mutex
	order []string
}

func (o *orderTracker) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, name)
}

func (o *orderTracker) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func newTestEngine(t *testing.T, policyYAML string) (*Engine, *orderTracker) {
	t.Helper()

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pol, err := policyengine.LoadFromYAML([]byte(policyYAML))
	if err != nil {
		t.Fatalf("LoadFromYAML failed: %v", err)
	}

	logger := logging.New("engine-test", "error", "json")
	reg := registry.New(logger)
	tracker := &orderTracker{}

	registerOp := func(id string, fails bool) {
		spec := capability.Spec{
			ID:            id,
			OperationType: workflowtypes.OpWrite,
			SideEffects:   capability.SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
			Compensation:  capability.Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
			Risk:          capability.Risk{Level: workflowtypes.RiskMedium},
		}
		handler := capability.HandlerFunc(func(ctx capability.HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
			tracker.record("exec:" + ctx.StepName)
			if fails {
				return nil, nil, fmt.Errorf("synthetic failure for %s", ctx.StepName)
			}
			return map[string]any{"done": true}, &workflowtypes.CompensationDescriptor{CapabilityID: "undo." + id, Inputs: map[string]any{"step": ctx.StepName}}, nil
		})
		if err := reg.Register(spec, handler); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}

		undoSpec := capability.Spec{
			ID:            "undo." + id,
			OperationType: workflowtypes.OpDelete,
			SideEffects:   capability.SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
			Compensation:  capability.Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
			Risk:          capability.Risk{Level: workflowtypes.RiskHigh},
		}
		undoHandler := capability.HandlerFunc(func(ctx capability.HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
			if step, ok := inputs["step"].(string); ok {
				tracker.record("undo:" + step)
			}
			return nil, nil, nil
		})
		if err := reg.Register(undoSpec, undoHandler); err != nil {
			t.Fatalf("Register(undo.%s) failed: %v", id, err)
		}
	}

	registerOp("ops.stepA", false)
	registerOp("ops.stepB", false)
	registerOp("ops.stepC", true)

	approvals := approvalmanager.New(approvalmanager.Config{Logger: logger})
	auditSink := audit.NewSink(logger, audit.LevelDetailed)

	eng := New(Config{
		Registry:  reg,
		Store:     store,
		Policy:    pol,
		Approvals: approvals,
		Audit:     auditSink,
		Logger:    logger,
		Principal: policy.Principal{Type: "agent", ID: "tester"},
	})
	return eng, tracker
}

func waitForTerminal(t *testing.T, eng *Engine, workflowID string, timeout time.Duration) *workflowtypes.ExecutionState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := eng.Status(workflowID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if state.Status.IsTerminal() {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", workflowID, timeout)
	return nil
}

func waitForStatus(t *testing.T, eng *Engine, workflowID string, want workflowtypes.WorkflowStatus, timeout time.Duration) *workflowtypes.ExecutionState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := eng.Status(workflowID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if state.Status == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s within %s", workflowID, want, timeout)
	return nil
}

func TestEngine_SubmitStartComplete(t *testing.T) {
	eng, tracker := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
			{Name: "step2", Kind: workflowtypes.StepKindAction, Capability: "ops.stepB"},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.ErrorMessage)
	}

	order := tracker.snapshot()
	if len(order) != 2 || order[0] != "exec:step1" || order[1] != "exec:step2" {
		t.Fatalf("expected steps to execute in declared order, got %v", order)
	}
}

func TestEngine_ExecutesStepsInDependencyOrderNotDeclarationOrder(t *testing.T) {
	eng, tracker := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	// step2 depends on step1 but is declared first — a legal DAG that the
	// engine must still run in dependency order, not declaration order.
	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "step2", Kind: workflowtypes.StepKindAction, Capability: "ops.stepB", DependsOn: []string{"step1"}},
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", state.Status, state.ErrorMessage)
	}

	order := tracker.snapshot()
	if len(order) != 2 || order[0] != "exec:step1" || order[1] != "exec:step2" {
		t.Fatalf("expected step1 before step2 regardless of declaration order, got %v", order)
	}
}

func TestEngine_FailureTriggersLIFORollback(t *testing.T) {
	eng, tracker := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
			{Name: "step2", Kind: workflowtypes.StepKindAction, Capability: "ops.stepB"},
			{Name: "step3", Kind: workflowtypes.StepKindAction, Capability: "ops.stepC"}, // always fails
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s (%s)", state.Status, state.ErrorMessage)
	}

	order := tracker.snapshot()
	// step3's own execution attempts are not compensated (it never
	// succeeded), only step1 and step2 are — in LIFO order.
	undoIdx := map[string]int{}
	for i, entry := range order {
		undoIdx[entry] = i
	}
	if undoIdx["undo:step2"] == 0 && undoIdx["undo:step1"] == 0 {
		t.Fatalf("expected both compensations to run, got %v", order)
	}
	if undoIdx["undo:step2"] >= undoIdx["undo:step1"] {
		t.Fatalf("expected LIFO compensation order (step2 undone before step1), got %v", order)
	}
}

func TestEngine_AutoRollbackDisabledLeavesStepsUncompensated(t *testing.T) {
	eng, tracker := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	noRollback := false
	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		AutoRollback: &noRollback,
		Steps: []workflowspec.Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
			{Name: "step2", Kind: workflowtypes.StepKindAction, Capability: "ops.stepC"},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowFailed {
		t.Fatalf("expected FAILED (no rollback), got %s", state.Status)
	}

	for _, entry := range tracker.snapshot() {
		if entry == "undo:step1" {
			t.Fatal("auto_rollback=false must not compensate completed steps")
		}
	}
}

func TestEngine_ResumeApprovalUnblocksWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "gate", Kind: workflowtypes.StepKindHumanApproval},
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForStatus(t, eng, workflowID, workflowtypes.WorkflowPaused, 2*time.Second)

	pending := eng.PendingApprovals(workflowID, "")
	if len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(pending))
	}

	if err := eng.Resume(ctx, workflowID, "gate", approval.DecisionApproved, "alice", "looks fine", ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCompleted {
		t.Fatalf("expected COMPLETED after approval, got %s (%s)", state.Status, state.ErrorMessage)
	}
}

func TestEngine_ResumeWithRejectionTriggersRollback(t *testing.T) {
	eng, _ := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
			{Name: "gate", Kind: workflowtypes.StepKindHumanApproval},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForStatus(t, eng, workflowID, workflowtypes.WorkflowPaused, 2*time.Second)
	if err := eng.Resume(ctx, workflowID, "gate", approval.DecisionRejected, "bob", "not today", ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowRolledBack {
		t.Fatalf("expected ROLLED_BACK after rejection, got %s (%s)", state.Status, state.ErrorMessage)
	}
}

func TestEngine_CancelTriggersRollback(t *testing.T) {
	eng, tracker := newTestEngine(t, allowAllPolicy)
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "gate", Kind: workflowtypes.StepKindHumanApproval},
		},
	}
	spec.Steps = append([]workflowspec.Step{{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"}}, spec.Steps...)

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForStatus(t, eng, workflowID, workflowtypes.WorkflowPaused, 2*time.Second)
	if err := eng.Cancel(ctx, workflowID, "operator abort"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCanceled {
		t.Fatalf("expected CANCELED, got %s", state.Status)
	}
	found := false
	for _, entry := range tracker.snapshot() {
		if entry == "undo:step1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Cancel to compensate the already-completed step")
	}
}

func TestEngine_PolicyDenyFailsStepImmediately(t *testing.T) {
	eng, _ := newTestEngine(t, "default: DENY\nrules: []\n")
	ctx := context.Background()

	spec := workflowspec.Spec{
		Name: "demo", Version: "1.0", Owner: "alice",
		Steps: []workflowspec.Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "ops.stepA"},
		},
	}

	workflowID, err := eng.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.Start(ctx, workflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowFailed {
		t.Fatalf("expected FAILED on policy denial, got %s", state.Status)
	}
}

func TestEngine_RecoverOnStartupDoesNotReexecuteCompletedSteps(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}

	pol, err := policyengine.LoadFromYAML([]byte(allowAllPolicy))
	if err != nil {
		t.Fatalf("LoadFromYAML failed: %v", err)
	}
	logger := logging.New("engine-recovery-test", "error", "json")
	reg := registry.New(logger)
	tracker := &orderTracker{}

	spec := capability.Spec{
		ID:            "ops.stepA",
		OperationType: workflowtypes.OpWrite,
		SideEffects:   capability.SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
		Compensation:  capability.Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
		Risk:          capability.Risk{Level: workflowtypes.RiskMedium},
	}
	if err := reg.Register(spec, capability.HandlerFunc(func(ctx capability.HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
		tracker.record("exec:" + ctx.StepName)
		return map[string]any{"done": true}, nil, nil
	})); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	workflowID := "wf-recovery-1"
	if err := store.CreateWorkflow(ctx, workflowID, "demo", "1.0", "alice", "name: demo\nversion: \"1.0\"\nowner: alice\nsteps:\n  - name: step1\n    kind: ACTION\n    capability: ops.stepA\n  - name: step2\n    kind: ACTION\n    capability: ops.stepA\n"); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	now := time.Now().UTC()
	if err := store.CheckpointStep(ctx, workflowID, "step1", workflowtypes.StepCompleted, map[string]any{}, map[string]any{"done": true}, now, &now, ""); err != nil {
		t.Fatalf("CheckpointStep failed: %v", err)
	}
	if err := store.UpdateWorkflowStatus(ctx, workflowID, workflowtypes.WorkflowRunning, "", nil, false); err != nil {
		t.Fatalf("UpdateWorkflowStatus failed: %v", err)
	}
	store.Close()

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	approvals := approvalmanager.New(approvalmanager.Config{Logger: logger})
	auditSink := audit.NewSink(logger, audit.LevelDetailed)
	eng := New(Config{Registry: reg, Store: store, Policy: pol, Approvals: approvals, Audit: auditSink, Logger: logger})

	if err := eng.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("RecoverOnStartup failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s (%s)", state.Status, state.ErrorMessage)
	}

	order := tracker.snapshot()
	if len(order) != 1 || order[0] != "exec:step2" {
		t.Fatalf("expected only step2 to execute on recovery (step1 already COMPLETED), got %v", order)
	}
}

// TestEngine_RecoverOnStartupDoesNotReexecuteCompletedParallelBranch guards
// against re-running a PARALLEL branch whose completion was checkpointed
// before a crash. The outer PARALLEL step itself is only appended to
// CompletedSteps after every branch's group.Wait() succeeds, so recovery
// must rely on each branch's own checkpoint rather than the step's.
func TestEngine_RecoverOnStartupDoesNotReexecuteCompletedParallelBranch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}

	pol, err := policyengine.LoadFromYAML([]byte(allowAllPolicy))
	if err != nil {
		t.Fatalf("LoadFromYAML failed: %v", err)
	}
	logger := logging.New("engine-parallel-recovery-test", "error", "json")
	reg := registry.New(logger)
	tracker := &orderTracker{}

	registerSimple := func(id string) {
		spec := capability.Spec{
			ID:            id,
			OperationType: workflowtypes.OpWrite,
			SideEffects:   capability.SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
			Compensation:  capability.Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
			Risk:          capability.Risk{Level: workflowtypes.RiskMedium},
		}
		if err := reg.Register(spec, capability.HandlerFunc(func(ctx capability.HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
			tracker.record("exec:" + ctx.StepName)
			return map[string]any{"done": true}, nil, nil
		})); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}
	registerSimple("ops.stepA")
	registerSimple("ops.stepB")

	ctx := context.Background()
	workflowID := "wf-parallel-recovery-1"
	specYAML := "name: demo\nversion: \"1.0\"\nowner: alice\nsteps:\n" +
		"  - name: par1\n    kind: PARALLEL\n    parallel_steps:\n" +
		"      - name: branchA\n        kind: ACTION\n        capability: ops.stepA\n" +
		"      - name: branchB\n        kind: ACTION\n        capability: ops.stepB\n"
	if err := store.CreateWorkflow(ctx, workflowID, "demo", "1.0", "alice", specYAML); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	now := time.Now().UTC()
	if err := store.CheckpointStep(ctx, workflowID, "branchA", workflowtypes.StepCompleted, map[string]any{}, map[string]any{"done": true}, now, &now, ""); err != nil {
		t.Fatalf("CheckpointStep failed: %v", err)
	}
	if err := store.UpdateWorkflowStatus(ctx, workflowID, workflowtypes.WorkflowRunning, "", nil, false); err != nil {
		t.Fatalf("UpdateWorkflowStatus failed: %v", err)
	}
	store.Close()

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	approvals := approvalmanager.New(approvalmanager.Config{Logger: logger})
	auditSink := audit.NewSink(logger, audit.LevelDetailed)
	eng := New(Config{Registry: reg, Store: store, Policy: pol, Approvals: approvals, Audit: auditSink, Logger: logger})

	if err := eng.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("RecoverOnStartup failed: %v", err)
	}

	state := waitForTerminal(t, eng, workflowID, 2*time.Second)
	if state.Status != workflowtypes.WorkflowCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s (%s)", state.Status, state.ErrorMessage)
	}

	order := tracker.snapshot()
	if len(order) != 1 || order[0] != "exec:branchB" {
		t.Fatalf("expected only branchB to re-execute on recovery (branchA already COMPLETED), got %v", order)
	}
}
