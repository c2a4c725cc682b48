package workflowspec

import (
	"testing"

	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

func validSpec() Spec {
	return Spec{
		Name:    "demo",
		Version: "1.0",
		Owner:   "alice",
		Steps: []Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
			{Name: "step2", Kind: workflowtypes.StepKindHumanApproval, DependsOn: []string{"step1"}},
		},
	}
}

func TestValidate_AcceptsWellFormedSpec(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_RejectsMissingRequiredFields(t *testing.T) {
	s := validSpec()
	s.Name = ""
	s.Version = ""
	s.Owner = ""
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing name/version/owner")
	}
}

func TestValidate_RejectsEmptySteps(t *testing.T) {
	s := validSpec()
	s.Steps = nil
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for empty steps")
	}
}

func TestValidate_RejectsDuplicateStepNames(t *testing.T) {
	s := validSpec()
	s.Steps = append(s.Steps, Step{Name: "step1", Kind: workflowtypes.StepKindHumanApproval})
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for duplicate step name")
	}
}

func TestValidate_RejectsActionStepWithoutCapability(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{{Name: "step1", Kind: workflowtypes.StepKindAction}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for ACTION step missing capability")
	}
}

func TestValidate_RejectsParallelStepWithNoBranches(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{{Name: "par1", Kind: workflowtypes.StepKindParallel}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for PARALLEL step with no parallel_steps")
	}
}

func TestValidate_RejectsUnknownDependsOn(t *testing.T) {
	s := validSpec()
	s.Steps[1].DependsOn = []string{"ghost"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for depends_on referencing an unknown step")
	}
}

func TestValidate_AcceptsWellFormedParallelStep(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{
		{Name: "par1", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
			{Name: "branchA", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
			{Name: "branchB", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
		}},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_RejectsNestedHumanApprovalInParallel(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{
		{Name: "par1", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
			{Name: "branchA", Kind: workflowtypes.StepKindHumanApproval},
		}},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for a nested HUMAN_APPROVAL branch")
	}
}

func TestValidate_RejectsNestedParallelInParallel(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{
		{Name: "par1", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
			{Name: "branchA", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
				{Name: "branchA1", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
			}},
		}},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for a nested PARALLEL branch")
	}
}

func TestValidate_RejectsParallelBranchWithoutCapability(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{
		{Name: "par1", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
			{Name: "branchA", Kind: workflowtypes.StepKindAction},
		}},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for a parallel branch missing capability")
	}
}

func TestValidate_RejectsDuplicateNameBetweenTopLevelAndParallelBranch(t *testing.T) {
	s := validSpec()
	s.Steps = []Step{
		{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
		{Name: "par1", Kind: workflowtypes.StepKindParallel, ParallelSteps: []Step{
			{Name: "step1", Kind: workflowtypes.StepKindAction, Capability: "io.fs.write_file"},
		}},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for a nested branch reusing a top-level step name")
	}
}

func TestRetries_DefaultsWhenUnset(t *testing.T) {
	s := Step{}
	if got := s.Retries(); got != DefaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", DefaultMaxRetries, got)
	}

	n := 5
	s.MaxRetries = &n
	if got := s.Retries(); got != 5 {
		t.Fatalf("expected explicit max retries 5, got %d", got)
	}
}

func TestAutoRollbackEnabled_DefaultsTrue(t *testing.T) {
	s := Spec{}
	if !s.AutoRollbackEnabled() {
		t.Fatal("expected auto_rollback to default true")
	}

	disabled := false
	s.AutoRollback = &disabled
	if s.AutoRollbackEnabled() {
		t.Fatal("expected explicit false to be honored")
	}
}

func TestStepByName(t *testing.T) {
	s := validSpec()
	step, ok := s.StepByName("step1")
	if !ok || step.Capability != "io.fs.write_file" {
		t.Fatalf("expected to find step1, got %+v ok=%v", step, ok)
	}

	if _, ok := s.StepByName("ghost"); ok {
		t.Fatal("expected ghost step to be absent")
	}
}
