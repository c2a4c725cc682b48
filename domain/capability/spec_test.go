package capability

import (
	"testing"

	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

func baseSpec() Spec {
	return Spec{
		ID:            "test.capability",
		OperationType: workflowtypes.OpWrite,
		SideEffects:   SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
		Compensation:  Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
		Risk:          Risk{Level: workflowtypes.RiskMedium},
	}
}

func TestValidate_AcceptsWellFormedSpec(t *testing.T) {
	if err := baseSpec().Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_Rule1_IrreversibleRequiresHighOrCritical(t *testing.T) {
	s := baseSpec()
	s.SideEffects.Reversible = false
	s.Risk.Level = workflowtypes.RiskMedium
	if err := s.Validate(); err == nil {
		t.Fatal("expected rule 1 violation for irreversible capability at MEDIUM risk")
	}

	s.Risk.Level = workflowtypes.RiskHigh
	s.Compensation.Supported = true
	if err := s.Validate(); err != nil {
		t.Fatalf("HIGH risk should satisfy rule 1, got %v", err)
	}
}

func TestValidate_Rule2_DeleteRequiresHighOrCritical(t *testing.T) {
	s := baseSpec()
	s.OperationType = workflowtypes.OpDelete
	s.SideEffects.Reversible = true
	s.Risk.Level = workflowtypes.RiskLow
	if err := s.Validate(); err == nil {
		t.Fatal("expected rule 2 violation for DELETE at LOW risk")
	}

	s.Risk.Level = workflowtypes.RiskCritical
	if err := s.Validate(); err != nil {
		t.Fatalf("CRITICAL risk should satisfy rule 2, got %v", err)
	}
}

func TestValidate_Rule3_IrreversibleUnsupportedCompensationRequiresCritical(t *testing.T) {
	s := baseSpec()
	s.SideEffects.Reversible = false
	s.Compensation.Supported = false
	s.Risk.Level = workflowtypes.RiskHigh
	if err := s.Validate(); err == nil {
		t.Fatal("expected rule 3 violation: HIGH is not CRITICAL")
	}

	s.Risk.Level = workflowtypes.RiskCritical
	if err := s.Validate(); err != nil {
		t.Fatalf("CRITICAL should satisfy rule 3, got %v", err)
	}
}

func TestValidate_RejectsUnknownOperationTypeAndRiskLevel(t *testing.T) {
	s := baseSpec()
	s.OperationType = "BOGUS"
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for unknown operation_type")
	}

	s = baseSpec()
	s.Risk.Level = "BOGUS"
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for unknown risk.level")
	}
}

func TestValidate_RejectsEmptyIdentifier(t *testing.T) {
	s := baseSpec()
	s.ID = ""
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for empty identifier")
	}
}

func TestHandlerFunc_AdaptsToHandlerWithNilClosure(t *testing.T) {
	var h Handler = HandlerFunc(func(ctx HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
		return map[string]any{"ok": true}, nil, nil
	})

	outputs, comp, closure, err := h.Execute(HandlerContext{WorkflowID: "wf-1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outputs["ok"] != true {
		t.Fatalf("expected outputs to pass through, got %v", outputs)
	}
	if comp != nil {
		t.Fatal("expected nil compensation descriptor")
	}
	if closure != nil {
		t.Fatal("HandlerFunc must never produce a closure")
	}
}
