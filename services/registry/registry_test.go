package registry

import (
	"testing"

	"github.com/governedrun/workflowcore/domain/capability"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/logging"
)

func testSpec(id string) capability.Spec {
	return capability.Spec{
		ID:            id,
		OperationType: workflowtypes.OpWrite,
		SideEffects:   capability.SideEffects{Reversible: true, Scope: workflowtypes.ScopeLocal},
		Compensation:  capability.Compensation{Supported: true, Strategy: workflowtypes.CompensationInverse},
		Risk:          capability.Risk{Level: workflowtypes.RiskMedium},
	}
}

func noopHandler() capability.Handler {
	return capability.HandlerFunc(func(ctx capability.HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error) {
		return inputs, nil, nil
	})
}

func newTestRegistry() *Registry {
	return New(logging.New("registry-test", "error", "json"))
}

func TestRegister_BindsSpecAndHandler(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(testSpec("io.test.op"), noopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	spec, err := r.Get("io.test.op")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if spec.Lifecycle != workflowtypes.LifecycleActive {
		t.Fatalf("expected newly registered capability to default to ACTIVE, got %s", spec.Lifecycle)
	}

	if _, err := r.ResolveHandler("io.test.op"); err != nil {
		t.Fatalf("ResolveHandler failed: %v", err)
	}
}

func TestRegister_RejectsInvalidSpec(t *testing.T) {
	r := newTestRegistry()
	spec := testSpec("io.test.bad")
	spec.SideEffects.Reversible = false
	spec.Risk.Level = workflowtypes.RiskLow

	if err := r.Register(spec, noopHandler()); err == nil {
		t.Fatal("expected Register to reject a spec that violates the risk consistency rules")
	}
}

func TestRegister_RejectsNilHandler(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(testSpec("io.test.nilhandler"), nil); err == nil {
		t.Fatal("expected Register to reject a nil handler")
	}
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()
	spec := testSpec("io.test.dup")
	if err := r.Register(spec, noopHandler()); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := r.Register(spec, noopHandler())
	if err == nil {
		t.Fatal("expected a second Register of the same id to fail")
	}
	if !svcerrors.HasCode(err, svcerrors.ErrCodeAlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestGet_UnknownCapabilityIsNotFound(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Get("ghost"); err == nil {
		t.Fatal("expected NotFound for an unregistered capability")
	}
}

func TestFreezeAndDeprecate_TransitionLifecycle(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(testSpec("io.test.freeze"), noopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executable, err := r.IsExecutable("io.test.freeze")
	if err != nil || !executable {
		t.Fatalf("expected a freshly registered capability to be executable, got %v err=%v", executable, err)
	}

	if err := r.Freeze("io.test.freeze"); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	executable, err = r.IsExecutable("io.test.freeze")
	if err != nil || executable {
		t.Fatalf("expected FROZEN capability to be non-executable, got %v err=%v", executable, err)
	}

	lifecycle, err := r.Lifecycle("io.test.freeze")
	if err != nil || lifecycle != workflowtypes.LifecycleFrozen {
		t.Fatalf("expected FROZEN lifecycle, got %s err=%v", lifecycle, err)
	}

	if err := r.Deprecate("io.test.freeze"); err != nil {
		t.Fatalf("Deprecate failed: %v", err)
	}
	lifecycle, err = r.Lifecycle("io.test.freeze")
	if err != nil || lifecycle != workflowtypes.LifecycleDeprecated {
		t.Fatalf("expected DEPRECATED lifecycle, got %s err=%v", lifecycle, err)
	}
}

func TestTransition_UnknownCapabilityIsNotFound(t *testing.T) {
	r := newTestRegistry()
	if err := r.Freeze("ghost"); err == nil {
		t.Fatal("expected NotFound when freezing an unregistered capability")
	}
}

func TestList_ReturnsAllRegisteredSpecs(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(testSpec("io.test.one"), noopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(testSpec("io.test.two"), noopHandler()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	specs := r.List()
	if len(specs) != 2 {
		t.Fatalf("expected 2 registered specs, got %d", len(specs))
	}
}
