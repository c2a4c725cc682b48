// Package capability defines the Capability Specification data model and
// the Risk Consistency Invariants enforced at registration. It holds no
// registry state of its own — see services/registry for the catalog.
package capability

import (
	"fmt"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

// Parameter describes one named, typed input a capability accepts.
type Parameter struct {
	Name        string
	Type        string // "string", "int", "bool", "object", ...
	Required    bool
	Description string
}

// SideEffects captures whether a capability's effects can be undone and
// where they land.
type SideEffects struct {
	Reversible bool
	Scope      workflowtypes.Scope
}

// Compensation describes how (if at all) a capability's effects can be
// undone.
type Compensation struct {
	Supported                 bool
	Strategy                  workflowtypes.CompensationStrategy
	CompensatingCapabilityID  string // optional
}

// Risk captures the declared risk posture of a capability.
type Risk struct {
	Level            workflowtypes.RiskLevel
	Justification    string
	RequiresApproval bool
}

// Spec is the full, immutable-once-registered contract of one atomic
// executable unit.
type Spec struct {
	ID            string
	OperationType workflowtypes.OperationType
	Parameters    []Parameter
	Outputs       []Parameter
	SideEffects   SideEffects
	Compensation  Compensation
	Risk          Risk
	Lifecycle     workflowtypes.CapabilityLifecycle
}

// Handler is the external callable a registered Spec is bound to. Inputs
// have already been template-resolved and policy-cleared by the time
// Execute is called. A non-nil CompensationDescriptor is the intent-form
// undo the engine persists to the compensation log; a non-nil closure is
// an additional in-memory fast path the engine may prefer while the
// process is still alive (see workflowtypes.CompensationStackEntry).
type Handler interface {
	Execute(ctx HandlerContext, inputs map[string]any) (outputs map[string]any, compensation *workflowtypes.CompensationDescriptor, closure func() error, err error)
}

// HandlerFunc adapts a plain function to the Handler interface for
// capabilities with no need for compensation closures.
type HandlerFunc func(ctx HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, error)

func (f HandlerFunc) Execute(ctx HandlerContext, inputs map[string]any) (map[string]any, *workflowtypes.CompensationDescriptor, func() error, error) {
	out, comp, err := f(ctx, inputs)
	return out, comp, nil, err
}

// HandlerContext carries the read-only execution context a handler may
// need: which workflow/step invoked it and the principal it runs under.
type HandlerContext struct {
	WorkflowID string
	StepName   string
	AgentName  string
}

// Validate runs structural validation and the three Risk Consistency
// Invariants. It returns a *errors.ServiceError (code VAL_1001) listing
// every violation found, or nil if the spec is well-formed.
func (s Spec) Validate() error {
	var violations []string

	if s.ID == "" {
		violations = append(violations, "identifier must not be empty")
	}
	if !s.OperationType.Valid() {
		violations = append(violations, fmt.Sprintf("unknown operation_type %q", s.OperationType))
	}
	if !s.Risk.Level.Valid() {
		violations = append(violations, fmt.Sprintf("unknown risk.level %q", s.Risk.Level))
	}

	// Rule 1: reversible=false ⇒ risk.level ∈ {HIGH, CRITICAL}.
	if !s.SideEffects.Reversible && !s.Risk.Level.IsHighOrCritical() {
		violations = append(violations, "rule 1: irreversible capability must have risk.level HIGH or CRITICAL")
	}

	// Rule 2: operation_type = DELETE ⇒ risk.level ∈ {HIGH, CRITICAL}.
	if s.OperationType == workflowtypes.OpDelete && !s.Risk.Level.IsHighOrCritical() {
		violations = append(violations, "rule 2: DELETE operation_type must have risk.level HIGH or CRITICAL")
	}

	// Rule 3: (¬reversible ∧ ¬compensation.supported) ⇒ risk.level = CRITICAL.
	if !s.SideEffects.Reversible && !s.Compensation.Supported && s.Risk.Level != workflowtypes.RiskCritical {
		violations = append(violations, "rule 3: irreversible capability with unsupported compensation must have risk.level CRITICAL")
	}

	if len(violations) > 0 {
		return svcerrors.SpecValidation(s.ID, violations)
	}
	return nil
}
