// Package policy holds the declarative rule and context types the Policy
// Engine evaluates. The evaluator itself (a pure function of rules and
// context) lives in services/policyengine; this package is data only.
package policy

import "github.com/governedrun/workflowcore/domain/workflowtypes"

// Decision is the outcome of evaluating a PolicyContext against a rule set.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval:
		return true
	default:
		return false
	}
}

// When is the conjunction of condition atoms a rule matches against. An
// empty RiskLevel means "no risk condition" (matches any risk level).
type When struct {
	Capability string // glob, e.g. "io.fs.*"
	RiskLevel  workflowtypes.RiskLevel
}

// Rule is one declarative policy rule, matched in declaration order.
type Rule struct {
	When             When
	PrincipalPattern string // glob over "type:id", e.g. "agent:*"
	Decision         Decision
}

// RuleSet is a loaded, ordered policy configuration with a fail-closed
// default.
type RuleSet struct {
	Default Decision
	Rules   []Rule
}

// Principal is the actor a step executes under.
type Principal struct {
	Type  string
	ID    string
	Roles []string
}

// String renders "type:id", the form rules' PrincipalPattern globs match
// against.
func (p Principal) String() string {
	return p.Type + ":" + p.ID
}

// Context is the immutable input to one policy evaluation. It must never
// be mutated by the evaluator.
type Context struct {
	Principal    Principal
	CapabilityID string
	RiskLevel    workflowtypes.RiskLevel
	WorkflowID   string
	StepName     string
	Inputs       map[string]any
}
