// Package workflowspec defines the declarative workflow specification data
// model (§6.2) and the syntactic {{step.output}} template resolver. It has
// no execution logic: the Workflow Engine (services/engine) is the only
// component that interprets a Spec against live state.
package workflowspec

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

var structValidator = validator.New()

// Metadata carries free-form tags and the audit verbosity level.
type Metadata struct {
	Tags       []string               `yaml:"tags,omitempty"`
	AuditLevel workflowtypes.AuditLevel `yaml:"audit_level,omitempty"`
}

// CompensationRef is the explicit compensation form a step may declare:
// another capability plus its own input mapping.
type CompensationRef struct {
	Capability string         `yaml:"capability"`
	Inputs     map[string]any `yaml:"inputs,omitempty"`
}

// Step is one node of a Spec's step list.
type Step struct {
	Name          string                     `yaml:"name"`
	Kind          workflowtypes.StepKind     `yaml:"kind"`
	Capability    string                     `yaml:"capability,omitempty"`
	AgentName     string                     `yaml:"agent_name,omitempty"`
	Inputs        map[string]any             `yaml:"inputs,omitempty"`
	DependsOn     []string                   `yaml:"depends_on,omitempty"`
	Compensation  *CompensationRef           `yaml:"compensation,omitempty"`
	MaxRetries    *int                       `yaml:"max_retries,omitempty"`
	RiskLevel     workflowtypes.RiskLevel    `yaml:"risk_level,omitempty"`
	TimeoutRaw    string                     `yaml:"timeout,omitempty"`
	ParallelSteps []Step                     `yaml:"parallel_steps,omitempty"`
}

// DefaultMaxRetries is applied when a step omits max_retries.
const DefaultMaxRetries = 3

// Retries returns the step's configured retry count, defaulting to
// DefaultMaxRetries when unset.
func (s Step) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Spec is the full declarative workflow specification, as submitted by a
// caller and persisted verbatim (serialized as YAML) alongside the
// workflow row.
type Spec struct {
	Name         string   `yaml:"name" validate:"required"`
	Version      string   `yaml:"version" validate:"required"`
	Owner        string   `yaml:"owner" validate:"required"`
	Description  string   `yaml:"description,omitempty"`
	Metadata     Metadata `yaml:"metadata,omitempty"`
	AutoRollback *bool    `yaml:"auto_rollback,omitempty"`
	Steps        []Step   `yaml:"steps" validate:"required,min=1"`
}

// AutoRollbackEnabled returns the effective auto_rollback flag, defaulting
// to true when unset.
func (s Spec) AutoRollbackEnabled() bool {
	if s.AutoRollback == nil {
		return true
	}
	return *s.AutoRollback
}

// Validate checks structural well-formedness: required fields, unique step
// names, valid step kinds, and that depends_on only references declared
// step names with no forward reference to a step that doesn't exist.
func (s Spec) Validate() error {
	var violations []string

	if err := structValidator.Struct(s); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				violations = append(violations, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}
	if strings.TrimSpace(s.Name) != "" && strings.TrimSpace(s.Name) != s.Name {
		violations = append(violations, "name must not have leading or trailing whitespace")
	}

	seen := make(map[string]bool, len(s.Steps))
	validateSteps(s.Steps, seen, false, &violations)

	for _, step := range s.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				violations = append(violations, fmt.Sprintf("step %q depends_on unknown step %q", step.Name, dep))
			}
		}
	}

	if len(violations) > 0 {
		return svcerrors.SpecValidation(s.Name, violations)
	}
	return nil
}

// validateSteps checks one list of steps against the shared name-uniqueness
// set and per-kind requirements, recursing into PARALLEL branches with
// nested=true since a parallel_steps entry is restricted to ACTION steps
// (SPEC_FULL.md's nested step list is not itself a sub-DAG).
func validateSteps(steps []Step, seen map[string]bool, nested bool, violations *[]string) {
	for _, step := range steps {
		if step.Name == "" {
			*violations = append(*violations, "step name must not be empty")
			continue
		}
		if seen[step.Name] {
			*violations = append(*violations, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = true

		if nested && step.Kind != workflowtypes.StepKindAction {
			*violations = append(*violations, fmt.Sprintf("step %q: parallel_steps entries must be ACTION, got %q", step.Name, step.Kind))
			continue
		}

		switch step.Kind {
		case workflowtypes.StepKindAction:
			if step.Capability == "" {
				*violations = append(*violations, fmt.Sprintf("step %q: ACTION requires capability", step.Name))
			}
		case workflowtypes.StepKindHumanApproval:
		case workflowtypes.StepKindParallel:
			if len(step.ParallelSteps) == 0 {
				*violations = append(*violations, fmt.Sprintf("step %q: PARALLEL requires at least one parallel_steps entry", step.Name))
			}
			validateSteps(step.ParallelSteps, seen, true, violations)
		default:
			*violations = append(*violations, fmt.Sprintf("step %q: unknown kind %q", step.Name, step.Kind))
		}
	}
}

// StepByName returns the step with the given name, or false if absent.
func (s Spec) StepByName(name string) (Step, bool) {
	for _, step := range s.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}
