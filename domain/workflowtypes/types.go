// Package workflowtypes holds the shared enumerations and value types used
// across the workflow control plane: risk levels, operation types, workflow
// and step statuses, and the in-memory/persisted execution state that the
// engine reads and mutates.
package workflowtypes

import "time"

// RiskLevel is the severity a capability or step is registered or executed
// under. Rank gives a total order over the levels; the Risk Consistency
// Invariants and policy risk escalation use IsHighOrCritical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank returns a total order over risk levels, low to high. Unknown values
// rank below RiskLow so a missing/garbled level never silently outranks a
// known one.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// IsHighOrCritical reports whether the level is HIGH or CRITICAL, the
// threshold used by several Risk Consistency Invariants and by policy risk
// escalation.
func (r RiskLevel) IsHighOrCritical() bool {
	return r == RiskHigh || r == RiskCritical
}

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// OperationType classifies the kind of side effect a capability performs.
type OperationType string

const (
	OpRead    OperationType = "READ"
	OpWrite   OperationType = "WRITE"
	OpDelete  OperationType = "DELETE"
	OpExecute OperationType = "EXECUTE"
	OpNetwork OperationType = "NETWORK"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpRead, OpWrite, OpDelete, OpExecute, OpNetwork:
		return true
	default:
		return false
	}
}

// Scope describes where a capability's side effects land.
type Scope string

const (
	ScopeLocal    Scope = "local"
	ScopeExternal Scope = "external"
	ScopeRemote   Scope = "remote"
)

// CompensationStrategy names the shape of a capability's undo action.
type CompensationStrategy string

const (
	CompensationInverse CompensationStrategy = "inverse"
	CompensationRestore CompensationStrategy = "restore"
	CompensationDelete  CompensationStrategy = "delete"
	CompensationNone    CompensationStrategy = "none"
)

// CapabilityLifecycle is the registry-level state of a registered
// capability, independent of any single workflow's execution.
type CapabilityLifecycle string

const (
	LifecycleActive     CapabilityLifecycle = "ACTIVE"
	LifecycleFrozen     CapabilityLifecycle = "FROZEN"
	LifecycleDeprecated CapabilityLifecycle = "DEPRECATED"
)

// WorkflowStatus is the lifecycle state of one submitted workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowRunning    WorkflowStatus = "RUNNING"
	WorkflowPaused     WorkflowStatus = "PAUSED"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowRolledBack WorkflowStatus = "ROLLED_BACK"
	WorkflowCanceled   WorkflowStatus = "CANCELED"
)

// IsTerminal reports whether the workflow can no longer transition.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowRolledBack, WorkflowCanceled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step's execution row.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepPaused    StepStatus = "PAUSED"
	StepFailed    StepStatus = "FAILED"
)

// StepKind distinguishes the three shapes a workflow step can take.
type StepKind string

const (
	StepKindAction         StepKind = "ACTION"
	StepKindHumanApproval  StepKind = "HUMAN_APPROVAL"
	StepKindParallel       StepKind = "PARALLEL"
)

// AuditLevel controls how verbose the audit trail is for a workflow.
type AuditLevel string

const (
	AuditBasic    AuditLevel = "BASIC"
	AuditDetailed AuditLevel = "DETAILED"
	AuditForensic AuditLevel = "FORENSIC"
)

// CompensationDescriptor is the persistable, intent-form description of an
// undo action: a capability id plus the resolved inputs needed to re-enact
// it. It is always the authoritative form for recovery; a closure-form
// thunk may additionally be kept in memory as a best-effort fast path (see
// CompensationStackEntry.Closure), but is never required for
// correctness.
type CompensationDescriptor struct {
	CapabilityID string
	Inputs       map[string]any
}

// CompensationEntry is one row of the compensation log: a descriptor plus
// its execution outcome (nil ExecutedAt means "pending undo").
type CompensationEntry struct {
	ID           int64
	WorkflowID   string
	StepName     string
	Descriptor   CompensationDescriptor
	ExecutedAt   *time.Time
	Success      *bool
	ErrorMessage string
}

// Pending reports whether this compensation has not yet been replayed.
func (c CompensationEntry) Pending() bool {
	return c.ExecutedAt == nil
}

// StepRecord is one persisted checkpoint row for a step.
type StepRecord struct {
	ID           int64
	WorkflowID   string
	StepName     string
	Status       StepStatus
	Inputs       map[string]any
	Outputs      map[string]any
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// WorkflowRecord is one persisted workflow row, independent of its spec or
// step rows — the shape returned by the persistence layer's row-level
// operations.
type WorkflowRecord struct {
	ID              string
	Name            string
	Version         string
	Owner           string
	Status          WorkflowStatus
	SpecYAML        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	PartialRollback bool
}

// ExecutionState is the Workflow Engine's in-memory (and, field-by-field,
// persisted) view of one workflow's progress. It is the only mutable state
// the engine owns; every other component reads it through an immutable
// snapshot.
type ExecutionState struct {
	WorkflowID         string
	Status             WorkflowStatus
	StepOutputs        map[string]any // "step_name.output_key" -> value
	CompletedSteps      []string
	CompensationStack  []CompensationStackEntry
	StartedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	PartialRollback    bool
}

// CompensationStackEntry is one LIFO entry capturing both the durable
// intent-form descriptor and, if the handler supplied one, an in-memory
// closure fast path.
type CompensationStackEntry struct {
	StepName   string
	Descriptor CompensationDescriptor
	Closure    func() error // optional, nil after recovery from persistence
	LogID      int64        // compensation_log row id; after recovery, the id of the pending row it was loaded from
}

// NewExecutionState creates the initial in-memory state for a freshly
// submitted workflow.
func NewExecutionState(workflowID string) *ExecutionState {
	now := time.Now().UTC()
	return &ExecutionState{
		WorkflowID:  workflowID,
		Status:      WorkflowPending,
		StepOutputs: make(map[string]any),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// OutputKey builds the "step_name.output_key" key used in StepOutputs.
func OutputKey(stepName, outputKey string) string {
	return stepName + "." + outputKey
}

// StepCompleted reports whether stepName is in CompletedSteps.
func (s *ExecutionState) StepCompleted(stepName string) bool {
	for _, n := range s.CompletedSteps {
		if n == stepName {
			return true
		}
	}
	return false
}
