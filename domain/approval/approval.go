// Package approval holds the Approval Record data model consulted and
// mutated by the Human Approval Manager (services/approvalmanager).
package approval

import "time"

// State is the lifecycle of one approval gate.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
	StateTimeout  State = "TIMEOUT"
)

// Decision is the caller-supplied outcome recorded against a pending
// approval. It excludes TIMEOUT, which the manager applies itself.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Record is one persisted approval gate: a pending question, and
// eventually an answer.
type Record struct {
	WorkflowID  string
	StepName    string
	Message     string
	RequestedAt time.Time
	Timeout     time.Duration // zero means no timeout
	State       State
	Approver    string
	DecidedAt   *time.Time
	Rationale   string
}

// Key identifies one approval gate uniquely within the manager's pending
// set: (workflow_id, step_name).
type Key struct {
	WorkflowID string
	StepName   string
}

func (r Record) Key() Key {
	return Key{WorkflowID: r.WorkflowID, StepName: r.StepName}
}

// Expired reports whether the gate's timeout has elapsed relative to now.
func (r Record) Expired(now time.Time) bool {
	if r.Timeout <= 0 {
		return false
	}
	return now.After(r.RequestedAt.Add(r.Timeout))
}

// WebhookEnvelope is the JSON body POSTed to the configured approval
// webhook. Context is an optional, already-sanitized payload.
type WebhookEnvelope struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	StepName     string         `json:"step_name"`
	Message      string         `json:"message"`
	RequestedAt  time.Time      `json:"requested_at"`
	Context      map[string]any `json:"context,omitempty"`
}
