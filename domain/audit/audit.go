// Package audit defines the append-only Audit Event record and a sink that
// sanitizes sensitive values before they reach structured logs. Every
// decision and state transition the engine, policy evaluator, and approval
// manager make is appended here.
package audit

import (
	"time"

	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/security"
)

// EventKind names the category of one audit event.
type EventKind string

const (
	EventWorkflowSubmitted  EventKind = "workflow_submitted"
	EventWorkflowStarted    EventKind = "workflow_started"
	EventWorkflowCompleted  EventKind = "workflow_completed"
	EventWorkflowFailed     EventKind = "workflow_failed"
	EventWorkflowRolledBack EventKind = "workflow_rolled_back"
	EventWorkflowCanceled   EventKind = "workflow_canceled"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventPolicyDecision     EventKind = "policy_decision"
	EventApprovalRequested  EventKind = "approval_requested"
	EventApprovalDecided    EventKind = "approval_decided"
	EventCompensation       EventKind = "compensation"
)

// Event is one append-only audit record.
type Event struct {
	Kind       EventKind
	WorkflowID string
	StepName   string
	Actor      string
	Timestamp  time.Time
	Inputs     map[string]any
	Outputs    map[string]any
	Result     string
}

// Sink appends audit events to the structured logger, masking sensitive
// values in Inputs/Outputs first via infrastructure/security.SanitizeMap so
// secrets and credentials never reach the audit trail in the clear.
type Sink struct {
	logger *logging.Logger
	level  Level
}

// Level mirrors workflowtypes.AuditLevel but is independent to keep this
// package free of an import cycle back onto workflowtypes' broader surface.
type Level string

const (
	LevelBasic    Level = "BASIC"
	LevelDetailed Level = "DETAILED"
	LevelForensic Level = "FORENSIC"
)

// NewSink builds an audit sink writing through logger at the given
// verbosity level.
func NewSink(logger *logging.Logger, level Level) *Sink {
	if level == "" {
		level = LevelBasic
	}
	return &Sink{logger: logger, level: level}
}

// Record appends one audit event. BASIC drops step-level events entirely;
// DETAILED keeps step transitions but omits sanitized payloads; FORENSIC
// keeps everything.
func (s *Sink) Record(ev Event) {
	if s.logger == nil {
		return
	}

	if s.level == LevelBasic && isStepLevelEvent(ev.Kind) {
		return
	}

	entry := s.logger.WithFields(map[string]interface{}{
		"audit_event": string(ev.Kind),
		"workflow_id": ev.WorkflowID,
		"step_name":   ev.StepName,
		"actor":       ev.Actor,
		"result":      ev.Result,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
	})

	if s.level == LevelForensic {
		if len(ev.Inputs) > 0 {
			entry = entry.WithField("inputs", security.SanitizeMap(ev.Inputs))
		}
		if len(ev.Outputs) > 0 {
			entry = entry.WithField("outputs", security.SanitizeMap(ev.Outputs))
		}
	}

	entry.Info("audit event")
}

func isStepLevelEvent(kind EventKind) bool {
	switch kind {
	case EventStepCompleted, EventStepFailed, EventCompensation, EventPolicyDecision:
		return true
	default:
		return false
	}
}
