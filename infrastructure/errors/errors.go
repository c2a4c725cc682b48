// Package errors provides the unified error taxonomy for the workflow
// control plane: capability registration, policy evaluation, step
// execution, compensation, and persistence all surface errors through
// ServiceError so callers can branch on Code without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Registration/validation errors (1xxx)
	ErrCodeSpecValidation ErrorCode = "VAL_1001"
	ErrCodePolicyLoad     ErrorCode = "VAL_1002"

	// Execution errors (2xxx)
	ErrCodeTemplateResolution ErrorCode = "EXEC_2001"
	ErrCodeCapabilityFrozen   ErrorCode = "EXEC_2002"
	ErrCodeCapabilityNotFound ErrorCode = "EXEC_2003"
	ErrCodePolicyDenied       ErrorCode = "EXEC_2004"
	ErrCodeApprovalRejected   ErrorCode = "EXEC_2005"
	ErrCodeApprovalTimeout    ErrorCode = "EXEC_2006"
	ErrCodeStepExecution      ErrorCode = "EXEC_2007"
	ErrCodeCompensation       ErrorCode = "EXEC_2008"

	// Resource errors (3xxx)
	ErrCodeNotFound      ErrorCode = "RES_3001"
	ErrCodeAlreadyExists ErrorCode = "RES_3002"
	ErrCodeConflict      ErrorCode = "RES_3003"

	// Control errors (4xxx)
	ErrCodeInvalidState ErrorCode = "CTL_4001"
	ErrCodeCanceled     ErrorCode = "CTL_4002"

	// Infrastructure errors (5xxx)
	ErrCodePersistence ErrorCode = "SVC_5001"
	ErrCodeInternal     ErrorCode = "SVC_5002"
	ErrCodeExternalAPI  ErrorCode = "SVC_5003"
	ErrCodeTimeout      ErrorCode = "SVC_5004"
)

// ServiceError represents a structured error with a stable code, a
// human-readable message, and optional contextual details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// SpecValidation reports a capability or workflow spec that violates
// schema or a Risk Consistency Invariant. Violations carries the list of
// specific rule violations found.
func SpecValidation(subject string, violations []string) *ServiceError {
	return New(ErrCodeSpecValidation, "specification failed validation", http.StatusBadRequest).
		WithDetails("subject", subject).
		WithDetails("violations", violations)
}

// PolicyLoad reports a malformed policy rule set at load time.
func PolicyLoad(reason string, err error) *ServiceError {
	return Wrap(ErrCodePolicyLoad, "policy rule set is malformed: "+reason, http.StatusInternalServerError, err)
}

// TemplateResolution reports an input referencing an unresolved step output.
func TemplateResolution(stepName, reference string) *ServiceError {
	return New(ErrCodeTemplateResolution, "unresolved template reference", http.StatusUnprocessableEntity).
		WithDetails("step", stepName).
		WithDetails("reference", reference)
}

// CapabilityFrozen reports an attempt to invoke a frozen or deprecated capability.
func CapabilityFrozen(capabilityID string) *ServiceError {
	return New(ErrCodeCapabilityFrozen, "capability is frozen or deprecated", http.StatusLocked).
		WithDetails("capability_id", capabilityID)
}

// CapabilityNotFound reports a registry miss.
func CapabilityNotFound(capabilityID string) *ServiceError {
	return New(ErrCodeCapabilityNotFound, "capability not registered", http.StatusNotFound).
		WithDetails("capability_id", capabilityID)
}

// PolicyDenied reports a DENY decision from the policy engine.
func PolicyDenied(capabilityID, stepName string) *ServiceError {
	return New(ErrCodePolicyDenied, "policy denied", http.StatusForbidden).
		WithDetails("capability_id", capabilityID).
		WithDetails("step", stepName)
}

// ApprovalRejected reports a negative human-approval decision.
func ApprovalRejected(stepName, rationale string) *ServiceError {
	return New(ErrCodeApprovalRejected, "approval rejected", http.StatusForbidden).
		WithDetails("step", stepName).
		WithDetails("rationale", rationale)
}

// ApprovalTimeout reports an approval gate that elapsed without a decision.
func ApprovalTimeout(stepName string) *ServiceError {
	return New(ErrCodeApprovalTimeout, "approval timed out", http.StatusRequestTimeout).
		WithDetails("step", stepName)
}

// StepExecution reports a capability handler failure after retries exhausted.
func StepExecution(stepName string, attempts int, err error) *ServiceError {
	return Wrap(ErrCodeStepExecution, "step execution failed", http.StatusInternalServerError, err).
		WithDetails("step", stepName).
		WithDetails("attempts", attempts)
}

// Compensation reports a failed compensating action. Rollback continues
// regardless; this error is recorded, not propagated as fatal.
func Compensation(stepName string, err error) *ServiceError {
	return Wrap(ErrCodeCompensation, "compensation failed", http.StatusInternalServerError, err).
		WithDetails("step", stepName)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// AlreadyExists reports a duplicate resource.
func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict reports a state conflict, e.g. two different approval decisions
// for the same step.
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// InvalidState reports a transition request that does not apply to the
// resource's current state, e.g. resume() on a non-PAUSED workflow.
func InvalidState(resource, current, requested string) *ServiceError {
	return New(ErrCodeInvalidState, "invalid state transition", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("current_state", current).
		WithDetails("requested_transition", requested)
}

// Canceled reports a workflow or step aborted by an explicit Cancel()
// call rather than a failure.
func Canceled(workflowID string) *ServiceError {
	return New(ErrCodeCanceled, "workflow canceled", http.StatusConflict).
		WithDetails("workflow_id", workflowID)
}

// Persistence reports a fatal database write/read failure. The caller must
// treat the current workflow as FAILED without attempting rollback.
func Persistence(operation string, err error) *ServiceError {
	return Wrap(ErrCodePersistence, "persistence operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Internal reports an unexpected internal error.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// ExternalAPIError reports a failed call to an external collaborator (e.g.
// the approval webhook).
func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "external call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// HasCode reports whether err (or something it wraps) is a ServiceError
// with the given code.
func HasCode(err error, code ErrorCode) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code associated with an error, for
// collaborators that expose the engine over HTTP.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
