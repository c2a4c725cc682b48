// Package approvalmanager implements the Human Approval Manager: pausing a
// workflow at an approval gate, best-effort webhook notification of an
// external approver, and recording the eventual out-of-band decision.
package approvalmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/infrastructure/config"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/httputil"
	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/metrics"
	"github.com/governedrun/workflowcore/infrastructure/ratelimit"
	"github.com/governedrun/workflowcore/infrastructure/resilience"
	"github.com/governedrun/workflowcore/infrastructure/security"
	"github.com/governedrun/workflowcore/infrastructure/serviceauth"
)

// maxWebhookErrorBodyBytes bounds how much of a failed webhook delivery's
// response body is read into the error message; an external approver
// endpoint misbehaving must never let the engine buffer an unbounded
// response.
const maxWebhookErrorBodyBytes = 4096

// Manager owns the in-process pending-approval set and the webhook
// delivery path. Approval state durability rides on the workflow's own
// PAUSED step checkpoint (§4.5/§6.1); the manager's records are
// reconstructed on recovery via Reattach, not read from a dedicated table.
type Manager struct {
	mu      sync.RWMutex
	records map[approval.Key]*approval.Record

	webhookURL   string
	failMode     config.WebhookFailMode
	httpClient   *ratelimit.RateLimitedClient
	breaker      *resilience.CircuitBreaker
	tokenGen     *serviceauth.ServiceTokenGenerator // optional; nil disables signing
	replayGuard  *security.ReplayProtection
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// Config bundles the construction-time options for a Manager.
type Config struct {
	WebhookURL     string
	WebhookTimeout time.Duration
	FailMode       config.WebhookFailMode
	TokenGenerator *serviceauth.ServiceTokenGenerator // optional
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
}

// New constructs a Manager. An empty WebhookURL disables delivery entirely
// (pauses must be resumed out of band, per §6.6).
func New(cfg Config) *Manager {
	webhookURL := cfg.WebhookURL
	if webhookURL != "" {
		normalized, _, err := httputil.NormalizeServiceBaseURL(webhookURL)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.WithError(err).Warn("approval webhook URL rejected; delivery disabled")
			}
			webhookURL = ""
		} else {
			webhookURL = normalized
		}
	}

	baseClient := httputil.CopyHTTPClientWithTimeout(nil, cfg.WebhookTimeout, true)
	baseClient.Transport = httputil.DefaultTransportWithMinTLS12()
	httpClient := ratelimit.NewRateLimitedClient(baseClient, ratelimit.DefaultConfig())

	return &Manager{
		records:     make(map[approval.Key]*approval.Record),
		webhookURL:  webhookURL,
		failMode:    cfg.FailMode,
		httpClient:  httpClient,
		breaker:     resilience.New(resilience.DefaultServiceCBConfig(cfg.Logger)),
		tokenGen:    cfg.TokenGenerator,
		replayGuard: security.NewReplayProtection(15*time.Minute, cfg.Logger),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// RequestApproval persists (in-process; the caller is responsible for the
// PAUSED step checkpoint) a PENDING approval record and best-effort POSTs
// the notification envelope. It never blocks the caller on webhook
// delivery outcome beyond the configured timeout, and delivery failure
// never aborts the pause — except as resolved by failMode (§4.4).
func (m *Manager) RequestApproval(ctx context.Context, workflowID, workflowName, stepName, message string, timeout time.Duration, contextPayload map[string]any) error {
	record := &approval.Record{
		WorkflowID:  workflowID,
		StepName:    stepName,
		Message:     message,
		RequestedAt: time.Now().UTC(),
		Timeout:     timeout,
		State:       approval.StatePending,
	}

	m.mu.Lock()
	m.records[record.Key()] = record
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"workflow_id": workflowID,
			"step_name":   stepName,
		}).Info("approval requested")
	}

	if m.webhookURL == "" {
		return nil
	}

	err := m.deliver(ctx, workflowID, workflowName, stepName, message, record.RequestedAt, contextPayload)
	if err == nil {
		return nil
	}

	if m.logger != nil {
		m.logger.WithError(err).Warn("approval webhook delivery failed")
	}

	switch m.failMode {
	case config.WebhookFailModeAllow:
		return m.RecordDecision(ctx, workflowID, stepName, approval.DecisionApproved, "system:webhook-fail-open", "webhook delivery failed; fail mode ALLOW", "")
	case config.WebhookFailModeDeny:
		return m.RecordDecision(ctx, workflowID, stepName, approval.DecisionRejected, "system:webhook-fail-closed", "webhook delivery failed; fail mode DENY", "")
	default: // PAUSE
		return nil
	}
}

func (m *Manager) deliver(ctx context.Context, workflowID, workflowName, stepName, message string, requestedAt time.Time, contextPayload map[string]any) error {
	envelope := approval.WebhookEnvelope{
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		StepName:     stepName,
		Message:      message,
		RequestedAt:  requestedAt,
		Context:      security.SanitizeMap(contextPayload),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return svcerrors.Internal("marshal approval envelope", err)
	}

	return m.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if m.tokenGen != nil {
			token, err := m.tokenGen.GenerateToken()
			if err == nil {
				req.Header.Set(serviceauth.ServiceTokenHeader, token)
			}
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return svcerrors.ExternalAPIError("approval-webhook", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _, _ := httputil.ReadAllWithLimit(resp.Body, maxWebhookErrorBodyBytes)
			return svcerrors.ExternalAPIError("approval-webhook", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		}
		return nil
	})
}

// RecordDecision applies an approval/rejection to a pending record.
// Idempotent: an identical repeated decision succeeds silently; a
// conflicting decision fails with Conflict. requestID, when non-empty,
// guards the call against replayed webhook callbacks.
func (m *Manager) RecordDecision(ctx context.Context, workflowID, stepName string, decision approval.Decision, approver, rationale, requestID string) error {
	if !decision.Valid() {
		return svcerrors.InvalidState("approval", "", string(decision))
	}

	if requestID != "" && !m.replayGuard.ValidateAndMark(requestID) {
		if m.logger != nil {
			m.logger.WithFields(map[string]interface{}{"request_id": requestID}).Warn("replayed approval decision ignored")
		}
		return nil
	}

	key := approval.Key{WorkflowID: workflowID, StepName: stepName}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[key]
	if !ok {
		return svcerrors.NotFound("approval", fmt.Sprintf("%s/%s", workflowID, stepName))
	}

	targetState := approval.StateApproved
	if decision == approval.DecisionRejected {
		targetState = approval.StateRejected
	}

	if record.State != approval.StatePending {
		if record.State == targetState {
			return nil // idempotent repeat
		}
		return svcerrors.Conflict(fmt.Sprintf("approval for %s/%s already decided as %s", workflowID, stepName, record.State))
	}

	now := time.Now().UTC()
	record.State = targetState
	record.Approver = approver
	record.DecidedAt = &now
	record.Rationale = rationale

	if requestID != "" {
		m.replayGuard.ValidateAndMark(requestID)
	}
	if m.metrics != nil {
		m.metrics.RecordApproval(string(targetState))
	}

	return nil
}

// GetPending returns every PENDING record, optionally filtered to one
// workflow/step.
func (m *Manager) GetPending(workflowID, stepName string) []approval.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []approval.Record
	for key, record := range m.records {
		if record.State != approval.StatePending {
			continue
		}
		if workflowID != "" && key.WorkflowID != workflowID {
			continue
		}
		if stepName != "" && key.StepName != stepName {
			continue
		}
		out = append(out, *record)
	}
	return out
}

// Get returns the current record for (workflowID, stepName), if any.
func (m *Manager) Get(workflowID, stepName string) (approval.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[approval.Key{WorkflowID: workflowID, StepName: stepName}]
	if !ok {
		return approval.Record{}, false
	}
	return *record, true
}

// Reattach reconstructs a PENDING record for a workflow recovered in
// PAUSED status, without re-delivering the webhook (the original
// notification, if any, was already sent before the crash).
func (m *Manager) Reattach(workflowID, stepName, message string, requestedAt time.Time, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approval.Key{WorkflowID: workflowID, StepName: stepName}
	if _, exists := m.records[key]; exists {
		return
	}
	m.records[key] = &approval.Record{
		WorkflowID:  workflowID,
		StepName:    stepName,
		Message:     message,
		RequestedAt: requestedAt,
		Timeout:     timeout,
		State:       approval.StatePending,
	}
}

// SweepTimeouts scans pending records for elapsed timeouts, transitions
// them to TIMEOUT, and returns the (workflowID, stepName) pairs that
// expired so the caller (the engine) can treat them as REJECTED and begin
// rollback.
func (m *Manager) SweepTimeouts(now time.Time) []approval.Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []approval.Key
	for key, record := range m.records {
		if record.State == approval.StatePending && record.Expired(now) {
			record.State = approval.StateTimeout
			expired = append(expired, key)
			if m.metrics != nil {
				m.metrics.RecordApproval(string(approval.StateTimeout))
			}
		}
	}
	return expired
}
