package approvalmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/infrastructure/config"
	"github.com/governedrun/workflowcore/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New("approvalmanager-test", "error", "json")
}

func TestRequestApproval_NoWebhookURLStaysPending(t *testing.T) {
	m := New(Config{Logger: testLogger()})

	if err := m.RequestApproval(context.Background(), "wf-1", "demo", "approve-step", "please review", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	record, ok := m.Get("wf-1", "approve-step")
	if !ok || record.State != approval.StatePending {
		t.Fatalf("expected a PENDING record, got %+v ok=%v", record, ok)
	}
}

func TestRecordDecision_ApprovedTransitionsState(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-2", "demo", "approve-step", "please review", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-2", "approve-step", approval.DecisionApproved, "alice", "looks fine", ""); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	record, ok := m.Get("wf-2", "approve-step")
	if !ok || record.State != approval.StateApproved || record.Approver != "alice" {
		t.Fatalf("expected APPROVED record by alice, got %+v ok=%v", record, ok)
	}
}

func TestRecordDecision_RepeatedIdenticalDecisionIsIdempotent(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-3", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-3", "step", approval.DecisionApproved, "alice", "", ""); err != nil {
		t.Fatalf("first RecordDecision failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-3", "step", approval.DecisionApproved, "alice", "", ""); err != nil {
		t.Fatalf("repeated identical decision should succeed silently, got %v", err)
	}
}

func TestRecordDecision_ConflictingDecisionFails(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-4", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-4", "step", approval.DecisionApproved, "alice", "", ""); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-4", "step", approval.DecisionRejected, "bob", "", ""); err == nil {
		t.Fatal("expected a conflicting decision on an already-decided record to fail")
	}
}

func TestRecordDecision_UnknownRecordIsNotFound(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	if err := m.RecordDecision(context.Background(), "ghost", "step", approval.DecisionApproved, "alice", "", ""); err == nil {
		t.Fatal("expected NotFound for a decision against an unknown approval")
	}
}

func TestRecordDecision_ReplayedRequestIDIsIgnored(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-5", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-5", "step", approval.DecisionApproved, "alice", "", "req-1"); err != nil {
		t.Fatalf("first decision with request id failed: %v", err)
	}
	if err := m.RecordDecision(ctx, "wf-5", "step", approval.DecisionRejected, "bob", "", "req-1"); err != nil {
		t.Fatalf("expected a replayed request id to be silently ignored, not error, got %v", err)
	}

	record, _ := m.Get("wf-5", "step")
	if record.State != approval.StateApproved || record.Approver != "alice" {
		t.Fatalf("replayed callback must not overwrite the original decision, got %+v", record)
	}
}

func TestSweepTimeouts_ExpiresOverdueRecords(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-6", "demo", "step", "msg", time.Millisecond, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	expired := m.SweepTimeouts(time.Now().UTC().Add(time.Hour))
	if len(expired) != 1 || expired[0].WorkflowID != "wf-6" {
		t.Fatalf("expected wf-6/step to be swept as expired, got %+v", expired)
	}

	record, _ := m.Get("wf-6", "step")
	if record.State != approval.StateTimeout {
		t.Fatalf("expected TIMEOUT state after sweep, got %s", record.State)
	}
}

func TestSweepTimeouts_NoTimeoutNeverExpires(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-7", "demo", "step", "msg", 0, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	expired := m.SweepTimeouts(time.Now().UTC().Add(24 * time.Hour))
	if len(expired) != 0 {
		t.Fatalf("expected a zero-timeout record to never expire, got %+v", expired)
	}
}

func TestGetPending_FiltersByWorkflowAndStep(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()

	if err := m.RequestApproval(ctx, "wf-8", "demo", "step-a", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if err := m.RequestApproval(ctx, "wf-9", "demo", "step-b", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	pending := m.GetPending("wf-8", "")
	if len(pending) != 1 || pending[0].WorkflowID != "wf-8" {
		t.Fatalf("expected exactly one pending record for wf-8, got %+v", pending)
	}
}

func TestReattach_DoesNotOverwriteExistingRecord(t *testing.T) {
	m := New(Config{Logger: testLogger()})
	ctx := context.Background()
	requestedAt := time.Now().UTC()

	if err := m.RequestApproval(ctx, "wf-10", "demo", "step", "original message", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	m.Reattach("wf-10", "step", "reattached message", requestedAt, time.Hour)

	record, ok := m.Get("wf-10", "step")
	if !ok || record.Message != "original message" {
		t.Fatalf("expected Reattach to leave an existing record untouched, got %+v", record)
	}
}

func TestRequestApproval_FailModeAllowApprovesOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(Config{
		WebhookURL:     srv.URL,
		WebhookTimeout: 2 * time.Second,
		FailMode:       config.WebhookFailModeAllow,
		Logger:         testLogger(),
	})

	if err := m.RequestApproval(context.Background(), "wf-11", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	record, ok := m.Get("wf-11", "step")
	if !ok || record.State != approval.StateApproved {
		t.Fatalf("expected fail-open ALLOW to auto-approve on delivery failure, got %+v ok=%v", record, ok)
	}
}

func TestRequestApproval_FailModeDenyRejectsOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(Config{
		WebhookURL:     srv.URL,
		WebhookTimeout: 2 * time.Second,
		FailMode:       config.WebhookFailModeDeny,
		Logger:         testLogger(),
	})

	if err := m.RequestApproval(context.Background(), "wf-12", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	record, ok := m.Get("wf-12", "step")
	if !ok || record.State != approval.StateRejected {
		t.Fatalf("expected fail-closed DENY to auto-reject on delivery failure, got %+v ok=%v", record, ok)
	}
}

func TestRequestApproval_FailModePauseStaysPendingOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(Config{
		WebhookURL:     srv.URL,
		WebhookTimeout: 2 * time.Second,
		FailMode:       config.WebhookFailModePause,
		Logger:         testLogger(),
	})

	if err := m.RequestApproval(context.Background(), "wf-13", "demo", "step", "msg", time.Hour, nil); err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}

	record, ok := m.Get("wf-13", "step")
	if !ok || record.State != approval.StatePending {
		t.Fatalf("expected PAUSE fail mode to leave the record PENDING, got %+v ok=%v", record, ok)
	}
}
