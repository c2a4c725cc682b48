package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/governedrun/workflowcore/domain/approval"
	"github.com/governedrun/workflowcore/domain/workflowspec"
	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/infrastructure/httputil"
)

// submitRequest carries a workflow specification as YAML text, the same
// shape a spec file on disk would hold (§6.2).
type submitRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	var spec workflowspec.Spec
	if err := yaml.Unmarshal([]byte(req.SpecYAML), &spec); err != nil {
		httputil.BadRequest(w, "spec_yaml is not valid YAML: "+err.Error())
		return
	}

	workflowID, err := a.engine.Submit(r.Context(), spec)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	httputil.RespondCreated(w, submitResponse{WorkflowID: workflowID})
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if err := a.engine.Start(r.Context(), workflowID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

type resumeRequest struct {
	StepName  string `json:"step_name"`
	Decision  string `json:"decision"`
	Approver  string `json:"approver"`
	Rationale string `json:"rationale,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	tokenApprover := ""
	if a.approverVerifier != nil {
		claims, ok := httputil.RequireApproverToken(w, r, a.approverVerifier)
		if !ok {
			return
		}
		tokenApprover = claims.ApproverID
	}

	var req resumeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	decision := approval.Decision(req.Decision)
	if !decision.Valid() {
		httputil.BadRequest(w, "decision must be APPROVED or REJECTED")
		return
	}

	approver := req.Approver
	if tokenApprover != "" {
		approver = tokenApprover
	}

	workflowID := chi.URLParam(r, "workflowID")
	if err := a.engine.Resume(r.Context(), workflowID, req.StepName, decision, approver, req.Rationale, req.RequestID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = httputil.DecodeJSONOptional(w, r, &req)

	workflowID := chi.URLParam(r, "workflowID")
	if err := a.engine.Cancel(r.Context(), workflowID, req.Reason); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	state, err := a.engine.Status(workflowID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, state)
}

func (a *API) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	workflowID := httputil.QueryString(r, "workflow_id", "")
	stepName := httputil.QueryString(r, "step_name", "")
	httputil.WriteJSON(w, http.StatusOK, a.engine.PendingApprovals(workflowID, stepName))
}

// writeServiceError maps a services/engine error to its HTTP status via
// the shared taxonomy in infrastructure/errors.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := svcerrors.GetHTTPStatus(err)
	if a.logger != nil {
		a.logger.WithContext(r.Context()).WithError(err).Error("admin api request failed")
	}
	httputil.WriteErrorResponse(w, r, status, errCode(err), err.Error(), nil)
}

func errCode(err error) string {
	if se := svcerrors.GetServiceError(err); se != nil {
		return string(se.Code)
	}
	return "SVC_5002"
}
