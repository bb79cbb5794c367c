package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// WorkflowService is the approval engine as seen by the HTTP layer.
type WorkflowService interface {
	InitializeWorkflow(ctx context.Context, workRequestID, organizationID, userID string) ([]*repository.ApprovalEntry, error)
	ProcessDecision(ctx context.Context, in service.DecisionInput) (*service.DecisionResult, error)
	RecallWorkflow(ctx context.Context, workRequestID, organizationID, userID, reason string) (*service.DecisionResult, error)
	GetChain(ctx context.Context, workRequestID, organizationID string) ([]*repository.ApprovalEntry, error)
	GetPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*repository.PendingApproval, error)
	GetStatistics(ctx context.Context, organizationID string, from, to *time.Time) (*service.ApprovalStatistics, error)
	GetApprovalHistory(ctx context.Context, workRequestID, organizationID string) ([]*repository.AuditEntry, error)
	EscalateExpired(ctx context.Context) (*service.EscalationReport, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service WorkflowService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc WorkflowService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		log:     log.Named("http"),
	}
}

// DecisionRequest is the body of a decision call. The acting approver is the
// authenticated caller.
type DecisionRequest struct {
	Decision   string `json:"decision"`
	Comments   string `json:"comments,omitempty"`
	Conditions string `json:"conditions,omitempty"`
	DelegateTo string `json:"delegateTo,omitempty"`
}

// DecisionResponse is returned after a committed decision.
type DecisionResponse struct {
	WorkRequestID     string                    `json:"workRequestId"`
	WorkRequestStatus string                    `json:"workRequestStatus"`
	StageAdvanced     bool                      `json:"stageAdvanced"`
	NextApprover      *client.Approver          `json:"nextApprover,omitempty"`
	Entry             *repository.ApprovalEntry `json:"entry,omitempty"`
	Version           int64                     `json:"version"`
}

type recallRequest struct {
	Reason string `json:"reason"`
}

// InitializeWorkflow builds the approval chain of a submitted work request.
func (h *HTTPHandler) InitializeWorkflow(w http.ResponseWriter, r *http.Request) {
	caller, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	chain, err := h.service.InitializeWorkflow(r.Context(), chi.URLParam(r, "id"), orgID, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workRequestId":    chi.URLParam(r, "id"),
		"approvalRequired": len(chain) > 0,
		"entries":          chain,
	})
}

// SubmitDecision records the caller's decision on a work request.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	caller, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}
	decision, err := service.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.ProcessDecision(r.Context(), service.DecisionInput{
		WorkRequestID:  chi.URLParam(r, "id"),
		OrganizationID: orgID,
		ApproverID:     caller.UserID,
		Decision:       decision,
		Comments:       req.Comments,
		Conditions:     req.Conditions,
		DelegateTo:     req.DelegateTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDecisionResponse(res))
}

// RecallWorkflow withdraws a work request on behalf of its requester.
func (h *HTTPHandler) RecallWorkflow(w http.ResponseWriter, r *http.Request) {
	caller, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req recallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.InvalidInput("body", "invalid request body"))
			return
		}
	}

	res, err := h.service.RecallWorkflow(r.Context(), chi.URLParam(r, "id"), orgID, caller.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(res))
}

// GetChain returns the approval chain of a work request.
func (h *HTTPHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	chain, err := h.service.GetChain(r.Context(), chi.URLParam(r, "id"), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": chain})
}

// GetHistory returns the audit trail of a work request.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	history, err := h.service.GetApprovalHistory(r.Context(), chi.URLParam(r, "id"), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// ListPending returns the pending approvals of approver_id, the caller by
// default. approver_id=* lists the whole organization.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	caller, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	approverID := r.URL.Query().Get("approver_id")
	switch approverID {
	case "":
		approverID = caller.UserID
	case "*":
		approverID = ""
	}

	pending, err := h.service.GetPendingApprovals(r.Context(), orgID, approverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"total":     len(pending),
	})
}

// GetStatistics returns approval aggregates for the organization. from and to
// are optional RFC 3339 timestamps.
func (h *HTTPHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := h.scope(w, r)
	if !ok {
		return
	}

	from, err := parseTime(r.URL.Query().Get("from"), "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"), "to")
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.service.GetStatistics(r.Context(), orgID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RunEscalation runs one escalation sweep. It lets an external scheduler
// trigger escalation over HTTP.
func (h *HTTPHandler) RunEscalation(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.EscalateExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// scope returns the caller and the organization a request acts in. The
// organization comes from the caller's token, or the organization_id query
// parameter when the token carries none.
func (h *HTTPHandler) scope(w http.ResponseWriter, r *http.Request) (Identity, string, bool) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", false)
		return Identity{}, "", false
	}

	orgID := caller.OrganizationID
	if q := r.URL.Query().Get("organization_id"); q != "" {
		if orgID != "" && q != orgID {
			writeError(w, errors.New(errors.ErrCodeUnauthorized, "organization does not match the caller's token"))
			return Identity{}, "", false
		}
		orgID = q
	}
	if orgID == "" {
		writeError(w, errors.InvalidInput("organization_id", "is required"))
		return Identity{}, "", false
	}
	return caller, orgID, true
}

func parseTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.InvalidInput(field, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func toDecisionResponse(res *service.DecisionResult) DecisionResponse {
	return DecisionResponse{
		WorkRequestID:     res.WorkRequest.ID,
		WorkRequestStatus: string(res.WorkRequestStatus),
		StageAdvanced:     res.StageAdvanced,
		NextApprover:      res.NextApprover,
		Entry:             res.Entry,
		Version:           res.WorkRequest.Version,
	}
}
