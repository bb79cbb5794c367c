package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-ops-approvals/internal/rules"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

const testRules = `
rules:
  - id: high-priority-rule
    name: High priority work
    priority: 1
    conditions:
      - {field: priority, operator: equals, value: HIGH}
    steps:
      - order: 1
        level: ELEVATED
        approvers: [manager-1, manager-2]
        isParallel: true
        canDelegate: true
`

type testServer struct {
	http.Handler
	store *memory.Store
	audit *client.AuditWriter
}

func newTestServer(t *testing.T, validator *TokenValidator) *testServer {
	t.Helper()
	log := logger.Nop()

	parsed, err := rules.Parse([]byte(testRules))
	require.NoError(t, err)

	store := memory.New()
	store.PutWorkRequest(&repository.WorkRequest{
		ID: "wr-1", OrganizationID: "org-1", Title: "Replace stand 12 lighting",
		Status: repository.StatusSubmitted, Priority: repository.PriorityHigh, RequestedBy: "requester-1",
	})

	auditLog := memory.NewAuditLog()
	writer := client.NewAuditWriter(auditLog, client.AuditWriterConfig{FlushInterval: 10 * time.Millisecond}, log)
	writer.Start()
	t.Cleanup(writer.Stop)

	directory := client.NewStaticDirectory([]config.ApproverConfig{
		{ID: "manager-1", Name: "Manager One", Role: "duty_manager"},
		{ID: "manager-2", Name: "Manager Two", Role: "duty_manager"},
	})

	reg := prometheus.NewRegistry()
	svc := service.NewApprovalWorkflowService(
		store, auditLog, rules.NewStaticSource(parsed), directory,
		client.NewNotificationPublisher(nil, "", log.Logger), writer,
		metrics.New(reg), service.WorkflowConfig{}, log,
	)

	router := NewRouter(NewHTTPHandler(svc, log), RouterConfig{
		Validator:     validator,
		DevUserHeader: "X-User-ID",
		Gatherer:      reg,
	}, log)
	return &testServer{Handler: router, store: store, audit: writer}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-Organization-ID", "org-1")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/approval-workflow", "requester-1", nil)
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops_approval_chains_initialized_total")
}

func TestRequiresCaller(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/approvals/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/approval-workflow", "requester-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var initialized struct {
		ApprovalRequired bool                        `json:"approvalRequired"`
		Entries          []*repository.ApprovalEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initialized))
	assert.True(t, initialized.ApprovalRequired)
	assert.Len(t, initialized.Entries, 2)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/approval-workflow", "requester-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, decodeError(t, rec).Retryable)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/pending", "manager-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, 1, pending.Total)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/decisions", "manager-1", DecisionRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "UNDER_REVIEW", res.WorkRequestStatus)
	assert.False(t, res.StageAdvanced)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/decisions", "manager-1", DecisionRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "NO_PENDING_APPROVAL", detail.Code)
	assert.False(t, detail.Retryable)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/decisions", "manager-2", DecisionRequest{Decision: "reject"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "comments", decodeError(t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/decisions", "manager-2", DecisionRequest{Decision: "APPROVE"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "APPROVED", res.WorkRequestStatus)

	rec = s.do(t, http.MethodGet, "/api/v1/work-requests/wr-1/approvals", "requester-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chain struct {
		Entries []*repository.ApprovalEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	for _, e := range chain.Entries {
		assert.Equal(t, repository.EntryApproved, e.Status)
	}

	s.audit.Stop()
	rec = s.do(t, http.MethodGet, "/api/v1/work-requests/wr-1/history", "requester-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []*repository.AuditEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.History, 3)
}

func TestRecallEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/approval-workflow", "requester-1", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/recall", "manager-1", map[string]string{"reason": "no"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/recall", "requester-1", map[string]string{"reason": "Scope changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "WITHDRAWN", res.WorkRequestStatus)
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/work-requests/missing/approvals", "requester-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/pending?organization_id=org-2", "manager-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/statistics?from=yesterday", "manager-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "from", decodeError(t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/decisions", "manager-1", DecisionRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/work-requests/wr-1/decisions", bytes.NewBufferString("{"))
	req.Header.Set("X-User-ID", "manager-1")
	req.Header.Set("X-Organization-ID", "org-1")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/work-requests/wr-1/approval-workflow", "requester-1", nil)

	rec := s.do(t, http.MethodGet, "/api/v1/approvals/statistics", "manager-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.ApprovalStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 2, stats.Pending)
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		retryable bool
	}{
		{errors.InvalidInput("x", "bad"), http.StatusBadRequest, false},
		{errors.NoPendingApproval("wr-1", "a"), http.StatusConflict, false},
		{errors.Conflict("stale"), http.StatusConflict, true},
		{errors.DirectoryLookup("a", assert.AnError), http.StatusBadGateway, false},
		{errors.New(errors.ErrCodePersistence, "db down"), http.StatusServiceUnavailable, true},
		{errors.NotFound("work_request", "wr-1"), http.StatusNotFound, false},
		{errors.New(errors.ErrCodeUnauthorized, "no"), http.StatusForbidden, false},
		{assert.AnError, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		detail := decodeError(t, rec)
		assert.Equal(t, tt.retryable, detail.Retryable, tt.err.Error())
		if tt.retryable {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}

	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)
	assert.Equal(t, "internal server error", decodeError(t, rec).Message)
}

func TestReadinessFailure(t *testing.T) {
	router := NewRouter(NewHTTPHandler(nil, logger.Nop()), RouterConfig{
		Ready: func(ctx context.Context) error { return assert.AnError },
	}, logger.Nop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
