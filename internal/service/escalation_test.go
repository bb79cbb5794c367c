package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func TestEscalateExpiredNothingDue(t *testing.T) {
	h := initExample(t)

	report, err := h.svc.EscalateExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &EscalationReport{}, report)
}

func TestEscalateExpired(t *testing.T) {
	h := initExample(t)
	h.now = t0.Add(25 * time.Hour)

	report, err := h.svc.EscalateExpired(context.Background())
	require.NoError(t, err)
	// Both ELEVATED entries expired; the second cannot move to ops-director
	// once ops-director holds the first.
	assert.Equal(t, &EscalationReport{Scanned: 2, Escalated: 1, Skipped: 1}, report)

	chain, err := h.svc.GetChain(context.Background(), "wr-1", "org-1")
	require.NoError(t, err)
	escalated := chain[0]
	assert.Equal(t, "ops-director", escalated.ApproverID)
	assert.Equal(t, repository.EntryPending, escalated.Status)
	assert.Equal(t, 1, escalated.SequenceOrder)
	require.NotNil(t, escalated.DelegatedFrom)
	assert.Equal(t, "manager-1", *escalated.DelegatedFrom)
	assert.Equal(t, t0.Add(49*time.Hour), *escalated.TimeoutDate)

	wr := h.request(t, "wr-1")
	assert.Equal(t, "ops-director", *wr.CurrentApproverID)

	notes := h.notifier.ofType(client.EventEscalated)
	require.Len(t, notes, 1)
	assert.Equal(t, []string{"ops-director", "manager-1"}, notes[0].Recipients)

	history, err := h.svc.GetApprovalHistory(context.Background(), "wr-1", "org-1")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "escalated", last.Action)
	assert.Equal(t, SystemActor, last.PerformedBy)

	// The escalated approver completes the stage with the remaining manager.
	_, err = h.decide(t, "wr-1", "ops-director", DecisionApprove)
	require.NoError(t, err)
	res, err := h.decide(t, "wr-1", "manager-2", DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.StageAdvanced)
}

func TestEscalateExpiredWithoutTarget(t *testing.T) {
	h := newHarness(t, `
rules:
  - id: standard
    name: Standard works
    conditions:
      - {field: type, operator: equals, value: MAINTENANCE}
    steps:
      - {level: STANDARD, approvers: [manager-1], timeoutHours: 1}
`)
	h.putRequest("wr-1", repository.PriorityLow, 0, "MAINTENANCE")
	_, err := h.svc.InitializeWorkflow(context.Background(), "wr-1", "org-1", "requester-1")
	require.NoError(t, err)

	h.now = t0.Add(2 * time.Hour)
	report, err := h.svc.EscalateExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &EscalationReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, "manager-1", *h.request(t, "wr-1").CurrentApproverID)
}

func TestEscalateExpiredDirectoryFailure(t *testing.T) {
	h := initExample(t)
	h.dir.fail["ops-director"] = assert.AnError
	h.now = t0.Add(25 * time.Hour)

	report, err := h.svc.EscalateExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, int64(1), h.request(t, "wr-1").Version)
}

func TestEscalateExpiredLeavesUnopenedStages(t *testing.T) {
	h := initExample(t)
	// Every entry is past its timeout, but stage 2 has not opened.
	h.now = t0.Add(49 * time.Hour)

	report, err := h.svc.EscalateExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &EscalationReport{Scanned: 2, Escalated: 1, Skipped: 1}, report)

	chain, err := h.svc.GetChain(context.Background(), "wr-1", "org-1")
	require.NoError(t, err)
	var later *repository.ApprovalEntry
	for _, e := range chain {
		if e.SequenceOrder == 2 {
			later = e
		}
	}
	require.NotNil(t, later)
	assert.Equal(t, "finance-manager", later.ApproverID)
	assert.Nil(t, later.DelegatedFrom)
	assert.Equal(t, t0.Add(48*time.Hour), *later.TimeoutDate)

	// A sweep that raced ahead of stage 1 still leaves the entry alone.
	res, skip, err := h.svc.processor.Escalate(context.Background(), later, &client.Approver{ID: "ops-director"})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "approval stage is not open yet", skip)
	chain, err = h.svc.GetChain(context.Background(), "wr-1", "org-1")
	require.NoError(t, err)
	for _, e := range chain {
		if e.SequenceOrder == 2 {
			assert.Equal(t, "finance-manager", e.ApproverID)
		}
	}
}
