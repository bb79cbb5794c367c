package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/repository/memory"
)

func hours(h int) *int { return &h }

func newBuilder(dir *fakeDirectory) *ChainBuilder {
	return NewChainBuilder(dir, 24*time.Hour, func() time.Time { return t0 }, logger.Nop())
}

func TestPlanExampleRules(t *testing.T) {
	wr := &repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1"}
	matched := []*repository.ApprovalRule{
		{ID: "high-priority-rule", Steps: []repository.ApprovalStep{
			{Order: 1, Level: repository.LevelElevated, Approvers: []string{"manager-1", "manager-2"}, IsParallel: true, CanDelegate: true},
		}},
		{ID: "high-cost-rule", Steps: []repository.ApprovalStep{
			{Order: 1, Level: repository.LevelExecutive, Approvers: []string{"finance-manager"}, TimeoutHours: hours(48)},
		}},
	}

	plan, err := newBuilder(newFakeDirectory()).Plan(context.Background(), wr, matched)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)

	assert.Equal(t, "manager-1", plan.Entries[0].ApproverID)
	assert.Equal(t, "Manager One", plan.Entries[0].ApproverName)
	assert.Equal(t, 1, plan.Entries[0].SequenceOrder)
	assert.Equal(t, repository.LevelElevated, plan.Entries[0].ApprovalLevel)
	assert.True(t, plan.Entries[0].CanDelegate)
	assert.Equal(t, "manager-2", plan.Entries[1].ApproverID)
	assert.Equal(t, 1, plan.Entries[1].SequenceOrder)
	assert.Equal(t, "finance-manager", plan.Entries[2].ApproverID)
	assert.Equal(t, 2, plan.Entries[2].SequenceOrder)
	assert.Equal(t, "high-cost-rule", plan.Entries[2].RuleID)

	for _, e := range plan.Entries {
		assert.Equal(t, repository.EntryPending, e.Status)
		assert.True(t, e.IsRequired)
	}
	assert.Equal(t, t0.Add(24*time.Hour), *plan.Entries[0].TimeoutDate)
	assert.Equal(t, t0.Add(48*time.Hour), *plan.Entries[2].TimeoutDate)

	assert.Equal(t, repository.LevelExecutive, plan.Level)
	assert.Equal(t, t0.Add(48*time.Hour), plan.Deadline)
	assert.Equal(t, "manager-1", plan.CurrentApproverID)
}

func TestPlanSequentialSteps(t *testing.T) {
	wr := &repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1"}
	rule := &repository.ApprovalRule{ID: "three-step", Steps: []repository.ApprovalStep{
		{Order: 3, Level: repository.LevelExecutive, Approvers: []string{"ops-director"}},
		{Order: 1, Level: repository.LevelStandard, Approvers: []string{"manager-1"}},
		{Order: 2, Level: repository.LevelElevated, Approvers: []string{"finance-manager"}},
	}}

	plan, err := newBuilder(newFakeDirectory()).Plan(context.Background(), wr, []*repository.ApprovalRule{rule})
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)

	for i, want := range []string{"manager-1", "finance-manager", "ops-director"} {
		assert.Equal(t, want, plan.Entries[i].ApproverID)
		assert.Equal(t, i+1, plan.Entries[i].SequenceOrder)
	}
}

func TestPlanDeduplicatesApprovers(t *testing.T) {
	wr := &repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1"}
	matched := []*repository.ApprovalRule{
		{ID: "a", Steps: []repository.ApprovalStep{
			{Level: repository.LevelStandard, Approvers: []string{"manager-1", "manager-1"}},
		}},
		{ID: "b", Steps: []repository.ApprovalStep{
			{Level: repository.LevelExecutive, Approvers: []string{"manager-1"}},
			{Level: repository.LevelElevated, Approvers: []string{"finance-manager"}},
		}},
	}

	plan, err := newBuilder(newFakeDirectory()).Plan(context.Background(), wr, matched)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)

	assert.Equal(t, "manager-1", plan.Entries[0].ApproverID)
	assert.Equal(t, 1, plan.Entries[0].SequenceOrder)
	assert.Equal(t, repository.LevelExecutive, plan.Entries[0].ApprovalLevel, "level raised to the highest step naming the approver")

	// The fully deduplicated step opens no stage.
	assert.Equal(t, 2, plan.Entries[1].SequenceOrder)
	assert.Equal(t, repository.LevelExecutive, plan.Level)
}

func TestPlanFailsClosedOnDirectoryError(t *testing.T) {
	dir := newFakeDirectory()
	dir.fail["finance-manager"] = assert.AnError

	wr := &repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1"}
	matched := []*repository.ApprovalRule{{ID: "r", Steps: []repository.ApprovalStep{
		{Level: repository.LevelStandard, Approvers: []string{"manager-1", "finance-manager"}},
	}}}

	plan, err := newBuilder(dir).Plan(context.Background(), wr, matched)
	assert.Nil(t, plan)
	assert.Equal(t, errors.ErrCodeDirectoryLookup, errors.CodeOf(err))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPlanWithoutApproversIsEmptyAndNotPersisted(t *testing.T) {
	store := memory.New()
	store.PutWorkRequest(&repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1", Status: repository.StatusSubmitted})
	wr := &repository.WorkRequest{ID: "wr-1", OrganizationID: "org-1"}

	b := newBuilder(newFakeDirectory())
	plan, err := b.Plan(context.Background(), wr, []*repository.ApprovalRule{
		{ID: "no-steps"},
		{ID: "no-approvers", Steps: []repository.ApprovalStep{{Order: 1, Level: repository.LevelStandard}}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Entries)
	assert.Empty(t, plan.CurrentApproverID)

	err = store.InTransaction(context.Background(), func(tx repository.WorkflowTx) error {
		current, err := tx.GetWorkRequest(context.Background(), "wr-1")
		if err != nil {
			return err
		}
		return b.Persist(context.Background(), tx, current, plan, current.Version)
	})
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))

	stored, err := store.GetWorkRequest(context.Background(), "wr-1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSubmitted, stored.Status)
	assert.False(t, stored.ApprovalRequired)
}
