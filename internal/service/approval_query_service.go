package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// ApprovalStatistics aggregates approval entries of an organization.
type ApprovalStatistics struct {
	OrganizationID string         `json:"organizationId"`
	From           *time.Time     `json:"from,omitempty"`
	To             *time.Time     `json:"to,omitempty"`
	TotalEntries   int            `json:"totalEntries"`
	ByStatus       map[string]int `json:"byStatus"`
	ByLevel        map[string]int `json:"byLevel"`
	Pending        int            `json:"pending"`
	Overdue        int            `json:"overdue"`
	// AverageApprovalSeconds is the mean time from entry creation to
	// approval over APPROVED entries, zero when there are none.
	AverageApprovalSeconds float64 `json:"averageApprovalSeconds"`
}

// ApprovalQueryService serves read-only views of approval state.
type ApprovalQueryService struct {
	store repository.WorkflowStore
	now   func() time.Time
}

// NewApprovalQueryService creates a new ApprovalQueryService.
func NewApprovalQueryService(store repository.WorkflowStore, now func() time.Time) *ApprovalQueryService {
	if now == nil {
		now = time.Now
	}
	return &ApprovalQueryService{store: store, now: now}
}

// GetChain returns the entries of a request ordered by stage, creation order
// within a stage.
func (q *ApprovalQueryService) GetChain(ctx context.Context, workRequestID, organizationID string) ([]*repository.ApprovalEntry, error) {
	if err := q.checkScope(ctx, workRequestID, organizationID); err != nil {
		return nil, err
	}
	entries, err := q.store.ListEntries(ctx, workRequestID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SequenceOrder < entries[j].SequenceOrder
	})
	return entries, nil
}

// GetPendingApprovals returns pending entries of requests under review,
// highest request priority first, then earliest timeout. An empty approverID
// lists every approver of the organization.
func (q *ApprovalQueryService) GetPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*repository.PendingApproval, error) {
	if organizationID == "" {
		return nil, errors.InvalidInput("organization_id", "is required")
	}
	pending, err := q.store.FindPendingApprovals(ctx, organizationID, approverID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		pi, pj := pending[i].WorkRequestPriority.Rank(), pending[j].WorkRequestPriority.Rank()
		if pi != pj {
			return pi > pj
		}
		return timeoutLess(pending[i].TimeoutDate, pending[j].TimeoutDate)
	})
	return pending, nil
}

// GetStatistics aggregates entries created in [from, to).
func (q *ApprovalQueryService) GetStatistics(ctx context.Context, organizationID string, from, to *time.Time) (*ApprovalStatistics, error) {
	if organizationID == "" {
		return nil, errors.InvalidInput("organization_id", "is required")
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, errors.InvalidInput("to", "must not be before from")
	}

	entries, err := q.store.ListEntriesByOrganization(ctx, organizationID, from, to)
	if err != nil {
		return nil, err
	}

	now := q.now()
	stats := &ApprovalStatistics{
		OrganizationID: organizationID,
		From:           from,
		To:             to,
		TotalEntries:   len(entries),
		ByStatus:       make(map[string]int),
		ByLevel:        make(map[string]int),
	}

	var (
		latency  time.Duration
		approved int
	)
	for _, e := range entries {
		stats.ByStatus[string(e.Status)]++
		stats.ByLevel[e.ApprovalLevel.String()]++

		switch e.Status {
		case repository.EntryPending:
			stats.Pending++
			if e.TimeoutDate != nil && e.TimeoutDate.Before(now) {
				stats.Overdue++
			}
		case repository.EntryApproved:
			if e.DecisionDate != nil {
				latency += e.DecisionDate.Sub(e.CreatedAt)
				approved++
			}
		}
	}
	if approved > 0 {
		stats.AverageApprovalSeconds = latency.Seconds() / float64(approved)
	}
	return stats, nil
}

// ListExpiredPending returns pending entries whose timeout has passed.
func (q *ApprovalQueryService) ListExpiredPending(ctx context.Context, limit int) ([]*repository.ApprovalEntry, error) {
	return q.store.ListExpiredPending(ctx, q.now().UTC(), limit)
}

// checkScope verifies the request exists and belongs to the organization
// when one is given.
func (q *ApprovalQueryService) checkScope(ctx context.Context, workRequestID, organizationID string) error {
	wr, err := q.store.GetWorkRequest(ctx, workRequestID)
	if err != nil {
		return err
	}
	if organizationID != "" && wr.OrganizationID != organizationID {
		return errors.NotFound("work_request", workRequestID)
	}
	return nil
}

// timeoutLess orders timeouts ascending with missing timeouts last.
func timeoutLess(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.Before(*b)
}
