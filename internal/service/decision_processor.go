package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Decision is the action an approver takes on a pending entry.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionDelegate Decision = "delegate"
)

// ParseDecision parses a decision name case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject, DecisionDelegate:
		return d, nil
	}
	return "", errors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", s))
}

// DecisionInput is one approver's decision on a work request.
type DecisionInput struct {
	WorkRequestID  string
	OrganizationID string // optional scope check
	ApproverID     string
	Decision       Decision
	Comments       string
	Conditions     string
	DelegateTo     string
}

// Validate checks the input shape before anything is read.
func (in DecisionInput) Validate() error {
	if strings.TrimSpace(in.WorkRequestID) == "" {
		return errors.InvalidInput("work_request_id", "is required")
	}
	if strings.TrimSpace(in.ApproverID) == "" {
		return errors.InvalidInput("approver_id", "is required")
	}
	switch in.Decision {
	case DecisionApprove:
	case DecisionReject:
		if strings.TrimSpace(in.Comments) == "" {
			return errors.InvalidInput("comments", "rejection reason is required")
		}
	case DecisionDelegate:
		if strings.TrimSpace(in.DelegateTo) == "" {
			return errors.InvalidInput("delegate_to", "is required for delegation")
		}
		if in.DelegateTo == in.ApproverID {
			return errors.InvalidInput("delegate_to", "cannot delegate to yourself")
		}
	default:
		return errors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", in.Decision))
	}
	return nil
}

// DecisionResult describes the state after a committed decision.
type DecisionResult struct {
	Decision          string
	WorkRequestStatus repository.WorkRequestStatus
	StatusBefore      repository.WorkRequestStatus
	// NextApprover is the representative approver of the stage now awaiting
	// decisions, nil when the request left review.
	NextApprover  *client.Approver
	StageAdvanced bool
	Entry         *repository.ApprovalEntry
	WorkRequest   *repository.WorkRequest

	// NextStageApprovers lists every approver of a newly opened stage.
	NextStageApprovers []string
	// Cancelled lists approvers whose pending entries were cancelled.
	Cancelled []string
	// PreviousApproverID is set when an entry was reassigned.
	PreviousApproverID string
}

// DecisionProcessor applies decisions to approval chains. Every decision
// runs in one transaction and ends with a version-checked write of the work
// request, so concurrent decisions on one request serialize and at most one
// of them advances a stage.
type DecisionProcessor struct {
	store          repository.WorkflowStore
	directory      client.ApproverDirectory
	metrics        *metrics.Metrics
	retries        uint
	defaultTimeout time.Duration
	now            func() time.Time
	log            *logger.Logger
}

// NewDecisionProcessor creates a new DecisionProcessor. retries bounds the
// attempts made when a transaction loses a version race.
func NewDecisionProcessor(
	store repository.WorkflowStore,
	directory client.ApproverDirectory,
	m *metrics.Metrics,
	retries uint,
	defaultTimeout time.Duration,
	now func() time.Time,
	log *logger.Logger,
) *DecisionProcessor {
	if now == nil {
		now = time.Now
	}
	return &DecisionProcessor{
		store:          store,
		directory:      directory,
		metrics:        m,
		retries:        retries,
		defaultTimeout: defaultTimeout,
		now:            now,
		log:            log.Named("decision-processor"),
	}
}

// Process validates and applies one decision. Approve and reject act only on
// the open stage; a pending entry of a later stage may be delegated ahead of
// time.
func (p *DecisionProcessor) Process(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var delegate *client.Approver
	if in.Decision == DecisionDelegate {
		a, err := p.directory.Resolve(ctx, in.DelegateTo)
		if err != nil {
			return nil, errors.DirectoryLookup(in.DelegateTo, err)
		}
		delegate = a
	}

	var result *DecisionResult
	err := p.transact(ctx, func(tx repository.WorkflowTx) error {
		wr, entry, err := p.loadPending(ctx, tx, in.WorkRequestID, in.OrganizationID, in.ApproverID)
		if err != nil {
			return err
		}
		if in.Decision != DecisionDelegate {
			if err := p.checkStageOpen(ctx, tx, wr.ID, entry); err != nil {
				return err
			}
		}
		now := p.now().UTC()

		switch in.Decision {
		case DecisionApprove:
			result, err = p.approve(ctx, tx, wr, entry, in, now)
		case DecisionReject:
			result, err = p.reject(ctx, tx, wr, entry, in, now)
		case DecisionDelegate:
			result, err = p.delegate(ctx, tx, wr, entry, delegate, in.Comments, now)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

func (p *DecisionProcessor) approve(
	ctx context.Context,
	tx repository.WorkflowTx,
	wr *repository.WorkRequest,
	entry *repository.ApprovalEntry,
	in DecisionInput,
	now time.Time,
) (*DecisionResult, error) {
	expected := wr.Version
	result := &DecisionResult{Decision: string(DecisionApprove), StatusBefore: wr.Status}

	entry.Status = repository.EntryApproved
	entry.DecisionDate = &now
	entry.Comments = optional(in.Comments)
	entry.Conditions = optional(in.Conditions)
	entry.UpdatedAt = now
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}

	stage, err := tx.FindByStage(ctx, wr.ID, entry.SequenceOrder)
	if err != nil {
		return nil, err
	}

	if stageComplete(stage) {
		next, err := tx.FindNextPendingStage(ctx, wr.ID, entry.SequenceOrder)
		if err != nil {
			return nil, err
		}
		if next != nil {
			wr.CurrentApproverID = &next.ApproverID
			result.StageAdvanced = true
			result.NextApprover = approverOf(next)

			nextStage, err := tx.FindByStage(ctx, wr.ID, next.SequenceOrder)
			if err != nil {
				return nil, err
			}
			result.NextStageApprovers = pendingApprovers(nextStage)
		} else {
			wr.Status = repository.StatusApproved
			wr.ApprovedDate = &now
			wr.CurrentApproverID = nil
		}
	} else if wr.CurrentApproverID != nil {
		result.NextApprover = p.currentApprover(stage, *wr.CurrentApproverID)
	}

	if err := tx.UpdateWorkRequest(ctx, wr, expected); err != nil {
		return nil, err
	}

	result.WorkRequestStatus = wr.Status
	result.Entry = entry
	result.WorkRequest = wr
	return result, nil
}

// stageComplete reports whether every required entry of a stage is
// APPROVED.
func stageComplete(stage []*repository.ApprovalEntry) bool {
	for _, e := range stage {
		if e.IsRequired && e.Status != repository.EntryApproved {
			return false
		}
	}
	return true
}

// ── Reject ────────────────────────────────────────────────────────────────────

func (p *DecisionProcessor) reject(
	ctx context.Context,
	tx repository.WorkflowTx,
	wr *repository.WorkRequest,
	entry *repository.ApprovalEntry,
	in DecisionInput,
	now time.Time,
) (*DecisionResult, error) {
	expected := wr.Version
	result := &DecisionResult{Decision: string(DecisionReject), StatusBefore: wr.Status}

	entry.Status = repository.EntryRejected
	entry.DecisionDate = &now
	entry.Comments = optional(in.Comments)
	entry.Conditions = optional(in.Conditions)
	entry.UpdatedAt = now
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}

	cancelled, err := cancelPending(ctx, tx, wr.ID, now)
	if err != nil {
		return nil, err
	}

	reason := in.Comments
	wr.Status = repository.StatusRejected
	wr.StatusReason = &reason
	wr.CurrentApproverID = nil
	if err := tx.UpdateWorkRequest(ctx, wr, expected); err != nil {
		return nil, err
	}

	result.WorkRequestStatus = wr.Status
	result.Entry = entry
	result.WorkRequest = wr
	result.Cancelled = cancelled
	return result, nil
}

// ── Delegation ────────────────────────────────────────────────────────────────

func (p *DecisionProcessor) delegate(
	ctx context.Context,
	tx repository.WorkflowTx,
	wr *repository.WorkRequest,
	entry *repository.ApprovalEntry,
	to *client.Approver,
	reason string,
	now time.Time,
) (*DecisionResult, error) {
	if !entry.CanDelegate {
		return nil, errors.InvalidInput("decision", "delegation is not allowed for this approval step")
	}
	if msg, err := p.reassignBlocked(ctx, tx, wr.ID, entry, to.ID); err != nil {
		return nil, err
	} else if msg != "" {
		return nil, errors.InvalidInput("delegate_to", msg)
	}

	expected := wr.Version
	from := entry.ApproverID
	reassign(entry, to, now)
	entry.Comments = optional(reason)
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}

	if wr.CurrentApproverID != nil && *wr.CurrentApproverID == from {
		wr.CurrentApproverID = &to.ID
	}
	if err := tx.UpdateWorkRequest(ctx, wr, expected); err != nil {
		return nil, err
	}

	return &DecisionResult{
		Decision:           string(DecisionDelegate),
		WorkRequestStatus:  wr.Status,
		StatusBefore:       wr.Status,
		NextApprover:       to,
		Entry:              entry,
		WorkRequest:        wr,
		PreviousApproverID: from,
	}, nil
}

// reassignBlocked returns a reason when the entry cannot move to
// approverID: the approver already holds a pending entry on the request or
// an entry at the same stage.
func (p *DecisionProcessor) reassignBlocked(
	ctx context.Context,
	tx repository.WorkflowTx,
	workRequestID string,
	entry *repository.ApprovalEntry,
	approverID string,
) (string, error) {
	pending, err := tx.FindPending(ctx, workRequestID, approverID)
	if err != nil {
		return "", err
	}
	if pending != nil {
		return fmt.Sprintf("approver %s already has a pending approval on this request", approverID), nil
	}

	stage, err := tx.FindByStage(ctx, workRequestID, entry.SequenceOrder)
	if err != nil {
		return "", err
	}
	for _, e := range stage {
		if e.ApproverID == approverID {
			return fmt.Sprintf("approver %s is already part of this stage", approverID), nil
		}
	}
	return "", nil
}

// reassign moves a pending entry to a new approver in place. The entry keeps
// its stage and level and stays PENDING; the hand-over is visible through
// DelegatedFrom/DelegatedTo and the audit trail.
func reassign(entry *repository.ApprovalEntry, to *client.Approver, now time.Time) {
	from := entry.ApproverID
	entry.DelegatedFrom = &from
	entry.DelegatedTo = &to.ID

	entry.ApproverID = to.ID
	entry.ApproverName = to.Name
	entry.ApproverRole = to.Role
	entry.Status = repository.EntryPending
	entry.DecisionDate = nil
	entry.UpdatedAt = now
}

// ── Escalation ────────────────────────────────────────────────────────────────

// Escalate reassigns an expired pending entry to target and resets its
// timeout. It returns a skip reason instead of an error when the entry is no
// longer eligible.
func (p *DecisionProcessor) Escalate(ctx context.Context, expired *repository.ApprovalEntry, target *client.Approver) (*DecisionResult, string, error) {
	var (
		result *DecisionResult
		skip   string
	)
	err := p.transact(ctx, func(tx repository.WorkflowTx) error {
		result, skip = nil, ""

		wr, err := tx.GetWorkRequest(ctx, expired.WorkRequestID)
		if err != nil {
			return err
		}
		if wr.Status != repository.StatusUnderReview {
			skip = "work request is no longer under review"
			return nil
		}
		entry, err := tx.FindPending(ctx, wr.ID, expired.ApproverID)
		if err != nil {
			return err
		}
		now := p.now().UTC()
		switch {
		case entry == nil || entry.ID != expired.ID:
			skip = "entry is no longer pending"
			return nil
		case entry.TimeoutDate == nil || entry.TimeoutDate.After(now):
			skip = "entry has not expired"
			return nil
		case entry.ApproverID == target.ID:
			skip = "entry is already assigned to the escalation approver"
			return nil
		}
		if err := p.checkStageOpen(ctx, tx, wr.ID, entry); err != nil {
			if errors.CodeOf(err) != errors.ErrCodeNoPendingApproval {
				return err
			}
			skip = "approval stage is not open yet"
			return nil
		}
		if msg, err := p.reassignBlocked(ctx, tx, wr.ID, entry, target.ID); err != nil {
			return err
		} else if msg != "" {
			skip = msg
			return nil
		}

		expected := wr.Version
		from := entry.ApproverID
		reassign(entry, target, now)
		timeout := now.Add(p.defaultTimeout)
		entry.TimeoutDate = &timeout
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		if wr.CurrentApproverID != nil && *wr.CurrentApproverID == from {
			wr.CurrentApproverID = &target.ID
		}
		if wr.ApprovalDeadline == nil || wr.ApprovalDeadline.Before(timeout) {
			wr.ApprovalDeadline = &timeout
		}
		if err := tx.UpdateWorkRequest(ctx, wr, expected); err != nil {
			return err
		}

		result = &DecisionResult{
			Decision:           "escalate",
			WorkRequestStatus:  wr.Status,
			StatusBefore:       wr.Status,
			NextApprover:       target,
			Entry:              entry,
			WorkRequest:        wr,
			PreviousApproverID: from,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return result, skip, nil
}

// ── Recall ────────────────────────────────────────────────────────────────────

// Recall withdraws a request under review on behalf of its requester.
func (p *DecisionProcessor) Recall(ctx context.Context, workRequestID, organizationID, recalledBy, reason string) (*DecisionResult, error) {
	var result *DecisionResult
	err := p.transact(ctx, func(tx repository.WorkflowTx) error {
		wr, err := tx.GetWorkRequest(ctx, workRequestID)
		if err != nil {
			return err
		}
		if organizationID != "" && wr.OrganizationID != organizationID {
			return errors.NotFound("work_request", workRequestID)
		}
		if wr.RequestedBy != recalledBy {
			return errors.New(errors.ErrCodeUnauthorized, "only the requester can recall the approval workflow")
		}
		if wr.Status != repository.StatusUnderReview {
			return errors.InvalidInput("status",
				fmt.Sprintf("approval workflow cannot be recalled from status %s", wr.Status))
		}

		now := p.now().UTC()
		expected := wr.Version
		before := wr.Status

		cancelled, err := cancelPending(ctx, tx, wr.ID, now)
		if err != nil {
			return err
		}

		wr.Status = repository.StatusWithdrawn
		wr.CurrentApproverID = nil
		wr.StatusReason = optional(reason)
		if err := tx.UpdateWorkRequest(ctx, wr, expected); err != nil {
			return err
		}

		result = &DecisionResult{
			Decision:          "recall",
			WorkRequestStatus: wr.Status,
			StatusBefore:      before,
			WorkRequest:       wr,
			Cancelled:         cancelled,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// transact runs fn in a transaction, retrying from a fresh read when the
// transaction loses a version race.
func (p *DecisionProcessor) transact(ctx context.Context, fn func(tx repository.WorkflowTx) error) error {
	return RetryOnConflict(ctx, p.retries, func(attempt uint) {
		p.metrics.ConflictRetries.Inc()
		p.log.Debug().Uint("attempt", attempt).Msg("Retrying decision after version conflict")
	}, func() error {
		return p.store.InTransaction(ctx, fn)
	})
}

// loadPending reads the request and the actor's pending entry on it.
func (p *DecisionProcessor) loadPending(
	ctx context.Context,
	tx repository.WorkflowTx,
	workRequestID, organizationID, approverID string,
) (*repository.WorkRequest, *repository.ApprovalEntry, error) {
	wr, err := tx.GetWorkRequest(ctx, workRequestID)
	if err != nil {
		return nil, nil, err
	}
	if organizationID != "" && wr.OrganizationID != organizationID {
		return nil, nil, errors.NotFound("work_request", workRequestID)
	}
	if wr.Status != repository.StatusUnderReview {
		return nil, nil, errors.NoPendingApproval(workRequestID, approverID)
	}

	entry, err := tx.FindPending(ctx, workRequestID, approverID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, errors.NoPendingApproval(workRequestID, approverID)
	}
	return wr, entry, nil
}

// checkStageOpen rejects decisions on entries whose stage is not the
// lowest stage that still has pending entries.
func (p *DecisionProcessor) checkStageOpen(ctx context.Context, tx repository.WorkflowTx, workRequestID string, entry *repository.ApprovalEntry) error {
	active, err := tx.FindNextPendingStage(ctx, workRequestID, 0)
	if err != nil {
		return err
	}
	if active != nil && entry.SequenceOrder > active.SequenceOrder {
		return &errors.AppError{
			Code: errors.ErrCodeNoPendingApproval,
			Message: fmt.Sprintf("approval stage %d of work request %s is not open yet (stage %d is pending)",
				entry.SequenceOrder, workRequestID, active.SequenceOrder),
		}
	}
	return nil
}

// currentApprover returns the identity behind the current approver pointer
// when it belongs to stage.
func (p *DecisionProcessor) currentApprover(stage []*repository.ApprovalEntry, approverID string) *client.Approver {
	for _, e := range stage {
		if e.ApproverID == approverID {
			return approverOf(e)
		}
	}
	return &client.Approver{ID: approverID}
}

// cancelPending cancels every pending entry of a request and returns the
// affected approvers.
func cancelPending(ctx context.Context, tx repository.WorkflowTx, workRequestID string, now time.Time) ([]string, error) {
	entries, err := tx.ListEntries(ctx, workRequestID)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for _, e := range entries {
		if e.Status != repository.EntryPending {
			continue
		}
		e.Status = repository.EntryCancelled
		e.UpdatedAt = now
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, e.ApproverID)
	}
	return cancelled, nil
}

func pendingApprovers(entries []*repository.ApprovalEntry) []string {
	var ids []string
	for _, e := range entries {
		if e.Status == repository.EntryPending {
			ids = append(ids, e.ApproverID)
		}
	}
	return ids
}

func approverOf(e *repository.ApprovalEntry) *client.Approver {
	return &client.Approver{ID: e.ApproverID, Name: e.ApproverName, Role: e.ApproverRole}
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
