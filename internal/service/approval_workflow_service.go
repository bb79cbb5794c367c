package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// SystemActor performs automated workflow actions such as escalation.
const SystemActor = "system"

var errAlreadyInitialized = stderrors.New("approval workflow already initialized")

// WorkflowConfig tunes the workflow service.
type WorkflowConfig struct {
	DefaultTimeout      time.Duration
	ConflictRetries     uint
	EscalationTargets   map[string]string // approval level (any case) -> approver id
	EscalationBatchSize int
	Now                 func() time.Time
}

// ApprovalWorkflowService is the entry point of the approval engine. It runs
// rule matching, chain construction and decision processing, then emits
// audit records, notifications and metrics for what was committed.
type ApprovalWorkflowService struct {
	store     repository.WorkflowStore
	audit     repository.AuditStore
	matcher   *RuleMatcher
	builder   *ChainBuilder
	processor *DecisionProcessor
	queries   *ApprovalQueryService
	directory client.ApproverDirectory
	notifier  client.NotificationDispatcher
	recorder  client.AuditRecorder
	metrics   *metrics.Metrics
	cfg       WorkflowConfig
	log       *logger.Logger
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService.
func NewApprovalWorkflowService(
	store repository.WorkflowStore,
	audit repository.AuditStore,
	rules repository.RuleSource,
	directory client.ApproverDirectory,
	notifier client.NotificationDispatcher,
	recorder client.AuditRecorder,
	m *metrics.Metrics,
	cfg WorkflowConfig,
	log *logger.Logger,
) *ApprovalWorkflowService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 24 * time.Hour
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = 3
	}
	targets := make(map[string]string, len(cfg.EscalationTargets))
	for level, approverID := range cfg.EscalationTargets {
		targets[strings.ToLower(level)] = approverID
	}
	cfg.EscalationTargets = targets

	return &ApprovalWorkflowService{
		store:     store,
		audit:     audit,
		matcher:   NewRuleMatcher(rules, m, log),
		builder:   NewChainBuilder(directory, cfg.DefaultTimeout, cfg.Now, log),
		processor: NewDecisionProcessor(store, directory, m, cfg.ConflictRetries, cfg.DefaultTimeout, cfg.Now, log),
		queries:   NewApprovalQueryService(store, cfg.Now),
		directory: directory,
		notifier:  notifier,
		recorder:  recorder,
		metrics:   m,
		cfg:       cfg,
		log:       log.Named("approval-workflow"),
	}
}

// ── Workflow initialization ───────────────────────────────────────────────────

// InitializeWorkflow matches rules against the request and persists its
// approval chain. It returns the created entries, or an empty chain when no
// rule applies and the request needs no approval.
func (s *ApprovalWorkflowService) InitializeWorkflow(ctx context.Context, workRequestID, organizationID, userID string) ([]*repository.ApprovalEntry, error) {
	if workRequestID == "" {
		return nil, errors.InvalidInput("work_request_id", "is required")
	}
	if organizationID == "" {
		return nil, errors.InvalidInput("organization_id", "is required")
	}

	var (
		wr     *repository.WorkRequest
		plan   *ChainPlan
		before repository.WorkRequestStatus
	)
	err := RetryOnConflict(ctx, s.cfg.ConflictRetries, s.onRetry, func() error {
		plan = nil

		var err error
		wr, err = s.store.GetWorkRequest(ctx, workRequestID)
		if err != nil {
			return err
		}
		if wr.OrganizationID != organizationID {
			return errors.NotFound("work_request", workRequestID)
		}
		if wr.Status.Terminal() {
			return errors.InvalidInput("status",
				fmt.Sprintf("work request in status %s cannot enter approval", wr.Status))
		}
		if wr.ApprovalRequired {
			return errAlreadyInitialized
		}

		matched, err := s.matcher.Match(ctx, organizationID, AttributesOf(wr))
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}

		plan, err = s.builder.Plan(ctx, wr, matched)
		if err != nil {
			return err
		}
		if len(plan.Entries) == 0 {
			// Matched rules placed no approver: nothing to approve.
			plan = nil
			return nil
		}

		return s.store.InTransaction(ctx, func(tx repository.WorkflowTx) error {
			current, err := tx.GetWorkRequest(ctx, workRequestID)
			if err != nil {
				return err
			}
			if current.Version != wr.Version {
				return errors.Conflict(fmt.Sprintf("work request %s changed while building its chain", workRequestID))
			}
			before = current.Status
			if err := s.builder.Persist(ctx, tx, current, plan, current.Version); err != nil {
				return err
			}
			wr = current
			return nil
		})
	})
	if stderrors.Is(err, errAlreadyInitialized) {
		return nil, errors.Conflict(fmt.Sprintf("approval workflow already initialized for work request %s", workRequestID))
	}
	if err != nil {
		return nil, err
	}

	if plan == nil {
		s.metrics.ChainsInitialized.WithLabelValues("false").Inc()
		s.log.Info().
			Str("work_request_id", workRequestID).
			Str("organization_id", organizationID).
			Msg("No approval rule matched; approval not required")
		return []*repository.ApprovalEntry{}, nil
	}

	s.metrics.ChainsInitialized.WithLabelValues("true").Inc()
	s.metrics.ChainSize.Observe(float64(len(plan.Entries)))

	firstStage := stageApprovers(plan.Entries, plan.Entries[0].SequenceOrder)
	s.record(wr, nil, "initialized", userID, before, wr.Status, map[string]interface{}{
		"approval_level": plan.Level.String(),
		"entries":        len(plan.Entries),
		"stages":         plan.Entries[len(plan.Entries)-1].SequenceOrder,
	})
	s.notify(ctx, client.EventChainInitiated, wr, userID, firstStage, true, map[string]interface{}{
		"approval_level": plan.Level.String(),
		"deadline":       plan.Deadline,
	})

	s.log.Info().
		Str("work_request_id", workRequestID).
		Str("organization_id", organizationID).
		Int("entries", len(plan.Entries)).
		Str("approval_level", plan.Level.String()).
		Msg("Approval workflow initialized")

	return plan.Entries, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// ProcessDecision applies one approver decision to a request.
func (s *ApprovalWorkflowService) ProcessDecision(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	start := time.Now()
	res, err := s.processor.Process(ctx, in)
	s.metrics.DecisionDuration.WithLabelValues(string(in.Decision)).Observe(time.Since(start).Seconds())
	s.metrics.Decisions.WithLabelValues(string(in.Decision), outcomeOf(err)).Inc()
	if err != nil {
		s.log.Warn().Err(err).
			Str("work_request_id", in.WorkRequestID).
			Str("approver_id", in.ApproverID).
			Str("decision", string(in.Decision)).
			Msg("Approval decision failed")
		return nil, err
	}

	s.afterDecision(ctx, res, in.ApproverID, in.Comments)

	s.log.Info().
		Str("work_request_id", in.WorkRequestID).
		Str("approver_id", in.ApproverID).
		Str("decision", string(in.Decision)).
		Str("status", string(res.WorkRequestStatus)).
		Bool("stage_advanced", res.StageAdvanced).
		Msg("Approval decision processed")
	return res, nil
}

// afterDecision emits the side effects of a committed decision.
func (s *ApprovalWorkflowService) afterDecision(ctx context.Context, res *DecisionResult, actor, comments string) {
	wr := res.WorkRequest
	meta := map[string]interface{}{"sequence_order": res.Entry.SequenceOrder}
	if comments != "" {
		meta["comments"] = comments
	}

	switch Decision(res.Decision) {
	case DecisionApprove:
		s.record(wr, res.Entry, "approved", actor, res.StatusBefore, res.WorkRequestStatus, meta)
		switch {
		case res.WorkRequestStatus == repository.StatusApproved:
			s.metrics.Transitions.WithLabelValues("approved").Inc()
			s.notify(ctx, client.EventApproved, wr, actor, []string{wr.RequestedBy}, false, nil)
		case res.StageAdvanced:
			s.metrics.Transitions.WithLabelValues("stage_advanced").Inc()
			s.notify(ctx, client.EventStageAdvanced, wr, actor, res.NextStageApprovers, true, map[string]interface{}{
				"completed_stage": res.Entry.SequenceOrder,
			})
		}

	case DecisionReject:
		s.metrics.Transitions.WithLabelValues("rejected").Inc()
		meta["cancelled"] = len(res.Cancelled)
		s.record(wr, res.Entry, "rejected", actor, res.StatusBefore, res.WorkRequestStatus, meta)
		s.notify(ctx, client.EventRejected, wr, actor, append([]string{wr.RequestedBy}, res.Cancelled...), false,
			map[string]interface{}{"reason": comments})

	case DecisionDelegate:
		meta["delegated_from"] = res.PreviousApproverID
		meta["delegated_to"] = res.Entry.ApproverID
		s.record(wr, res.Entry, "delegated", actor, res.StatusBefore, res.WorkRequestStatus, meta)
		s.notify(ctx, client.EventDelegated, wr, actor, []string{res.Entry.ApproverID}, true, map[string]interface{}{
			"delegated_from": res.PreviousApproverID,
		})
	}
}

// ── Recall ────────────────────────────────────────────────────────────────────

// RecallWorkflow lets the requester withdraw a request that is under review.
func (s *ApprovalWorkflowService) RecallWorkflow(ctx context.Context, workRequestID, organizationID, userID, reason string) (*DecisionResult, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	res, err := s.processor.Recall(ctx, workRequestID, organizationID, userID, reason)
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues("withdrawn").Inc()
	s.record(res.WorkRequest, nil, "recalled", userID, res.StatusBefore, res.WorkRequestStatus, map[string]interface{}{
		"reason":    reason,
		"cancelled": len(res.Cancelled),
	})
	s.notify(ctx, client.EventRecalled, res.WorkRequest, userID, res.Cancelled, false, nil)

	s.log.Info().
		Str("work_request_id", workRequestID).
		Str("recalled_by", userID).
		Msg("Approval workflow recalled")
	return res, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetChain returns the approval chain of a request.
func (s *ApprovalWorkflowService) GetChain(ctx context.Context, workRequestID, organizationID string) ([]*repository.ApprovalEntry, error) {
	return s.queries.GetChain(ctx, workRequestID, organizationID)
}

// GetPendingApprovals returns what awaits approverID, or every pending entry
// of the organization when approverID is empty.
func (s *ApprovalWorkflowService) GetPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*repository.PendingApproval, error) {
	return s.queries.GetPendingApprovals(ctx, organizationID, approverID)
}

// GetStatistics aggregates the organization's approval entries.
func (s *ApprovalWorkflowService) GetStatistics(ctx context.Context, organizationID string, from, to *time.Time) (*ApprovalStatistics, error) {
	return s.queries.GetStatistics(ctx, organizationID, from, to)
}

// GetApprovalHistory returns the audit trail of a request.
func (s *ApprovalWorkflowService) GetApprovalHistory(ctx context.Context, workRequestID, organizationID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByWorkRequest(ctx, workRequestID, organizationID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalWorkflowService) onRetry(attempt uint) {
	s.metrics.ConflictRetries.Inc()
	s.log.Debug().Uint("attempt", attempt).Msg("Retrying workflow initialization after version conflict")
}

// record hands an audit entry to the recorder. Never blocks or fails.
func (s *ApprovalWorkflowService) record(
	wr *repository.WorkRequest,
	entry *repository.ApprovalEntry,
	action, actor string,
	before, after repository.WorkRequestStatus,
	meta map[string]interface{},
) {
	statusBefore, statusAfter := string(before), string(after)
	a := &repository.AuditEntry{
		WorkRequestID:  wr.ID,
		OrganizationID: wr.OrganizationID,
		Action:         action,
		PerformedBy:    actor,
		PerformedAt:    s.cfg.Now().UTC(),
		StatusBefore:   &statusBefore,
		StatusAfter:    &statusAfter,
		Metadata:       meta,
	}
	if entry != nil {
		id := entry.ID
		a.EntryID = &id
	}
	s.recorder.Record(a)
}

func (s *ApprovalWorkflowService) notify(
	ctx context.Context,
	eventType string,
	wr *repository.WorkRequest,
	actor string,
	recipients []string,
	actionable bool,
	payload map[string]interface{},
) {
	if len(recipients) == 0 {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["title"] = wr.Title
	payload["priority"] = string(wr.Priority)
	payload["status"] = string(wr.Status)

	s.notifier.Dispatch(ctx, client.Notification{
		EventType:      eventType,
		WorkRequestID:  wr.ID,
		OrganizationID: wr.OrganizationID,
		ActorID:        actor,
		Recipients:     recipients,
		Actionable:     actionable,
		Payload:        payload,
	})
}

func stageApprovers(entries []*repository.ApprovalEntry, stage int) []string {
	var ids []string
	for _, e := range entries {
		if e.SequenceOrder == stage {
			ids = append(ids, e.ApproverID)
		}
	}
	return ids
}

// outcomeOf labels a decision result for metrics.
func outcomeOf(err error) string {
	switch errors.CodeOf(err) {
	case "":
		return "ok"
	case errors.ErrCodeNoPendingApproval:
		return "no_pending"
	case errors.ErrCodeConflict:
		return "conflict"
	case errors.ErrCodeValidation:
		return "invalid"
	}
	return "error"
}
