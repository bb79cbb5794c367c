package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// EscalationReport summarizes one escalation sweep.
type EscalationReport struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// EscalateExpired reassigns pending entries whose timeout has passed to the
// escalation approver configured for their level. It processes at most one
// batch and is meant to be called by an external scheduler.
func (s *ApprovalWorkflowService) EscalateExpired(ctx context.Context) (*EscalationReport, error) {
	expired, err := s.queries.ListExpiredPending(ctx, s.cfg.EscalationBatchSize)
	if err != nil {
		return nil, err
	}

	report := &EscalationReport{Scanned: len(expired)}
	targets := make(map[string]*client.Approver)

	for _, entry := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		level := strings.ToLower(entry.ApprovalLevel.String())
		targetID, ok := s.cfg.EscalationTargets[level]
		if !ok || targetID == "" {
			report.Skipped++
			s.log.Warn().
				Str("entry_id", entry.ID).
				Str("approval_level", level).
				Msg("No escalation approver configured for level")
			continue
		}

		target, ok := targets[targetID]
		if !ok {
			target, err = s.directory.Resolve(ctx, targetID)
			if err != nil {
				report.Failed++
				s.log.Error().Err(errors.DirectoryLookup(targetID, err)).
					Str("entry_id", entry.ID).
					Msg("Failed to resolve escalation approver")
				continue
			}
			targets[targetID] = target
		}

		res, skip, err := s.processor.Escalate(ctx, entry, target)
		if err != nil {
			report.Failed++
			s.log.Error().Err(err).
				Str("entry_id", entry.ID).
				Str("work_request_id", entry.WorkRequestID).
				Msg("Failed to escalate approval entry")
			continue
		}
		if skip != "" {
			report.Skipped++
			s.log.Info().
				Str("entry_id", entry.ID).
				Str("work_request_id", entry.WorkRequestID).
				Str("reason", skip).
				Msg("Escalation skipped")
			continue
		}

		report.Escalated++
		s.metrics.Escalations.Inc()
		s.record(res.WorkRequest, res.Entry, "escalated", SystemActor, res.StatusBefore, res.WorkRequestStatus, map[string]interface{}{
			"escalated_from": res.PreviousApproverID,
			"escalated_to":   target.ID,
			"sequence_order": res.Entry.SequenceOrder,
		})
		s.notify(ctx, client.EventEscalated, res.WorkRequest, SystemActor,
			[]string{target.ID, res.PreviousApproverID}, true, map[string]interface{}{
				"escalated_from": res.PreviousApproverID,
			})
	}

	s.log.Info().
		Int("scanned", report.Scanned).
		Int("escalated", report.Escalated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Escalation sweep finished")
	return report, nil
}
