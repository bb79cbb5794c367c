package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// directoryConcurrency bounds parallel approver lookups for one chain.
const directoryConcurrency = 8

// ChainPlan is an approval chain computed from matched rules but not yet
// persisted.
type ChainPlan struct {
	Entries           []*repository.ApprovalEntry
	Level             repository.ApprovalLevel
	Deadline          time.Time
	CurrentApproverID string
}

// ChainBuilder turns matched rules into approval entries.
type ChainBuilder struct {
	directory      client.ApproverDirectory
	defaultTimeout time.Duration
	now            func() time.Time
	log            *logger.Logger
}

// NewChainBuilder creates a new ChainBuilder. defaultTimeout applies to
// steps that do not set their own timeout.
func NewChainBuilder(directory client.ApproverDirectory, defaultTimeout time.Duration, now func() time.Time, log *logger.Logger) *ChainBuilder {
	if now == nil {
		now = time.Now
	}
	return &ChainBuilder{
		directory:      directory,
		defaultTimeout: defaultTimeout,
		now:            now,
		log:            log.Named("chain-builder"),
	}
}

// Plan lays out the chain for wr. Rules contribute their steps in order;
// every step that places at least one approver opens a new stage. An
// approver named by several steps keeps the earliest stage with the highest
// level of the steps naming them. All approvers are resolved before Plan
// returns, so a directory failure leaves nothing half built.
func (b *ChainBuilder) Plan(ctx context.Context, wr *repository.WorkRequest, matched []*repository.ApprovalRule) (*ChainPlan, error) {
	approvers, err := b.resolveAll(ctx, matched)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	plan := &ChainPlan{}
	placed := make(map[string]*repository.ApprovalEntry)
	var maxTimeout time.Duration
	stage := 1

	for _, rule := range matched {
		for _, step := range orderedSteps(rule.Steps) {
			timeout := b.stepTimeout(step)
			if timeout > maxTimeout {
				maxTimeout = timeout
			}

			produced := false
			for _, approverID := range step.Approvers {
				if existing, ok := placed[approverID]; ok {
					if step.Level > existing.ApprovalLevel {
						existing.ApprovalLevel = step.Level
					}
					continue
				}

				a := approvers[approverID]
				timeoutDate := now.Add(timeout)
				entry := &repository.ApprovalEntry{
					WorkRequestID:  wr.ID,
					OrganizationID: wr.OrganizationID,
					ApproverID:     approverID,
					ApproverName:   a.Name,
					ApproverRole:   a.Role,
					ApprovalLevel:  step.Level,
					SequenceOrder:  stage,
					Status:         repository.EntryPending,
					IsRequired:     true,
					CanDelegate:    step.CanDelegate,
					RuleID:         rule.ID,
					TimeoutDate:    &timeoutDate,
					CreatedAt:      now,
					UpdatedAt:      now,
				}
				placed[approverID] = entry
				plan.Entries = append(plan.Entries, entry)
				produced = true
			}
			if produced {
				stage++
			}
		}
	}

	for _, e := range plan.Entries {
		if e.ApprovalLevel > plan.Level {
			plan.Level = e.ApprovalLevel
		}
	}
	if len(plan.Entries) > 0 {
		plan.CurrentApproverID = plan.Entries[0].ApproverID
	}
	plan.Deadline = now.Add(maxTimeout)
	return plan, nil
}

// Persist writes the planned entries and the request's workflow fields in
// tx. The request must still be at expectedVersion and have no entries.
func (b *ChainBuilder) Persist(ctx context.Context, tx repository.WorkflowTx, wr *repository.WorkRequest, plan *ChainPlan, expectedVersion int64) error {
	existing, err := tx.ListEntries(ctx, wr.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errors.Conflict(fmt.Sprintf("approval chain already exists for work request %s", wr.ID))
	}
	if len(plan.Entries) == 0 {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("empty approval chain for work request %s", wr.ID))
	}

	for _, e := range plan.Entries {
		if err := tx.CreateEntry(ctx, e); err != nil {
			return err
		}
	}

	level := plan.Level
	deadline := plan.Deadline
	current := plan.CurrentApproverID
	wr.Status = repository.StatusUnderReview
	wr.ApprovalRequired = true
	wr.ApprovalLevel = &level
	wr.ApprovalDeadline = &deadline
	wr.CurrentApproverID = &current
	wr.StatusReason = nil
	return tx.UpdateWorkRequest(ctx, wr, expectedVersion)
}

func (b *ChainBuilder) stepTimeout(step repository.ApprovalStep) time.Duration {
	if step.TimeoutHours != nil && *step.TimeoutHours > 0 {
		return time.Duration(*step.TimeoutHours) * time.Hour
	}
	return b.defaultTimeout
}

// resolveAll looks up every distinct approver named by the matched rules.
func (b *ChainBuilder) resolveAll(ctx context.Context, matched []*repository.ApprovalRule) (map[string]*client.Approver, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, rule := range matched {
		for _, step := range rule.Steps {
			for _, id := range step.Approvers {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	results := make([]*client.Approver, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(directoryConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			a, err := b.directory.Resolve(gctx, id)
			if err != nil {
				b.log.Warn().Err(err).Str("approver_id", id).Msg("Approver lookup failed")
				return errors.DirectoryLookup(id, err)
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*client.Approver, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out, nil
}

// orderedSteps returns the steps sorted by Order, keeping declaration order
// for equal values.
func orderedSteps(steps []repository.ApprovalStep) []repository.ApprovalStep {
	out := append([]repository.ApprovalStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
