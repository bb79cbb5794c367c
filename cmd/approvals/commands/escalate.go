package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newEscalateCmd(a *app) *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Reassign expired pending approvals to their escalation approvers",
		Long: `Scans pending approvals whose timeout has passed and reassigns each one to
the escalation approver configured for its level (workflow.escalation_targets).
Runs a single sweep with --once, otherwise sweeps every --interval until stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = a.cfg.Workflow.EscalationInterval
			}
			return runEscalate(cmd.Context(), a, once, interval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one sweep and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Sweep interval (default: workflow.escalation_interval)")
	return cmd
}

func runEscalate(parent context.Context, a *app, once bool, interval time.Duration) error {
	log := a.log.Named("escalation")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer eng.Close()

	if len(a.cfg.Workflow.EscalationTargets) == 0 {
		log.Warn().Msg("No escalation targets configured, expired approvals will be skipped")
	}

	sweep := func() error {
		report, err := eng.service.EscalateExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Escalation sweep failed")
			return err
		}
		log.Info().
			Int("scanned", report.Scanned).
			Int("escalated", report.Escalated).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Msg("Escalation sweep finished")
		return nil
	}

	if once {
		return sweep()
	}

	log.Info().Dur("interval", interval).Msg("Escalation loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Escalation loop stopped")
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
