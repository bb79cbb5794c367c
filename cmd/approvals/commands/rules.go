package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/rules"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage approval rules",
	}

	cmd.AddCommand(
		newRulesValidateCmd(a),
		newRulesSyncCmd(a),
	)

	return cmd
}

func newRulesValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a rules file (default: workflow.rules_file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rulesPath(a, args)
			loaded, err := rules.LoadFile(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range loaded {
				fmt.Fprintf(out, "%-28s priority=%-3d active=%-5t conditions=%d steps=%d\n",
					r.ID, r.Priority, r.IsActive, len(r.Conditions), len(r.Steps))
			}
			fmt.Fprintf(out, "%s: %d rules OK\n", path, len(loaded))
			return nil
		},
	}
}

func newRulesSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [file]",
		Short: "Upsert the rules of a file into the approval_rules table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("rules sync requires the postgres storage driver")
			}
			loaded, err := rules.LoadFile(rulesPath(a, args))
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewApprovalRulesRepository(db)
			for _, r := range loaded {
				if err := repo.Upsert(cmd.Context(), r); err != nil {
					return fmt.Errorf("rule %s: %w", r.ID, err)
				}
				a.log.Info().Str("rule_id", r.ID).Msg("Rule synced")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules synced\n", len(loaded))
			return nil
		},
	}
}

func rulesPath(a *app, args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return a.cfg.Workflow.RulesFile
}
