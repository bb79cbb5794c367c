package commands

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
)

// app carries what PersistentPreRunE loaded for the subcommands.
type app struct {
	configPath       string
	logLevelOverride string

	cfg *config.Config
	log *logger.Logger
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "approvals",
		Short:         "Approval workflow engine for airport operations work requests",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			level := cfg.Logger.Level
			if a.logLevelOverride != "" {
				level = a.logLevelOverride
			}
			a.cfg = cfg
			a.log = logger.New(logger.Config{
				Level:       level,
				Environment: cfg.Service.Environment,
				ServiceName: cfg.Service.Name,
				Version:     cfg.Service.Version,
			})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the config file (default: ./config.yaml or ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		newServeCmd(a),
		newEscalateCmd(a),
		newRulesCmd(a),
	)

	return cmd
}
