package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/logging"
)

var version = "0.1.0"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "approveload",
		Short:   "Load test for the approval endpoint",
		Version: version,
		Long: `approveload drives POST /approve with a ramping number of virtual users,
checks every response for status 200 or 500, and fails the run when more
than 20% of requests fail.

Target and load are read from BASE_URL, VUS and DURATION.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStubCmd())
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

func loggerFromFlags(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logging.New(logging.Config{Level: level, Format: format, Writer: cmd.ErrOrStderr()})
}
