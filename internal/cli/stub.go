package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/stub"
)

func newStubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a local approval endpoint",
		Long: `Serve POST /approve locally so the load test can run without the real
service. Responses follow a weighted status mix.

Examples:
  approveload stub --addr :8080
  approveload stub --statuses 200:85,500:15 --latency 20ms`,
		RunE: runStub,
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("statuses", "200", "weighted status mix, e.g. 200:85,500:15")
	flags.Duration("latency", 0, "delay before every response")
	return cmd
}

func runStub(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	statuses, _ := cmd.Flags().GetString("statuses")
	latency, _ := cmd.Flags().GetDuration("latency")

	mix, err := stub.ParseMix(statuses)
	if err != nil {
		return err
	}

	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv, err := stub.New(stub.Config{Statuses: mix, Latency: latency, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stub", zap.String("statuses", mix.String()), zap.Duration("latency", latency))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return err
	}

	stats := srv.Stats()
	logger.Info("stub stopped",
		zap.Int64("received", stats.Received),
		zap.Int64("unique", stats.Unique),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("invalid", stats.Invalid))
	return nil
}
