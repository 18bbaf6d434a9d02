package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/approval"
	"github.com/wesleyorama2/approveload/internal/config"
	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
	"github.com/wesleyorama2/approveload/internal/loadtest/output"
)

// ErrThresholdsFailed is returned when the run completed but did not pass.
var ErrThresholdsFailed = errors.New("thresholds failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the approval load test",
		Long: `Run the approval load test against BASE_URL.

Schedule:
  10s        ramp to min(20, VUS)
  20s        ramp to VUS
  DURATION   hold VUS
  10s        ramp to 0

Each virtual user posts one approval request per iteration with a 5s
timeout and pauses 100ms between iterations.

Examples:
  BASE_URL=http://localhost:8080 VUS=10 DURATION=30s approveload run
  approveload run --base-url http://localhost:8080 --summary-export result.json`,
		RunE: runLoadTest,
	}

	flags := cmd.Flags()
	flags.String("base-url", "", "target base URL (overrides BASE_URL)")
	flags.Int("vus", 0, "peak virtual users (overrides VUS)")
	flags.Duration("duration", 0, "sustain stage duration (overrides DURATION)")
	flags.BoolP("quiet", "q", false, "print only the verdict")
	flags.String("summary-export", "", "write the run result to a .json, .yaml or .html file")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFlags(cmd.Flags())
	if err != nil {
		return err
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	exportPath, _ := cmd.Flags().GetString("summary-export")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if exportPath != "" {
		if _, err := output.FormatForPath(exportPath); err != nil {
			return err
		}
	}

	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	scenario, err := approval.NewScenario(cfg.BaseURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registerer prometheus.Registerer
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		registerer = reg

		_, shutdown, err := serveMetrics(metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	eng, err := engine.New(engine.Options{
		Name:        "approve-load",
		Description: fmt.Sprintf("POST %s%s", cfg.BaseURL, approval.Path),
		Scenario:    scenario,
		Executor:    cfg.ExecutorConfig(),
		HTTP:        cfg.HTTPClientConfig(),
		Thresholds:  cfg.Thresholds(),
		Registerer:  registerer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:       eng.Name(),
		ExecutorType:   string(executor.TypeRampingVUs),
		TotalDuration:  eng.TotalDuration(),
		UpdateInterval: time.Second,
		Writer:         cmd.OutOrStdout(),
		Quiet:          quiet,
	})

	result, runErr := runWithConsole(ctx, eng, console)

	console.PrintSummary(result)

	if exportPath != "" && result != nil {
		if err := output.ExportSummary(result, exportPath); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Summary: %s\n", exportPath)
		}
	}

	// An interrupted run returns an error wrapping engine.ErrAborted.
	if runErr != nil {
		return runErr
	}
	if !result.Passed {
		return ErrThresholdsFailed
	}
	return nil
}

// runWithConsole runs eng while the console follows its progress.
func runWithConsole(ctx context.Context, eng *engine.Engine, console *output.ConsoleOutput) (*engine.TestResult, error) {
	console.PrintHeader()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.Watch(watchCtx, eng)
	}()

	result, err := eng.Run(ctx)

	cancelWatch()
	wg.Wait()
	return result, err
}

// serveMetrics exposes reg on addr. It returns the bound address and a
// function that stops the server.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
