package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/deployer"
	"github.com/Bidon15/popdeploy/internal/metrics"
	"github.com/Bidon15/popdeploy/internal/report"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy every contract in the plan",
	Long: `Deploy the plan's contracts in order. Each step waits for its receipt
before the next step starts. The run stops at the first failure; contracts
deployed before it stay deployed and are listed in the summary.

Re-running a plan deploys every step again with fresh nonces.

Examples:
  popdeploy deploy -c deploy.yaml
  popdeploy deploy -c deploy.yaml --report out/report.json --metrics-file /var/lib/node_exporter/popdeploy.prom
  POPDEPLOY_NETWORK_PRIVATE_KEY=0x... popdeploy deploy -c deploy.yaml`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().String("report", "", "write the run report as JSON to this path")
	deployCmd.Flags().String("metrics-file", "", "write Prometheus textfile metrics to this path")
	rootCmd.AddCommand(deployCmd)
}

type chainConn interface {
	deployer.Chain
	Close()
}

// dialChain is replaced in tests.
var dialChain = func(ctx context.Context, rpcURL string, cfg deployer.ChainClientConfig) (chainConn, error) {
	client, err := deployer.Dial(ctx, rpcURL, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg.Log, logFile, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logCloser.Close()

	out := cmd.OutOrStdout()
	recorder := metrics.NewRecorder(fmt.Sprint(cfg.Network.ChainID))
	flushMetrics := func() {
		if cfg.Output.MetricsPath == "" {
			return
		}
		if err := recorder.WriteTextfile(cfg.Output.MetricsPath); err != nil {
			logger.Warn("failed to write metrics", slog.String("error", err.Error()))
		}
	}
	abort := func(err error) error {
		recorder.RecordError(err, time.Now())
		flushMetrics()
		return err
	}

	plan, err := cfg.ToPlan(nil)
	if err != nil {
		return abort(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := dialChain(ctx, plan.Network.RPCURL, deployer.ChainClientConfig{
		ReceiptTimeout: plan.Network.ReceiptTimeout,
		PollInterval:   plan.Network.PollInterval,
		Logger:         logger,
	})
	if err != nil {
		return abort(err)
	}
	defer chain.Close()

	progress := deployer.ObserverFunc(func(step string, stage deployer.Stage) {
		logger.Debug("stage transition", slog.String("step", step), slog.String("stage", stage.String()))
	})
	orch, err := deployer.NewOrchestrator(plan.Network, plan.Steps, chain, deployer.OrchestratorConfig{
		Logger:   logger,
		Observer: deployer.Observers{recorder, progress},
	})
	if err != nil {
		return abort(err)
	}

	started := time.Now()
	rep, runErr := orch.Run(ctx)
	finished := time.Now()

	var stepErr *deployer.StepError
	if runErr != nil && !errors.As(runErr, &stepErr) {
		// Failed before the first step.
		return abort(runErr)
	}

	doc := report.Build(rep, plan.Steps, started, finished)
	if err := report.PrintTable(out, doc); err != nil {
		return err
	}
	if cfg.Output.ReportPath != "" {
		if err := report.Write(cfg.Output.ReportPath, doc, logger); err != nil {
			logger.Error("failed to write report", slog.String("error", err.Error()))
		}
	}
	recorder.RecordReport(rep, finished)
	flushMetrics()

	printSummary(out, doc, len(plan.Steps), finished.Sub(started))
	return runErr
}

func printSummary(w io.Writer, doc *report.Document, total int, elapsed time.Duration) {
	elapsed = elapsed.Round(time.Millisecond)
	if doc.Failure == nil {
		fmt.Fprintln(w, pterm.Success.Sprintf("deployed %d contracts on chain %s in %s", len(doc.Contracts), doc.ChainID, elapsed))
		return
	}
	fmt.Fprintln(w, pterm.Warning.Sprintf("deployed %d of %d contracts on chain %s before %q failed",
		len(doc.Contracts), total, doc.ChainID, doc.Failure.Step))
}
