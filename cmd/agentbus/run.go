package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentbus/config"
	"github.com/vinayprograms/agentbus/system"
)

var (
	runEvery time.Duration
	runCount int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bus with the demo agents and serve until interrupted",
	Long: `Start the bus, the registry, the pipeline orchestrator, the heartbeat
monitor and the demo analytics agents (collector, analyzer, reporter).
Shutdown runs on SIGINT or SIGTERM, and the final health report is printed
as JSON.

With --every the analytics pipeline is triggered periodically; with
--count the process shuts itself down after that many runs.

Examples:
  agentbus run
  agentbus run --every 2s --count 5
  agentbus run -c agentbus.yaml --mode fallback --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

func init() {
	runCmd.Flags().DurationVar(&runEvery, "every", 0,
		"trigger the analytics pipeline at this interval (0 disables)")
	runCmd.Flags().IntVar(&runCount, "count", 0,
		"shut down after this many pipeline runs (0 runs until interrupted)")
	rootCmd.AddCommand(runCmd)
}

func serve(ctx context.Context, out io.Writer, cfg config.Config) error {
	sys, err := system.New(ctx, cfg, system.WithVersion(version))
	if err != nil {
		return err
	}
	if err := sys.InstallDemo(ctx); err != nil {
		sys.Stop(context.Background())
		return err
	}
	summary, err := sys.Start(ctx)
	if err != nil {
		sys.Stop(context.Background())
		return err
	}
	if summary.Failed > 0 {
		sys.Logger.Warn("some agents failed to start", map[string]interface{}{
			"failed": summary.Failed,
			"error":  summary.Err(),
		})
	}

	coord := sys.Coordinator()
	coord.HandleSignals()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case <-coord.Done():
		case <-gctx.Done():
			// Parent context ended without a signal.
			coord.Trigger()
			<-coord.Done()
		}
		cancel()
		return nil
	})
	if runEvery > 0 {
		g.Go(func() error {
			drive(gctx, sys, runEvery, runCount)
			if runCount > 0 {
				coord.Trigger()
			}
			return nil
		})
	}
	g.Wait()

	report, err := json.MarshalIndent(sys.Report(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(report))
	return coord.Err()
}

// drive triggers the demo pipeline every interval until ctx ends or count
// runs finished.
func drive(ctx context.Context, sys *system.System, every time.Duration, count int) {
	logger := sys.Logger.WithComponent("driver")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for n := 1; count == 0 || n <= count; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, runTimeout(sys.Config))
		reply, err := sys.RunPipeline(runCtx, system.DemoWorkflow, nil)
		cancel()
		if err != nil {
			logger.Warn("run failed", map[string]interface{}{"run": n, "error": err})
			continue
		}
		fields := map[string]interface{}{
			"run":      n,
			"pipeline": reply.CorrelationID(),
		}
		if reply.SignalsFailure() {
			fields["error"] = reply.FailureReason()
			logger.Warn("pipeline failed", fields)
			continue
		}
		fields["report"] = reply.Payload()["report"]
		logger.Info("pipeline completed", fields)
	}
}

// runTimeout bounds one demo run: every step may take its full timeout.
func runTimeout(cfg config.Config) time.Duration {
	step := cfg.Pipeline.StepTimeout.D()
	if step <= 0 {
		step = 30 * time.Second
	}
	return step * time.Duration(len(system.DemoPipeline().Steps)+1)
}
