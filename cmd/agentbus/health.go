package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/config"
	"github.com/vinayprograms/agentbus/system"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the demo pipeline once and print system health",
	Long: `Start the bus with the demo analytics agents, run the analytics
pipeline once, print the pipeline reply and a health report as JSON, then
shut down. Logs go to stderr.

Examples:
  agentbus health
  agentbus health --mode fallback | jq '.health'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return health(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second,
		"bound on the pipeline run")
	rootCmd.AddCommand(healthCmd)
}

type healthOutput struct {
	Pipeline map[string]any `json:"pipeline"`
	system.Report
}

func health(ctx context.Context, stdout, stderr io.Writer, cfg config.Config) error {
	sys, err := system.New(ctx, cfg, system.WithOutput(stderr), system.WithVersion(version))
	if err != nil {
		return err
	}
	defer sys.Stop(context.Background())

	if err := sys.InstallDemo(ctx); err != nil {
		return err
	}
	summary, err := sys.Start(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return summary.Err()
	}

	runCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	reply, err := sys.RunPipeline(runCtx, system.DemoWorkflow, nil)
	if err != nil {
		return fmt.Errorf("demo pipeline: %w", err)
	}

	out := healthOutput{Pipeline: reply.ToMap(), Report: sys.Report()}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if reply.SignalsFailure() {
		return fmt.Errorf("demo pipeline failed: %s", reply.FailureReason())
	}
	return nil
}
