package main

import (
	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/config"
)

var (
	version = "dev"
	cfgFile string
	logLvl  string
	mode    string
)

var rootCmd = &cobra.Command{
	Use:           "agentbus",
	Short:         "In-process agent message bus",
	Long:          `agentbus delivers prioritized messages between in-process agents, drives multi-step pipelines by correlation id and tracks agent liveness with heartbeats.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (.toml, .yaml or .yml; default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLvl, "log-level", "",
		"override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "",
		"override agent.mode for the demo analyzer (normal, fallback, minimal)")
}

// loadConfig reads --config over the defaults and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLvl
	}
	if cmd.Flags().Changed("mode") {
		cfg.Agent.Mode = mode
	}
	return cfg, cfg.Validate()
}
