// Package main is the entry point for the harvest CLI.
//
// Usage:
//
//	harvest run -c job.yaml           # Harvest a job (skips fresh cached sources)
//	harvest run -c job.yaml --force   # Harvest even when the cache is fresh
//	harvest validate -c job.yaml      # Validate a job file
//	harvest version                   # Show version info
//
// Global settings are read from flags or HARVEST_* environment variables:
// HARVEST_LOG_LEVEL, HARVEST_PRETTY, HARVEST_REDIS_URL, HARVEST_METRICS_ADDR
// and HARVEST_TRACE.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest paginated feature APIs into a single dataset",
	Long: `harvest fetches every record of one or more paginated APIs
(feature services paged by resultOffset, SODA-style $offset APIs), retrying
failed batches, fetching in parallel where the total is known, and merging
the endpoints into one GeoJSON or NDJSON output.

Quick start:
  1. Create a job file (job.yaml)
  2. Run: harvest validate -c job.yaml
  3. Run: harvest run -c job.yaml`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := logging.DefaultConfig()
		cfg.Level = logging.LogLevel(viper.GetString("log-level"))
		cfg.Pretty = viper.GetBool("pretty")
		logging.Setup(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "harvest %s (commit %s)\n", version, commit)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable log output")
	flags.String("redis-url", "", "redis URL for the feature cache (in-memory cache when empty)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during a run, e.g. :9090")
	flags.Bool("trace", false, "print OpenTelemetry spans to stderr")

	for _, name := range []string{"log-level", "pretty", "redis-url", "metrics-addr", "trace"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("HARVEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
