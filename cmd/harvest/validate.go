package main

import (
	"fmt"

	"github.com/jcliff/orrery-sub001/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a job file",
	Long: `Validate a job file without fetching anything.

The YAML is parsed, environment variables are expanded and every field is
validated.

Exit codes:
  0 - Job is valid
  1 - Job is invalid (error details printed to stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to job file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	job, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %q is valid\n", job.Name)
	fmt.Fprintf(out, "  Merge:     %s\n", job.Merge)
	fmt.Fprintf(out, "  Max age:   %s\n", job.MaxAge.Duration())
	fmt.Fprintf(out, "  Output:    %s (%s)\n", outputName(job.Output.Path), job.Output.Format)
	fmt.Fprintf(out, "  Endpoints: %d\n", len(job.Endpoints))
	for _, ep := range job.Endpoints {
		optional := ""
		if ep.Optional {
			optional = " (optional)"
		}
		fmt.Fprintf(out, "    - %s [%s] %s%s\n", ep.ID, ep.Type, ep.URL, optional)
	}
	return nil
}

func outputName(path string) string {
	if path == "" || path == "-" {
		return "stdout"
	}
	return path
}
