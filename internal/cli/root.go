package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion injects the build-time version string.
func SetVersion(v string) {
	version = v
}

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "forgeline",
	Short: "forgeline — a pipeline orchestrator for generated services",
	Long: `forgeline drives a requirements document through planning, contract
registration, a parallel builder fleet, a layered quality gate, and bounded
fix passes until the output converges or a stop criterion fires.

Run state is stored under ~/.forgeline/runs as atomically written JSON
snapshots, so an interrupted run can always be resumed.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to pipeline config YAML")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose console logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}
