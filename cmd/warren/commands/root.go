package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// configPath is shared by every command that talks to the store
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - Hierarchical context engine for task orchestration",
	Long: `Warren manages a four-level tree of context nodes (global, project,
branch, task) backed by Redis. Lower levels inherit the data of their
ancestors and can override individual keys; agents read the merged view
and push discoveries back up the tree through delegation requests.

All commands read warren.yml (or the file named by --config) for the
tenant name and Redis connection.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	// e.g., "warren --ref task:t1" instead of "warren get --ref task:t1"
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "warren.yml", "Path to the Warren configuration file")
}
