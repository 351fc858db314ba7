package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	redisURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "droverctl",
	Short: "Operator tool for the worker orchestration bus",
	Long: `droverctl talks directly to the worker bus: tail lifecycle events
and push tasks onto a worker's input stream.

It is a debugging surface over the streams only; all real control flows
through the worker:commands stream.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
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
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "redis://localhost:6379/0", "Broker URL")
}
