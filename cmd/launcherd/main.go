// Command launcherd is the host binary that embeds the launcher core
// (pkg/dispatcher) for a single edge node. It provides the CLI, config
// file, and metrics surfaces the core itself deliberately does not
// (spec §6): reading a YAML config, wiring concrete collaborators
// (storage, runner, service manager, status receiver), and running the
// dispatcher until signaled to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/edgelauncher/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "launcherd",
	Short: "edgelauncher service-manager core, embedded in a host binary",
	Long: `launcherd drives the edgelauncher reconciliation core: it reconciles
a declarative goal state of service instances against what is actually
running on this node, reports per-instance status, and applies
environment-variable overrides.

The core itself has no CLI, file format, or wire protocol; launcherd
supplies those as the embedding host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"launcherd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
