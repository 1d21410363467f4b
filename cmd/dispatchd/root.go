package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Shared persistent flags, set by newRootCmd and read by every subcommand.
var (
	configPath string
	dataDir    string
	httpAddr   string
	jwtSecret  string
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".dispatchd", "config.yaml")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Dispatch Daemon - agent orchestration for a local task platform",
		Long: `dispatchd runs the poll-cycle scheduler that assigns tasks to agent
sessions, recovers orphaned assignments, reconciles closed-but-unmerged
work, and auto-completes plans once every child task is done.

Run 'dispatchd serve' to start it, or 'dispatchd poll <type>' to trigger
a single poll on demand.`,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config.yaml")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory from config.yaml")
	root.PersistentFlags().StringVar(&httpAddr, "http-addr", ":8090", "address the control-surface HTTP server listens on")
	root.PersistentFlags().StringVar(&jwtSecret, "jwt-secret", "", "bearer token signing secret (empty disables HTTP auth)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPollCmd())
	root.AddCommand(newDoctorCmd())

	return root
}
