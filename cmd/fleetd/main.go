package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pvik/fleetd/internal/service"
)

var confFile string

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Deployment engine for tenant instances",
	Long: `fleetd deploys single-tenant application stacks onto local or
remote hosts, step by step, and rolls them out in batches.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize config file
		// Setup Logging
		return service.InitService(confFile)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&confFile, "conf", os.Getenv("FLEETD_CONF"), "path to config.toml")
}

func main() {
	defer service.Shutdown()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
