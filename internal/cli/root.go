// Package cli provides the command-line interface for tripflow.
package cli

import (
	"github.com/raphaelgruber/tripflow/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	// API client, created before every command run.
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tripflow",
	Short: "Trip ingestion pipeline client",
	Long: `Tripflow ingests CSV trip data into a relational store in bounded
chunks, with durable job state and live progress streaming.

This client submits ingestion jobs to a tripflow server, watches their
progress and inspects their final state.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default: TRIPFLOW_SERVER_URL or http://localhost:8488)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
