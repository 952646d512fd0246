package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Watch a running job's progress",
	Long: `Attach to a job's live progress stream. Watching a finished job
prints its final state and exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	job, err := apiClient.Status(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if job.Status.Terminal() {
		return showJob(context.Background(), job.JobID)
	}
	return RunJobProgress(apiClient, job)
}
