package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect ingestion jobs",
	Long: `List all ingestion jobs or inspect a specific job by ID.

Examples:
  tripflow jobs           # List all jobs
  tripflow jobs run-42    # Show details for job run-42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := apiClient.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-38s %-10s %-14s %s\n", "ID", "STATUS", "INSERTED", "SUBMITTED")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, job := range jobs {
		inserted := fmt.Sprintf("%d", job.InsertedCount)
		if job.ExpectedCount != nil {
			inserted = fmt.Sprintf("%d/%d", job.InsertedCount, *job.ExpectedCount)
		}
		fmt.Printf("%-38s %-10s %-14s %s\n",
			job.JobID, job.Status, inserted, job.SubmittedAt.Local().Format("15:04:05"))
	}

	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.JobID)
	fmt.Printf("  Source: %s\n", job.SourceRef)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.ExpectedCount != nil {
		fmt.Printf("  Inserted: %d/%d\n", job.InsertedCount, *job.ExpectedCount)
	} else {
		fmt.Printf("  Inserted: %d\n", job.InsertedCount)
	}
	fmt.Printf("  Submitted: %s\n", job.SubmittedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", job.FinishedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	if job.LastMessage != "" {
		fmt.Printf("  Message: %s\n", job.LastMessage)
	}

	return nil
}
