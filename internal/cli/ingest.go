package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/raphaelgruber/tripflow/internal/models"
	"github.com/spf13/cobra"
)

var (
	ingestJobID string
	ingestRef   bool
	noWatch     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-ref>",
	Short: "Submit a CSV ingestion job",
	Long: `Submit a CSV trip file for ingestion.

By default the argument is a local file that is uploaded to the server.
With --ref it is passed through as a server-side source ref instead: a
path under the server's source root, or an s3://bucket/key object.

Examples:
  tripflow ingest trips.csv                   # upload a local file
  tripflow ingest --ref s3://data/trips.csv   # server fetches from S3
  tripflow ingest --job-id run-42 trips.csv   # pick the job id yourself`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestJobID, "job-id", "", "explicit job id (default: server-generated)")
	ingestCmd.Flags().BoolVar(&ingestRef, "ref", false, "treat the argument as a server-side source ref")
	ingestCmd.Flags().BoolVar(&noWatch, "no-watch", false, "submit and exit without watching progress")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var job *models.IngestionJob
	var err error
	if ingestRef {
		job, err = apiClient.Ingest(ctx, ingestJobID, args[0])
	} else {
		if _, statErr := os.Stat(args[0]); statErr != nil {
			return fmt.Errorf("local file %s: %w (use --ref for server-side refs)", args[0], statErr)
		}
		job, err = apiClient.Upload(ctx, ingestJobID, args[0])
	}
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	fmt.Printf("Job %s submitted (%s)\n", job.JobID, job.SourceRef)

	if noWatch {
		fmt.Printf("Use 'tripflow jobs %s' to check status.\n", job.JobID)
		return nil
	}
	return RunJobProgress(apiClient, job)
}
