package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/raphaelgruber/tripflow/internal/ledger"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// JobStore persists ingestion job records in the ingestion_jobs table. It
// implements ledger.Store.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a job store over the pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) InsertJob(ctx context.Context, job models.IngestionJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_jobs
			(job_id, source_ref, status, inserted_count, expected_count,
			 submitted_at, started_at, finished_at, last_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.JobID, job.SourceRef, job.Status, job.InsertedCount, job.ExpectedCount,
		job.SubmittedAt, job.StartedAt, job.FinishedAt, job.LastMessage,
	)
	if err != nil {
		if terr := translateErr(err); errors.Is(terr, ledger.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, job.JobID)
		}
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job models.IngestionJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs SET
			status = $2,
			inserted_count = $3,
			expected_count = $4,
			started_at = $5,
			finished_at = $6,
			last_message = $7
		WHERE job_id = $1`,
		job.JobID, job.Status, job.InsertedCount, job.ExpectedCount,
		job.StartedAt, job.FinishedAt, job.LastMessage,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, job.JobID)
	}
	return nil
}

const jobColumns = `job_id, source_ref, status, inserted_count, expected_count,
	submitted_at, started_at, finished_at, last_message`

func (s *JobStore) GetJob(ctx context.Context, jobID string) (models.IngestionJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE job_id = $1`, jobID)

	var job models.IngestionJob
	err := row.Scan(&job.JobID, &job.SourceRef, &job.Status, &job.InsertedCount,
		&job.ExpectedCount, &job.SubmittedAt, &job.StartedAt, &job.FinishedAt, &job.LastMessage)
	if err != nil {
		if terr := translateErr(err); errors.Is(terr, ledger.ErrNotFound) {
			return models.IngestionJob{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, jobID)
		}
		return models.IngestionJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *JobStore) ListJobs(ctx context.Context) ([]models.IngestionJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.IngestionJob
	for rows.Next() {
		var job models.IngestionJob
		if err := rows.Scan(&job.JobID, &job.SourceRef, &job.Status, &job.InsertedCount,
			&job.ExpectedCount, &job.SubmittedAt, &job.StartedAt, &job.FinishedAt, &job.LastMessage); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
