package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/raphaelgruber/tripflow/internal/models"
)

// MemoryStore is an in-memory Store implementation. It backs tests and the
// server's --no-db development mode; production uses the Postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.IngestionJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.IngestionJob)}
}

func (s *MemoryStore) InsertJob(_ context.Context, job models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.JobID)
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, job.JobID)
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.IngestionJob{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context) ([]models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.IngestionJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, func(a, b models.IngestionJob) int {
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})
	return jobs, nil
}
