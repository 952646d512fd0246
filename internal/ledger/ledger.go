// Package ledger is the single source of truth for ingestion job state.
//
// All mutations for one job are serialized through a per-job lock; mutations
// to different jobs are independent. Reads never block on writers: each job
// keeps its latest committed record behind an atomic pointer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/tripflow/internal/models"
)

// Sentinel errors for ledger contract violations. These indicate programmer
// error in normal operation; check with errors.Is.
var (
	// ErrAlreadyExists indicates a job_id was reused on Create.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a status edge outside
	// queued->running->{completed,failed}, or a mutation of a terminal job.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists job records. The ledger performs the durable write before
// updating its in-memory view, so the store is always at least as current
// as what readers observe.
type Store interface {
	InsertJob(ctx context.Context, job models.IngestionJob) error
	UpdateJob(ctx context.Context, job models.IngestionJob) error
	GetJob(ctx context.Context, jobID string) (models.IngestionJob, error)
	ListJobs(ctx context.Context) ([]models.IngestionJob, error)
}

// entry holds one job's serialization lock and its latest committed record.
type entry struct {
	mu  sync.Mutex // serializes mutations for this job only
	cur atomic.Pointer[models.IngestionJob]
}

// Ledger owns all persisted ingestion job state.
type Ledger struct {
	store Store

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		entries: make(map[string]*entry),
	}
}

// Create registers a new job in the queued state. Reusing a job_id fails
// with ErrAlreadyExists.
func (l *Ledger) Create(ctx context.Context, jobID, sourceRef string) (models.IngestionJob, error) {
	job := models.IngestionJob{
		JobID:       jobID,
		SourceRef:   sourceRef,
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	if _, ok := l.entries[jobID]; ok {
		l.mu.Unlock()
		return models.IngestionJob{}, fmt.Errorf("%w: %s", ErrAlreadyExists, jobID)
	}
	e := &entry{}
	l.entries[jobID] = e
	e.mu.Lock() // hold the job lock until the insert commits
	l.mu.Unlock()
	defer e.mu.Unlock()

	if err := l.store.InsertJob(ctx, job); err != nil {
		l.mu.Lock()
		delete(l.entries, jobID)
		l.mu.Unlock()
		if errors.Is(err, ErrAlreadyExists) {
			return models.IngestionJob{}, fmt.Errorf("%w: %s", ErrAlreadyExists, jobID)
		}
		return models.IngestionJob{}, fmt.Errorf("persist job: %w", err)
	}

	e.cur.Store(&job)
	slog.Info("job created", "job_id", jobID, "source_ref", sourceRef)
	return job, nil
}

// Transition moves a job along one of the allowed edges. started_at is
// stamped exactly once at queued->running; finished_at exactly once at the
// transition into a terminal state. Terminal jobs are immutable.
func (l *Ledger) Transition(ctx context.Context, jobID string, to models.JobStatus, message string) (models.IngestionJob, error) {
	return l.mutate(ctx, jobID, func(job *models.IngestionJob) error {
		if !models.ValidTransition(job.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
		}
		now := time.Now().UTC()
		job.Status = to
		if to == models.JobStatusRunning {
			job.StartedAt = &now
		}
		if to.Terminal() {
			job.FinishedAt = &now
		}
		if message != "" {
			job.LastMessage = message
		}
		return nil
	})
}

// Advance adds delta to the job's inserted count. The ledger does not
// deduplicate: a crashed-and-resumed caller replaying Advance can
// overcount, which is a documented limitation of at-least-once delivery.
func (l *Ledger) Advance(ctx context.Context, jobID string, delta int64, message string) (models.IngestionJob, error) {
	if delta < 0 {
		return models.IngestionJob{}, fmt.Errorf("negative advance delta %d for job %s", delta, jobID)
	}
	return l.mutate(ctx, jobID, func(job *models.IngestionJob) error {
		if job.Status != models.JobStatusRunning {
			return fmt.Errorf("%w: advance on %s job", ErrInvalidTransition, job.Status)
		}
		job.InsertedCount += delta
		if message != "" {
			job.LastMessage = message
		}
		return nil
	})
}

// SetExpected records the expected row count once the source has been
// sized. Unknown sizes simply never call this.
func (l *Ledger) SetExpected(ctx context.Context, jobID string, expected int64) (models.IngestionJob, error) {
	return l.mutate(ctx, jobID, func(job *models.IngestionJob) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
		}
		job.ExpectedCount = &expected
		return nil
	})
}

// Read returns the latest committed record for the job. It never blocks on
// a concurrent writer.
func (l *Ledger) Read(ctx context.Context, jobID string) (models.IngestionJob, error) {
	e, err := l.lookup(ctx, jobID)
	if err != nil {
		return models.IngestionJob{}, err
	}
	if cur := e.cur.Load(); cur != nil {
		return *cur, nil
	}
	// Entry exists but the insert has not committed yet; read through.
	return l.store.GetJob(ctx, jobID)
}

// List returns all known jobs, most recently submitted first.
func (l *Ledger) List(ctx context.Context) ([]models.IngestionJob, error) {
	jobs, err := l.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// mutate applies fn to the job's record under its serialization lock,
// persists the result, then publishes it to readers.
func (l *Ledger) mutate(ctx context.Context, jobID string, fn func(*models.IngestionJob) error) (models.IngestionJob, error) {
	e, err := l.lookup(ctx, jobID)
	if err != nil {
		return models.IngestionJob{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	if cur == nil {
		loaded, err := l.store.GetJob(ctx, jobID)
		if err != nil {
			return models.IngestionJob{}, err
		}
		cur = &loaded
	}

	next := *cur
	if err := fn(&next); err != nil {
		return models.IngestionJob{}, err
	}

	if err := l.store.UpdateJob(ctx, next); err != nil {
		return models.IngestionJob{}, fmt.Errorf("persist job update: %w", err)
	}
	e.cur.Store(&next)
	return next, nil
}

// lookup finds the job's entry, faulting it in from the store when this
// process has not seen the job yet (e.g. after a restart).
func (l *Ledger) lookup(ctx context.Context, jobID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[jobID]
	l.mu.RUnlock()
	if ok {
		return e, nil
	}

	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[jobID]; ok {
		return e, nil
	}
	e = &entry{}
	e.cur.Store(&job)
	l.entries[jobID] = e
	return e, nil
}
