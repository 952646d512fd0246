package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/raphaelgruber/tripflow/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore())
}

func TestCreate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, "job-1", "trips.csv")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
	if job.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Error("StartedAt/FinishedAt set on a queued job")
	}

	if _, err := l.Create(ctx, "job-1", "other.csv"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Create() duplicate = %v, want ErrAlreadyExists", err)
	}
}

func TestTransitionEdges(t *testing.T) {
	tests := []struct {
		name    string
		path    []models.JobStatus
		to      models.JobStatus
		wantErr bool
	}{
		{name: "queued to running", path: nil, to: models.JobStatusRunning},
		{name: "running to completed", path: []models.JobStatus{models.JobStatusRunning}, to: models.JobStatusCompleted},
		{name: "running to failed", path: []models.JobStatus{models.JobStatusRunning}, to: models.JobStatusFailed},
		{name: "queued to completed", path: nil, to: models.JobStatusCompleted, wantErr: true},
		{name: "queued to failed", path: nil, to: models.JobStatusFailed, wantErr: true},
		{name: "completed to running", path: []models.JobStatus{models.JobStatusRunning, models.JobStatusCompleted}, to: models.JobStatusRunning, wantErr: true},
		{name: "failed to completed", path: []models.JobStatus{models.JobStatusRunning, models.JobStatusFailed}, to: models.JobStatusCompleted, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			ctx := context.Background()
			if _, err := l.Create(ctx, "job-1", "trips.csv"); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			for _, s := range tt.path {
				if _, err := l.Transition(ctx, "job-1", s, ""); err != nil {
					t.Fatalf("Transition(%s) error = %v", s, err)
				}
			}

			_, err := l.Transition(ctx, "job-1", tt.to, "")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Transition() = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Transition() error = %v", err)
			}
		})
	}
}

func TestTimestampsSetExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Create(ctx, "job-1", "trips.csv"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	running, err := l.Transition(ctx, "job-1", models.JobStatusRunning, "")
	if err != nil {
		t.Fatalf("Transition(running) error = %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("StartedAt not set at queued->running")
	}
	if running.FinishedAt != nil {
		t.Error("FinishedAt set before terminal state")
	}

	done, err := l.Transition(ctx, "job-1", models.JobStatusCompleted, "done")
	if err != nil {
		t.Fatalf("Transition(completed) error = %v", err)
	}
	if done.FinishedAt == nil {
		t.Fatal("FinishedAt not set at terminal transition")
	}
	if !done.StartedAt.Equal(*running.StartedAt) {
		t.Error("StartedAt changed after the running transition")
	}
}

func TestAdvance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Create(ctx, "job-1", "trips.csv"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Advance before running is a contract violation.
	if _, err := l.Advance(ctx, "job-1", 10, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Advance() on queued job = %v, want ErrInvalidTransition", err)
	}

	if _, err := l.Transition(ctx, "job-1", models.JobStatusRunning, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	var prev int64
	for _, delta := range []int64{5000, 5000, 137} {
		job, err := l.Advance(ctx, "job-1", delta, "")
		if err != nil {
			t.Fatalf("Advance(%d) error = %v", delta, err)
		}
		if job.InsertedCount < prev {
			t.Fatalf("InsertedCount decreased: %d -> %d", prev, job.InsertedCount)
		}
		prev = job.InsertedCount
	}
	if prev != 10137 {
		t.Errorf("InsertedCount = %d, want 10137", prev)
	}

	if _, err := l.Advance(ctx, "job-1", -1, ""); err == nil {
		t.Error("Advance() with negative delta: want error, got nil")
	}
}

func TestTerminalJobIsImmutable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.Create(ctx, "job-1", "trips.csv")
	l.Transition(ctx, "job-1", models.JobStatusRunning, "")
	l.Transition(ctx, "job-1", models.JobStatusCompleted, "done")

	if _, err := l.Advance(ctx, "job-1", 1, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Advance() on terminal job = %v, want ErrInvalidTransition", err)
	}
	if _, err := l.SetExpected(ctx, "job-1", 99); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SetExpected() on terminal job = %v, want ErrInvalidTransition", err)
	}

	// Reading a terminal job repeatedly returns identical data.
	first, err := l.Read(ctx, "job-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	second, err := l.Read(ctx, "job-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if first != second {
		t.Errorf("terminal reads differ: %+v vs %+v", first, second)
	}
}

func TestReadUnknownJob(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Read(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() = %v, want ErrNotFound", err)
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l := New(store)
	l.Create(ctx, "job-1", "trips.csv")
	l.Transition(ctx, "job-1", models.JobStatusRunning, "")
	l.Advance(ctx, "job-1", 777, "")

	// A fresh ledger over the same store sees the committed state.
	l2 := New(store)
	job, err := l2.Read(ctx, "job-1")
	if err != nil {
		t.Fatalf("Read() after restart error = %v", err)
	}
	if job.InsertedCount != 777 {
		t.Errorf("InsertedCount = %d, want 777", job.InsertedCount)
	}
	if _, err := l2.Transition(ctx, "job-1", models.JobStatusCompleted, "done"); err != nil {
		t.Errorf("Transition() after restart error = %v", err)
	}
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const jobs = 8
	const advancesPerJob = 50

	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		if _, err := l.Create(ctx, id, id+".csv"); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
		if _, err := l.Transition(ctx, id, models.JobStatusRunning, ""); err != nil {
			t.Fatalf("Transition(%s) error = %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < advancesPerJob; j++ {
				if _, err := l.Advance(ctx, id, 1, ""); err != nil {
					t.Errorf("Advance(%s) error = %v", id, err)
					return
				}
			}
			if _, err := l.Transition(ctx, id, models.JobStatusCompleted, "done"); err != nil {
				t.Errorf("Transition(%s) error = %v", id, err)
			}
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		job, err := l.Read(ctx, id)
		if err != nil {
			t.Fatalf("Read(%s) error = %v", id, err)
		}
		if job.InsertedCount != advancesPerJob {
			t.Errorf("job %s InsertedCount = %d, want %d", id, job.InsertedCount, advancesPerJob)
		}
		if job.Status != models.JobStatusCompleted {
			t.Errorf("job %s Status = %q, want completed", id, job.Status)
		}
	}
}
