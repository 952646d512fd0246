// Package ingest drives one ingestion job end to end: source resolution,
// decoding, chunked loading, ledger bookkeeping and progress broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/tripflow/internal/broadcast"
	"github.com/raphaelgruber/tripflow/internal/decode"
	"github.com/raphaelgruber/tripflow/internal/ledger"
	"github.com/raphaelgruber/tripflow/internal/loader"
	"github.com/raphaelgruber/tripflow/internal/metrics"
	"github.com/raphaelgruber/tripflow/internal/models"
	"github.com/raphaelgruber/tripflow/internal/source"
)

// Orchestrator runs ingestion jobs. Each job progresses through
// queued -> running -> {completed, failed}; the ledger write always precedes
// the matching broadcast so observers never see state ahead of the ledger.
type Orchestrator struct {
	ledger      *ledger.Ledger
	broadcaster *broadcast.Broadcaster
	provider    source.Provider
	loader      *loader.Loader
	policy      decode.Policy
	collector   *metrics.Collector

	wg sync.WaitGroup
}

// New creates an orchestrator. collector may be nil.
func New(l *ledger.Ledger, b *broadcast.Broadcaster, p source.Provider, ld *loader.Loader, policy decode.Policy, collector *metrics.Collector) *Orchestrator {
	if policy == "" {
		policy = decode.PolicySkip
	}
	return &Orchestrator{
		ledger:      l,
		broadcaster: b,
		provider:    p,
		loader:      ld,
		policy:      policy,
		collector:   collector,
	}
}

// Submit registers a new job and starts it in the background. The returned
// job is the queued record; progress is observable through the ledger and
// the broadcaster. ctx bounds the whole background run, not just submission.
func (o *Orchestrator) Submit(ctx context.Context, jobID, sourceRef string) (models.IngestionJob, error) {
	job, err := o.ledger.Create(ctx, jobID, sourceRef)
	if err != nil {
		return models.IngestionJob{}, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx, jobID)
	}()
	return job, nil
}

// Wait blocks until all background job runs have finished. Used during
// server shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Run executes the job to its terminal state. The job must exist and be
// queued. Run never returns an error for job-level failures; those land in
// the ledger as a failed status with a diagnostic message.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	start := time.Now()
	defer func() {
		if o.collector != nil {
			o.collector.RecordTiming(metrics.OpJobRun, time.Since(start))
		}
	}()

	job, err := o.ledger.Transition(ctx, jobID, models.JobStatusRunning, "")
	if err != nil {
		slog.Error("job could not start", "job_id", jobID, "error", err)
		return
	}
	o.broadcaster.Publish(jobID, job.Snapshot(0))
	slog.Info("job started", "job_id", jobID, "source_ref", job.SourceRef)

	inserted, chunks, skipped, runErr := o.ingest(ctx, jobID, job.SourceRef)
	if runErr != nil {
		o.fail(ctx, jobID, chunks, runErr)
		return
	}

	msg := fmt.Sprintf("completed: %d rows inserted", inserted)
	if skipped > 0 {
		msg = fmt.Sprintf("%s, %d rows skipped", msg, skipped)
	}
	done, err := o.ledger.Transition(ctx, jobID, models.JobStatusCompleted, msg)
	if err != nil {
		slog.Error("job could not complete", "job_id", jobID, "error", err)
		return
	}
	o.broadcaster.Publish(jobID, done.Snapshot(chunks))
	slog.Info("job completed", "job_id", jobID, "inserted", inserted, "chunks", chunks,
		"duration", time.Since(start))
}

// ingest performs the source-to-storage pipeline and returns the inserted
// row total, the number of loaded chunks and the number of skipped rows.
func (o *Orchestrator) ingest(ctx context.Context, jobID, sourceRef string) (int64, int64, int64, error) {
	openStart := time.Now()
	rc, err := o.provider.Open(ctx, sourceRef)
	if o.collector != nil {
		o.collector.RecordTiming(metrics.OpSourceOpen, time.Since(openStart))
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("source: %w", err)
	}
	defer rc.Close()

	// Size the source when the provider can do so cheaply. Refs that cannot
	// be sized simply run without an expected total.
	if counter, ok := o.provider.(source.LineCounter); ok {
		if n, sized, err := counter.CountLines(ctx, sourceRef); err != nil {
			slog.Warn("source sizing failed", "job_id", jobID, "error", err)
		} else if sized {
			if job, err := o.ledger.SetExpected(ctx, jobID, n); err != nil {
				slog.Warn("expected count not recorded", "job_id", jobID, "error", err)
			} else {
				o.broadcaster.Publish(jobID, job.Snapshot(0))
			}
		}
	}

	dec, err := decode.NewDecoder(rc, o.policy)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("decode: %w", err)
	}

	var chunks int64
	total, err := o.loader.Run(ctx, jobID, dec, func(emitCtx context.Context, res loader.ChunkResult) error {
		chunks = res.Seq
		msg := fmt.Sprintf("chunk %d loaded: %d rows", res.Seq, res.Inserted)
		job, err := o.ledger.Advance(emitCtx, jobID, int64(res.Inserted), msg)
		if err != nil {
			return fmt.Errorf("record chunk %d: %w", res.Seq, err)
		}
		o.broadcaster.Publish(jobID, job.Snapshot(res.Seq))
		return nil
	})
	if err != nil {
		return total, chunks, dec.Skipped(), err
	}

	if skipped := dec.Skipped(); skipped > 0 {
		slog.Warn("rows skipped during decode", "job_id", jobID, "skipped", skipped, "notes", dec.Notes())
	}
	return total, chunks, dec.Skipped(), nil
}

// fail moves the job to its failed terminal state with a message that names
// the failing stage.
func (o *Orchestrator) fail(ctx context.Context, jobID string, chunks int64, cause error) {
	msg := failureMessage(cause)
	slog.Error("job failed", "job_id", jobID, "error", cause)

	// A cancelled request context must not block recording the failure.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	job, err := o.ledger.Transition(ctx, jobID, models.JobStatusFailed, msg)
	if err != nil {
		slog.Error("failed status not recorded", "job_id", jobID, "error", err)
		return
	}
	o.broadcaster.Publish(jobID, job.Snapshot(chunks))
}

// failureMessage classifies the cause by pipeline stage so operators can
// tell a bad source from bad rows from a storage outage.
func failureMessage(cause error) string {
	var rowErr *decode.RowError
	if errors.As(cause, &rowErr) {
		// RowError already carries the "decode row N" stage prefix.
		return rowErr.Error()
	}
	return cause.Error()
}
