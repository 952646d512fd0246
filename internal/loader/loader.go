// Package loader groups decoded trip rows into bounded chunks and bulk-
// inserts them into storage.
//
// Atomicity: the Postgres backend inserts each chunk inside a single
// transaction, so a chunk either lands completely or not at all. The loader
// assumes and declares these all-or-nothing semantics; there are no partial
// per-row failures to report upward.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/tripflow/internal/decode"
	"github.com/raphaelgruber/tripflow/internal/metrics"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// DefaultChunkSize is the default maximum number of rows per bulk insert.
// Overridable via config (TRIPFLOW_CHUNK_SIZE).
const DefaultChunkSize = 5000

// DefaultMaxAttempts bounds how often one chunk's insert is attempted
// before the chunk is reported fatal. A per-attempt timeout counts as one
// attempt.
const DefaultMaxAttempts = 3

// DefaultInsertTimeout bounds one bulk-insert attempt, independent of the
// retry budget.
const DefaultInsertTimeout = 30 * time.Second

// Inserter is the storage capability the loader needs. Implementations must
// support concurrent callers for different jobs.
type Inserter interface {
	// InsertTrips bulk-inserts the rows atomically and returns the number
	// of rows inserted (len(rows) on success, 0 on failure).
	InsertTrips(ctx context.Context, rows []models.Trip) (int, error)
}

// ChunkResult reports one successfully loaded chunk.
type ChunkResult struct {
	Seq      int64 // 1-based chunk sequence within the job
	Rows     int   // rows in the chunk
	Inserted int   // rows actually inserted
}

// ChunkError is a fatal chunk failure after retry exhaustion. The job-level
// fate is the orchestrator's decision, not the loader's.
type ChunkError struct {
	Seq      int64
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("storage: chunk %d failed after %d attempts: %v", e.Seq, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Config tunes the loader. Zero values fall back to the documented defaults.
type Config struct {
	ChunkSize     int
	MaxAttempts   int
	InsertTimeout time.Duration
	// InitialBackoff seeds the exponential backoff between attempts.
	// Shortened in tests.
	InitialBackoff time.Duration
}

// Loader drives the batch/insert loop for one or more jobs. It is stateless
// between Run calls and safe for concurrent use.
type Loader struct {
	ins       Inserter
	cfg       Config
	collector *metrics.Collector
}

// New creates a loader over the given storage backend. collector may be nil.
func New(ins Inserter, cfg Config, collector *metrics.Collector) *Loader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultInsertTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Loader{ins: ins, cfg: cfg, collector: collector}
}

// Run consumes the decoder's row sequence chunk by chunk, invoking emit
// after every successfully inserted chunk, in chunk order. It returns the
// total inserted row count and the first fatal error: a *decode.RowError
// when the decoder aborts, a *ChunkError when storage retries are
// exhausted, or the emit callback's error.
func (l *Loader) Run(ctx context.Context, jobID string, dec *decode.Decoder, emit func(context.Context, ChunkResult) error) (int64, error) {
	var total int64
	var seq int64

	chunk := make([]models.Trip, 0, l.cfg.ChunkSize)
	chunkStart := time.Now()
	for {
		trip, err := dec.Next(ctx)
		if err == nil {
			if len(chunk) == 0 {
				chunkStart = time.Now()
			}
			chunk = append(chunk, trip)
			if len(chunk) < l.cfg.ChunkSize {
				continue
			}
		} else if err != io.EOF {
			return total, err
		}

		if len(chunk) > 0 {
			seq++
			if l.collector != nil {
				l.collector.RecordTiming(metrics.OpDecodeChunk, time.Since(chunkStart))
			}
			inserted, insErr := l.insertChunk(ctx, jobID, seq, chunk)
			if insErr != nil {
				return total, insErr
			}
			total += int64(inserted)
			if emitErr := emit(ctx, ChunkResult{Seq: seq, Rows: len(chunk), Inserted: inserted}); emitErr != nil {
				return total, emitErr
			}
			chunk = chunk[:0]
		}

		if err == io.EOF {
			return total, nil
		}
	}
}

// insertChunk performs one bulk insert with bounded retries and backoff.
func (l *Loader) insertChunk(ctx context.Context, jobID string, seq int64, rows []models.Trip) (int, error) {
	var inserted int
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.cfg.MaxAttempts-1)), ctx)

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.InsertTimeout)
		defer cancel()

		start := time.Now()
		n, err := l.ins.InsertTrips(attemptCtx, rows)
		if l.collector != nil {
			l.collector.RecordTiming(metrics.OpBulkInsert, time.Since(start))
		}
		if err != nil {
			// Job cancellation is not retryable; attempt timeouts are.
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("bulk insert attempt failed",
				"job_id", jobID, "chunk_seq", seq, "attempt", attempts, "rows", len(rows), "error", err)
			return err
		}
		inserted = n
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return 0, &ChunkError{Seq: seq, Attempts: attempts, Err: err}
	}
	return inserted, nil
}
