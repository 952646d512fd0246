// Package source resolves a job's source_ref to a readable CSV stream.
package source

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors providers translate backend failures into.
var (
	// ErrNotFound indicates the source_ref does not resolve to an object.
	ErrNotFound = errors.New("source not found")

	// ErrUnavailable indicates the backend exists but could not serve the
	// object right now (network, auth, permission).
	ErrUnavailable = errors.New("source unavailable")
)

// Provider opens a source_ref for reading. Implementations must be safe for
// concurrent use across jobs.
type Provider interface {
	// Open resolves ref and returns the raw byte stream. The caller owns
	// the closer.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// LineCounter is an optional Provider capability: sources that can be sized
// cheaply report the number of data lines (excluding the header) so jobs
// can expose an expected_count. Providers that cannot size a ref return
// ok=false and jobs simply run without an expected total.
type LineCounter interface {
	CountLines(ctx context.Context, ref string) (n int64, ok bool, err error)
}
