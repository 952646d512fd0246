package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// TripStore bulk-inserts trip rows. It implements loader.Inserter.
type TripStore struct {
	pool *pgxpool.Pool
}

// NewTripStore creates a trip store over the pool.
func NewTripStore(pool *pgxpool.Pool) *TripStore {
	return &TripStore{pool: pool}
}

// InsertTrips inserts all rows inside a single transaction via COPY. The
// chunk either lands completely or not at all.
func (s *TripStore) InsertTrips(ctx context.Context, rows []models.Trip) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"trips"},
		[]string{"region", "origin_lat", "origin_lon", "dest_lat", "dest_lon",
			"trip_time", "datasource", "origin_geohash", "dest_geohash", "tod_bucket"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			t := rows[i]
			return []any{t.Region, t.OriginLat, t.OriginLon, t.DestLat, t.DestLon,
				t.TripTime, t.Datasource, t.OriginGeohash, t.DestGeohash, t.TODBucket}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy trips: %w", err)
	}
	if int(n) != len(rows) {
		return 0, fmt.Errorf("copy trips: wrote %d of %d rows", n, len(rows))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert transaction: %w", err)
	}
	return len(rows), nil
}

// CountTrips returns the number of stored trips. Used by integration tests
// and the stats endpoint.
func (s *TripStore) CountTrips(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trips`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trips: %w", err)
	}
	return n, nil
}
