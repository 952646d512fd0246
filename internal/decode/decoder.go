// Package decode turns a CSV byte stream into a lazy sequence of typed trip
// records. The decoder is forward-only and holds no resumable cursor; to
// restart a sequence the caller must reopen the underlying stream.
package decode

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// Policy controls how the decoder reacts to a malformed row.
type Policy string

const (
	// PolicySkip records the row error and keeps reading. Default.
	PolicySkip Policy = "skip-and-continue"
	// PolicyAbort surfaces the first row error to the caller.
	PolicyAbort Policy = "abort-on-first-error"
)

// GeohashPrecision is the precision used for the derived origin and
// destination geohashes. Five characters is roughly a 5km cell.
const GeohashPrecision = 5

// maxRecordedNotes caps how many row-error notes are retained per stream.
const maxRecordedNotes = 20

// Columns required in the CSV header.
var requiredColumns = []string{"region", "origin_coord", "destination_coord", "datetime", "datasource"}

// RowError is a row-level decode failure tagged with its ordinal line
// (1-based, counting the header as line 1).
type RowError struct {
	Line int64
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("decode row %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Decoder reads trip records from a CSV stream one row at a time.
// It is not safe for concurrent use.
type Decoder struct {
	r       *csv.Reader
	policy  Policy
	cols    map[string]int
	line    int64
	skipped int64
	notes   []string
}

// NewDecoder wraps the reader and consumes the CSV header. It fails if any
// required column is missing.
func NewDecoder(r io.Reader, policy Policy) (*Decoder, error) {
	if policy == "" {
		policy = PolicySkip
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv header missing required column %q", name)
		}
	}

	return &Decoder{r: cr, policy: policy, cols: cols, line: 1}, nil
}

// Next returns the next valid trip record. It returns io.EOF at end of
// stream. Under PolicySkip malformed rows are counted and skipped; under
// PolicyAbort the first malformed row is returned as a *RowError.
func (d *Decoder) Next(ctx context.Context) (models.Trip, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Trip{}, err
		}

		record, err := d.r.Read()
		if err == io.EOF {
			return models.Trip{}, io.EOF
		}
		d.line++
		if err == nil {
			var trip models.Trip
			trip, err = d.decodeRow(record)
			if err == nil {
				return trip, nil
			}
		}

		rowErr := &RowError{Line: d.line, Err: err}
		if d.policy == PolicyAbort {
			return models.Trip{}, rowErr
		}
		d.skipped++
		if len(d.notes) < maxRecordedNotes {
			d.notes = append(d.notes, rowErr.Error())
		}
	}
}

// Skipped returns the number of rows dropped under PolicySkip.
func (d *Decoder) Skipped() int64 { return d.skipped }

// Notes returns recorded row-error notes, capped at maxRecordedNotes.
func (d *Decoder) Notes() []string { return d.notes }

func (d *Decoder) decodeRow(record []string) (models.Trip, error) {
	field := func(name string) (string, error) {
		idx := d.cols[name]
		if idx >= len(record) {
			return "", fmt.Errorf("missing field %q", name)
		}
		return record[idx], nil
	}

	var trip models.Trip
	var err error

	if trip.Region, err = field("region"); err != nil {
		return models.Trip{}, err
	}
	if trip.Datasource, err = field("datasource"); err != nil {
		return models.Trip{}, err
	}

	origin, err := field("origin_coord")
	if err != nil {
		return models.Trip{}, err
	}
	if trip.OriginLat, trip.OriginLon, err = ParsePointWKT(origin); err != nil {
		return models.Trip{}, fmt.Errorf("origin_coord: %w", err)
	}

	dest, err := field("destination_coord")
	if err != nil {
		return models.Trip{}, err
	}
	if trip.DestLat, trip.DestLon, err = ParsePointWKT(dest); err != nil {
		return models.Trip{}, fmt.Errorf("destination_coord: %w", err)
	}

	ts, err := field("datetime")
	if err != nil {
		return models.Trip{}, err
	}
	if trip.TripTime, err = parseTimestamp(ts); err != nil {
		return models.Trip{}, fmt.Errorf("datetime: %w", err)
	}

	trip.OriginGeohash = geohash.EncodeWithPrecision(trip.OriginLat, trip.OriginLon, GeohashPrecision)
	trip.DestGeohash = geohash.EncodeWithPrecision(trip.DestLat, trip.DestLon, GeohashPrecision)
	trip.TODBucket = TimeOfDayBucket(trip.TripTime)

	return trip, nil
}

var pointRe = regexp.MustCompile(`^POINT \(([-\d.]+) ([-\d.]+)\)$`)

// ParsePointWKT parses a WKT "POINT (lon lat)" string into a lat/lon pair.
func ParsePointWKT(s string) (lat, lon float64, err error) {
	m := pointRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid POINT format: %q", s)
	}
	lon, err = strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse longitude: %w", err)
	}
	lat, err = strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse latitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("coordinates out of range: lat=%v lon=%v", lat, lon)
	}
	return lat, lon, nil
}

// timestampLayouts are tried in order when parsing the datetime column.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp format: " + strconv.Quote(s))
}

// TimeOfDayBucket maps an hour of day to a coarse bucket used for grouping.
func TimeOfDayBucket(t time.Time) string {
	switch hour := t.Hour(); {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18:
		return "evening"
	default:
		return "night"
	}
}
