package decode

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

const header = "region,origin_coord,destination_coord,datetime,datasource\n"

func TestDecoder_ValidRows(t *testing.T) {
	csv := header +
		"Prague,POINT (14.4973 50.0003),POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n" +
		"Turin,POINT (7.6723 44.9957),POINT (7.7205 45.0679),2018-05-21 02:54:04,baba_car\n"

	d, err := NewDecoder(strings.NewReader(csv), PolicySkip)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	ctx := context.Background()

	first, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.Region != "Prague" {
		t.Errorf("Region = %q, want Prague", first.Region)
	}
	if first.OriginLat != 50.0003 || first.OriginLon != 14.4973 {
		t.Errorf("origin = (%v, %v), want (50.0003, 14.4973)", first.OriginLat, first.OriginLon)
	}
	if first.TODBucket != "morning" {
		t.Errorf("TODBucket = %q, want morning", first.TODBucket)
	}
	if len(first.OriginGeohash) != GeohashPrecision {
		t.Errorf("OriginGeohash = %q, want %d characters", first.OriginGeohash, GeohashPrecision)
	}

	second, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if second.TODBucket != "night" {
		t.Errorf("TODBucket = %q, want night", second.TODBucket)
	}

	if _, err := d.Next(ctx); err != io.EOF {
		t.Fatalf("Next() at end = %v, want io.EOF", err)
	}
}

func TestDecoder_MissingHeaderColumn(t *testing.T) {
	csv := "region,origin_coord,datetime,datasource\nPrague,POINT (14.5 50.0),2018-05-28 09:03:40,x\n"
	if _, err := NewDecoder(strings.NewReader(csv), PolicySkip); err == nil {
		t.Fatal("NewDecoder() with missing column: want error, got nil")
	}
}

func TestDecoder_SkipAndContinue(t *testing.T) {
	csv := header +
		"Prague,POINT (14.4973 50.0003),POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n" +
		"Prague,NOT A POINT,POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n" +
		"Prague,POINT (14.4973 50.0003),POINT (14.4358 50.0411),not-a-time,funny_car\n" +
		"Turin,POINT (7.6723 44.9957),POINT (7.7205 45.0679),2018-05-21 12:54:04,baba_car\n"

	d, err := NewDecoder(strings.NewReader(csv), PolicySkip)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	ctx := context.Background()
	var got int
	for {
		_, err := d.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got++
	}

	if got != 2 {
		t.Errorf("decoded %d rows, want 2", got)
	}
	if d.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", d.Skipped())
	}
	if len(d.Notes()) != 2 {
		t.Errorf("Notes() has %d entries, want 2", len(d.Notes()))
	}
	// Notes carry the ordinal row position.
	if !strings.Contains(d.Notes()[0], "row 3") {
		t.Errorf("Notes()[0] = %q, want reference to row 3", d.Notes()[0])
	}
}

func TestDecoder_AbortOnFirstError(t *testing.T) {
	csv := header +
		"Prague,POINT (14.4973 50.0003),POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n" +
		"Prague,garbage,POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n"

	d, err := NewDecoder(strings.NewReader(csv), PolicyAbort)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	ctx := context.Background()
	if _, err := d.Next(ctx); err != nil {
		t.Fatalf("Next() first row error = %v", err)
	}

	_, err = d.Next(ctx)
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("Next() = %v, want *RowError", err)
	}
	if rowErr.Line != 3 {
		t.Errorf("RowError.Line = %d, want 3", rowErr.Line)
	}
}

func TestDecoder_ContextCancelled(t *testing.T) {
	d, err := NewDecoder(strings.NewReader(header+"Prague,POINT (14.5 50.0),POINT (14.4 50.1),2018-05-28 09:03:40,x\n"), PolicySkip)
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() = %v, want context.Canceled", err)
	}
}

func TestParsePointWKT(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{name: "valid", in: "POINT (14.4973 50.0003)", lat: 50.0003, lon: 14.4973},
		{name: "negative", in: "POINT (-58.3816 -34.6037)", lat: -34.6037, lon: -58.3816},
		{name: "missing parens", in: "POINT 14.5 50.0", wantErr: true},
		{name: "not a point", in: "LINESTRING (0 0, 1 1)", wantErr: true},
		{name: "lat out of range", in: "POINT (14.5 95.0)", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat, lon, err := ParsePointWKT(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePointWKT(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePointWKT(%q) error = %v", tt.in, err)
			}
			if lat != tt.lat || lon != tt.lon {
				t.Errorf("ParsePointWKT(%q) = (%v, %v), want (%v, %v)", tt.in, lat, lon, tt.lat, tt.lon)
			}
		})
	}
}

func TestTimeOfDayBucket(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{hour: 0, want: "night"},
		{hour: 5, want: "night"},
		{hour: 6, want: "morning"},
		{hour: 11, want: "morning"},
		{hour: 12, want: "afternoon"},
		{hour: 17, want: "afternoon"},
		{hour: 18, want: "evening"},
		{hour: 23, want: "evening"},
	}

	for _, tt := range tests {
		at := time.Date(2018, 5, 28, tt.hour, 30, 0, 0, time.UTC)
		if got := TimeOfDayBucket(at); got != tt.want {
			t.Errorf("TimeOfDayBucket(hour=%d) = %q, want %q", tt.hour, got, tt.want)
		}
	}
}
