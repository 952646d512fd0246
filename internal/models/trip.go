package models

import "time"

// Trip is one decoded trip record, ready for bulk insert. Coordinates are
// WGS84 lat/lon pairs; the geohash and time-of-day fields are derived at
// decode time so the storage layer stays a dumb sink.
type Trip struct {
	Region        string
	OriginLat     float64
	OriginLon     float64
	DestLat       float64
	DestLon       float64
	TripTime      time.Time
	Datasource    string
	OriginGeohash string
	DestGeohash   string
	TODBucket     string
}
