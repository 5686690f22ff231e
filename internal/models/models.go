package models

import (
	"errors"
	"math"
	"strings"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// LocationSample is one position report from a driver or passenger app.
type LocationSample struct {
	UserID            string  `json:"user_id"`
	TripID            string  `json:"trip_id"`
	Lat               float64 `json:"lat"`
	Lng               float64 `json:"lng"`
	AccuracyMeters    float64 `json:"accuracy_meters"`
	Speed             float64 `json:"speed"`
	Heading           float64 `json:"heading"`
	CapturedAtEpochMs int64   `json:"captured_at_ms"`
}

var (
	ErrMissingTrip   = errors.New("missing trip id")
	ErrMissingUser   = errors.New("missing user id")
	ErrBadCoordinate = errors.New("coordinate out of range")
)

func (s LocationSample) Validate() error {
	if strings.TrimSpace(s.TripID) == "" {
		return ErrMissingTrip
	}
	if strings.TrimSpace(s.UserID) == "" {
		return ErrMissingUser
	}
	if !(Coord{Lat: s.Lat, Lng: s.Lng}).Valid() {
		return ErrBadCoordinate
	}
	return nil
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lng: s.Lng} }

// LatestLocationEntry is the coalesced value kept for a trip between two flushes.
type LatestLocationEntry struct {
	TripID string         `json:"trip_id"`
	Sample LocationSample `json:"sample"`
}

// Batch maps trip id to the latest entry captured in one window.
type Batch map[string]LatestLocationEntry

const (
	EnvelopeLocation     = "location"
	EnvelopeStreamClosed = "stream_closed"
)

// BatchEnvelope is what travels on a trip channel.
type BatchEnvelope struct {
	Type               string               `json:"type"`
	TripID             string               `json:"trip_id"`
	Seq                int64                `json:"seq"`
	Entry              *LatestLocationEntry `json:"entry,omitempty"`
	PublishedAtEpochMs int64                `json:"published_at_ms"`
	ProcessID          string               `json:"process_id"`
}

// ConnectionSession is owned by the process that accepted the connection.
type ConnectionSession struct {
	ConnectionID           string   `json:"connection_id"`
	ProcessID              string   `json:"process_id"`
	UserID                 string   `json:"user_id"`
	SubscribedTripIDs      []string `json:"subscribed_trip_ids"`
	LastHeartbeatAtEpochMs int64    `json:"last_heartbeat_at_ms"`
}
