package ingest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

// Ingester is anything that accepts location samples.
type Ingester interface {
	Ingest(s models.LocationSample)
}

// Buffer coalesces samples to the latest one per trip until the next Swap.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]models.LatestLocationEntry
}

func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]models.LatestLocationEntry)}
}

// Ingest never blocks on I/O and never reports errors; rejected samples are counted.
func (b *Buffer) Ingest(s models.LocationSample) {
	if err := s.Validate(); err != nil {
		observability.SamplesDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}
	b.mu.Lock()
	cur, ok := b.entries[s.TripID]
	if ok && cur.Sample.CapturedAtEpochMs > s.CapturedAtEpochMs {
		b.mu.Unlock()
		observability.SamplesDropped.WithLabelValues("stale").Inc()
		return
	}
	b.entries[s.TripID] = models.LatestLocationEntry{TripID: s.TripID, Sample: s}
	b.mu.Unlock()
	observability.SamplesIngested.Inc()
}

// Swap hands the current window to the caller and starts an empty one.
func (b *Buffer) Swap() models.Batch {
	fresh := make(map[string]models.LatestLocationEntry, 64)
	b.mu.Lock()
	out := b.entries
	b.entries = fresh
	b.mu.Unlock()
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, models.ErrBadCoordinate):
		return "bad_coordinate"
	case errors.Is(err, models.ErrMissingTrip):
		return "unknown_trip"
	case errors.Is(err, models.ErrMissingUser):
		return "unknown_user"
	default:
		return "invalid"
	}
}

// decodeSample parses a wire sample; false means malformed and already counted.
func decodeSample(b []byte) (models.LocationSample, bool) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		observability.SamplesDropped.WithLabelValues("malformed").Inc()
		return s, false
	}
	return s, true
}
