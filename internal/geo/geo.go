package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Position is the last known location of one user.
type Position struct {
	UserID         string       `json:"user_id"`
	TripID         string       `json:"trip_id"`
	Loc            models.Coord `json:"loc"`
	DistanceMeters float64      `json:"distance_m,omitempty"`
	UpdatedAtMs    int64        `json:"updated_at_ms"`
}

// Index is the minimal interface required by the fan-out and the SOS pipeline.
type Index interface {
	Upsert(ctx context.Context, e models.LatestLocationEntry) error
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error)
}

type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]Position
	maxAge    time.Duration
	now       func() time.Time
}

func NewMemoryIndex(maxAge time.Duration) *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]Position), maxAge: maxAge, now: time.Now}
}

func (g *MemoryIndex) Upsert(_ context.Context, e models.LatestLocationEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[e.Sample.UserID] = Position{
		UserID:      e.Sample.UserID,
		TripID:      e.TripID,
		Loc:         e.Sample.Coord(),
		UpdatedAtMs: g.now().UnixMilli(),
	}
	return nil
}

// naive scan; fine for a per-process index of recent movers
func (g *MemoryIndex) Nearby(_ context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.maxAge).UnixMilli()
	out := make([]Position, 0, limit)
	for _, p := range g.positions {
		if g.maxAge > 0 && p.UpdatedAtMs < cutoff {
			continue
		}
		d := Haversine(at.Lat, at.Lng, p.Loc.Lat, p.Loc.Lng)
		if d > radiusMeters {
			continue
		}
		p.DistanceMeters = d
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
