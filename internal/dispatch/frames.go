package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameHeartbeat   = "heartbeat"
	frameLocation    = "location"
)

type inFrame struct {
	Type   string                 `json:"type"`
	TripID string                 `json:"trip_id,omitempty"`
	Sample *models.LocationSample `json:"sample,omitempty"`
}

type outFrame struct {
	Type         string `json:"type"`
	TripID       string `json:"trip_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (r *WSRegistry) handleFrame(s *WSSession, msg []byte) {
	var f inFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		r.sendFrame(s, outFrame{Type: "error", Error: "malformed frame"})
		return
	}
	// any well-formed frame proves the client is alive
	r.heartbeat(s)

	switch f.Type {
	case frameHeartbeat:
		r.sendFrame(s, outFrame{Type: "heartbeat_ack"})
	case frameSubscribe, frameUnsubscribe:
		trip := strings.TrimSpace(f.TripID)
		if trip == "" || r.Rooms == nil {
			r.sendFrame(s, outFrame{Type: "error", Error: "trip_id required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if f.Type == frameSubscribe {
			r.subscribe(ctx, s, trip)
		} else {
			r.unsubscribe(ctx, s, trip)
		}
	case frameLocation:
		if f.Sample == nil || r.Ingest == nil {
			r.sendFrame(s, outFrame{Type: "error", Error: "sample required"})
			return
		}
		smp := *f.Sample
		// a socket can only report for its own user
		smp.UserID = s.userID
		r.Ingest.Ingest(smp)
	default:
		r.sendFrame(s, outFrame{Type: "error", Error: "unknown frame type " + f.Type})
	}
}

func (r *WSRegistry) subscribe(ctx context.Context, s *WSSession, trip string) {
	if r.Sessions != nil {
		if err := r.Sessions.Track(s.id, trip); err != nil {
			r.sendFrame(s, outFrame{Type: "error", TripID: trip, Error: err.Error()})
			return
		}
	}
	// ack first so it precedes any catch-up envelope
	r.sendFrame(s, outFrame{Type: "subscribed", TripID: trip})
	if err := r.Rooms.Subscribe(ctx, s.id, trip); err != nil {
		if r.Sessions != nil {
			r.Sessions.Untrack(s.id, trip)
		}
		r.logger.Warn("ws subscribe failed", "connection_id", s.id, "trip_id", trip, "error", err)
		r.sendFrame(s, outFrame{Type: "error", TripID: trip, Error: "subscribe failed"})
	}
}

func (r *WSRegistry) unsubscribe(ctx context.Context, s *WSSession, trip string) {
	if r.Sessions != nil {
		r.Sessions.Untrack(s.id, trip)
	}
	if err := r.Rooms.Unsubscribe(ctx, s.id, trip); err != nil {
		r.logger.Warn("ws unsubscribe failed", "connection_id", s.id, "trip_id", trip, "error", err)
	}
	r.sendFrame(s, outFrame{Type: "unsubscribed", TripID: trip})
}

func (r *WSRegistry) heartbeat(s *WSSession) {
	if r.Sessions != nil {
		_ = r.Sessions.Heartbeat(s.id)
	}
}

func (r *WSRegistry) sendFrame(s *WSSession, f outFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	r.enqueue(s, b)
}
