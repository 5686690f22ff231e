package storage

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/example/ride-realtime/internal/models"
)

// InfluxHistory mirrors location history into a time-series bucket. The
// point timestamp and tags make a resend overwrite the same point.
type InfluxHistory struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func NewInfluxHistory(url, token, org, bucket string) *InfluxHistory {
	client := influxdb2.NewClient(url, token)
	return &InfluxHistory{client: client, writer: client.WriteAPIBlocking(org, bucket)}
}

func (h *InfluxHistory) Name() string { return "influx" }

func (h *InfluxHistory) UpsertBatches(ctx context.Context, envs []models.BatchEnvelope) (int, error) {
	points := make([]*write.Point, 0, len(envs))
	for _, e := range envs {
		points = append(points, locationPoint(e))
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := h.writer.WritePoint(ctx, points...); err != nil {
		return 0, err
	}
	return len(points), nil
}

func locationPoint(e models.BatchEnvelope) *write.Point {
	s := e.Entry.Sample
	return write.NewPoint("trip_location",
		map[string]string{"trip_id": e.TripID, "user_id": s.UserID},
		map[string]interface{}{
			"lat":        s.Lat,
			"lng":        s.Lng,
			"accuracy_m": s.AccuracyMeters,
			"speed":      s.Speed,
			"heading":    s.Heading,
			"batch_seq":  e.Seq,
		},
		time.UnixMilli(s.CapturedAtEpochMs))
}

func (h *InfluxHistory) Close() { h.client.Close() }
