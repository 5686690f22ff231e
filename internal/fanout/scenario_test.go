package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

func TestOneTickReachesEverySubscriberOnceWithLatestSample(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := broker.NewMemoryHub()
	a := startProcess(t, ctx, hub, "A", nil)
	b := startProcess(t, ctx, hub, "B", nil)
	require.NoError(t, a.m.Subscribe(ctx, "rider", "T1"))
	require.NoError(t, b.m.Subscribe(ctx, "family-1", "T1"))
	require.NoError(t, b.m.Subscribe(ctx, "family-2", "T1"))

	buf := ingest.NewBuffer()
	d := ingest.NewDispatcher(buf, a.m, nil, time.Second, logging.Discard())
	buf.Ingest(models.LocationSample{UserID: "driver-1", TripID: "T1", Lat: 12.90, Lng: 77.50, CapturedAtEpochMs: 0})
	buf.Ingest(models.LocationSample{UserID: "driver-1", TripID: "T1", Lat: 12.91, Lng: 77.51, CapturedAtEpochMs: 500})
	require.Equal(t, 1, d.Flush(ctx))

	require.Eventually(t, func() bool {
		return len(a.rec.envelopes("rider")) == 1 && len(b.rec.envelopes("family-1")) == 1 && len(b.rec.envelopes("family-2")) == 1
	}, time.Second, 5*time.Millisecond)
	// nothing else arrives for the same tick
	time.Sleep(30 * time.Millisecond)
	for _, got := range [][]models.BatchEnvelope{a.rec.envelopes("rider"), b.rec.envelopes("family-1"), b.rec.envelopes("family-2")} {
		require.Len(t, got, 1)
		assert.Equal(t, int64(500), got[0].Entry.Sample.CapturedAtEpochMs)
		assert.Equal(t, 12.91, got[0].Entry.Sample.Lat)
		assert.Equal(t, int64(1), got[0].Seq)
	}
}
