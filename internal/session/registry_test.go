package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/fanout"
	"github.com/example/ride-realtime/internal/logging"
)

type fakeRooms struct {
	mu   sync.Mutex
	left []string
}

func (f *fakeRooms) UnsubscribeAll(ctx context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, connectionID)
	return nil
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	now := time.Unix(1_000, 0)
	rooms := &fakeRooms{}
	r := NewRegistry("p1", 45*time.Second, rooms, nil, logging.Discard())
	r.now = func() time.Time { return now }

	closed := map[string]bool{}
	r.Register("quiet", "u1", func() { closed["quiet"] = true })
	r.Register("chatty", "u2", func() { closed["chatty"] = true })
	require.NoError(t, r.Track("quiet", "T1"))

	now = now.Add(30 * time.Second)
	require.NoError(t, r.Heartbeat("chatty"))
	assert.Empty(t, r.Sweep(context.Background()))

	now = now.Add(20 * time.Second)
	evicted := r.Sweep(context.Background())
	assert.Equal(t, []string{"quiet"}, evicted)
	assert.True(t, closed["quiet"])
	assert.False(t, closed["chatty"])
	assert.Equal(t, []string{"quiet"}, rooms.left)
	assert.Equal(t, 1, r.LocalConnectionCount())

	assert.ErrorIs(t, r.Heartbeat("quiet"), ErrUnknownConnection)
}

func TestRemoveIsIdempotent(t *testing.T) {
	rooms := &fakeRooms{}
	r := NewRegistry("p1", time.Minute, rooms, nil, logging.Discard())
	r.Register("c1", "u1", nil)

	require.NoError(t, r.Remove(context.Background(), "c1"))
	require.NoError(t, r.Remove(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, rooms.left)
	assert.Zero(t, r.LocalConnectionCount())
}

func TestSessionReportsTrackedTrips(t *testing.T) {
	r := NewRegistry("p1", time.Minute, nil, nil, logging.Discard())
	r.Register("c1", "u1", nil)
	require.NoError(t, r.Track("c1", "T2"))
	require.NoError(t, r.Track("c1", "T1"))
	r.Untrack("c1", "T2")

	s, ok := r.Session("c1")
	require.True(t, ok)
	assert.Equal(t, "p1", s.ProcessID)
	assert.Equal(t, []string{"T1"}, s.SubscribedTripIDs)
	assert.Len(t, r.Sessions(), 1)
	assert.ErrorIs(t, r.Track("nope", "T1"), ErrUnknownConnection)
}

func TestRunPublishesConnectionCount(t *testing.T) {
	hub := broker.NewMemoryHub()
	b := hub.NewBroker()
	r := NewRegistry("p1", time.Minute, nil, b, logging.Discard())
	r.Register("c1", "u1", nil)
	r.Register("c2", "u2", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		v, ok, _ := hub.NewBroker().Get(context.Background(), broker.ProcessConnectionsKey("p1"))
		return ok && v == "2"
	}, time.Second, 5*time.Millisecond)
}

func TestSweepRemovesEvictedConnectionFromRooms(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewMemoryHub()
	rooms := fanout.NewManager(hub.NewBroker(), nopDeliverer{}, fanout.Options{ProcessID: "p1"}, logging.Discard())
	now := time.Unix(1_000, 0)
	r := NewRegistry("p1", 45*time.Second, rooms, nil, logging.Discard())
	r.now = func() time.Time { return now }

	r.Register("quiet", "u1", nil)
	r.Register("chatty", "u2", nil)
	for _, c := range []string{"quiet", "chatty"} {
		require.NoError(t, rooms.Subscribe(ctx, c, "T1"))
		require.NoError(t, r.Track(c, "T1"))
	}
	require.NoError(t, rooms.Subscribe(ctx, "quiet", "T2"))
	require.NoError(t, r.Track("quiet", "T2"))

	now = now.Add(30 * time.Second)
	require.NoError(t, r.Heartbeat("chatty"))
	now = now.Add(20 * time.Second)
	assert.Equal(t, []string{"quiet"}, r.Sweep(ctx))

	assert.Equal(t, []string{"chatty"}, rooms.Members("T1"))
	assert.Nil(t, rooms.Members("T2"))
	assert.Equal(t, 1, rooms.RoomCount())
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(string, []byte) bool { return true }
