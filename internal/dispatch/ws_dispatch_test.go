package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

type fakeRooms struct {
	mu   sync.Mutex
	subs []string
	uns  []string
}

func (f *fakeRooms) Subscribe(ctx context.Context, conn, trip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, trip)
	return nil
}

func (f *fakeRooms) Unsubscribe(ctx context.Context, conn, trip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uns = append(f.uns, trip)
	return nil
}

type fakeSessions struct {
	mu         sync.Mutex
	registered map[string]string
	beats      int
	removed    []string
}

func (f *fakeSessions) Register(id, user string, closeFn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id] = user
}

func (f *fakeSessions) Heartbeat(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeSessions) Track(id, trip string) error { return nil }

func (f *fakeSessions) Untrack(id, trip string) {}

func (f *fakeSessions) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (f *fakeSink) Ingest(s models.LocationSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

type testEnv struct {
	reg      *WSRegistry
	rooms    *fakeRooms
	sessions *fakeSessions
	sink     *fakeSink
	conn     *websocket.Conn
	connID   string
}

func dial(t *testing.T) testEnv {
	t.Helper()
	reg := NewWSRegistry(WSOptions{SendBuffer: 4}, logging.Discard())
	env := testEnv{reg: reg, rooms: &fakeRooms{}, sessions: &fakeSessions{registered: map[string]string{}}, sink: &fakeSink{}}
	reg.Rooms, reg.Sessions, reg.Ingest = env.rooms, env.sessions, env.sink

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = reg.Serve(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?user=rider-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	env.conn = conn
	welcome := readFrame(t, conn)
	require.Equal(t, "welcome", welcome.Type)
	env.connID = welcome.ConnectionID
	return env
}

func readFrame(t *testing.T, c *websocket.Conn) outFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	var f outFrame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

func TestWSSubscribeAndDeliver(t *testing.T) {
	env := dial(t)
	env.sessions.mu.Lock()
	assert.Equal(t, "rider-1", env.sessions.registered[env.connID])
	env.sessions.mu.Unlock()

	require.NoError(t, env.conn.WriteJSON(inFrame{Type: frameSubscribe, TripID: "T1"}))
	ack := readFrame(t, env.conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "T1", ack.TripID)

	payload, _ := json.Marshal(models.BatchEnvelope{Type: models.EnvelopeLocation, TripID: "T1", Seq: 7})
	require.True(t, env.reg.Deliver(env.connID, payload))
	require.NoError(t, env.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := env.conn.ReadMessage()
	require.NoError(t, err)
	var got models.BatchEnvelope
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, int64(7), got.Seq)

	assert.False(t, env.reg.Deliver("someone-else", payload))
}

func TestWSHeartbeatAndLocationFrames(t *testing.T) {
	env := dial(t)
	require.NoError(t, env.conn.WriteJSON(inFrame{Type: frameHeartbeat}))
	assert.Equal(t, "heartbeat_ack", readFrame(t, env.conn).Type)

	s := models.LocationSample{UserID: "spoofed", TripID: "T1", Lat: 12.9, Lng: 77.5, CapturedAtEpochMs: 10}
	require.NoError(t, env.conn.WriteJSON(inFrame{Type: frameLocation, Sample: &s}))
	require.Eventually(t, func() bool {
		env.sink.mu.Lock()
		defer env.sink.mu.Unlock()
		return len(env.sink.samples) == 1
	}, time.Second, 5*time.Millisecond)
	env.sink.mu.Lock()
	assert.Equal(t, "rider-1", env.sink.samples[0].UserID)
	env.sink.mu.Unlock()

	require.NoError(t, env.conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, "error", readFrame(t, env.conn).Type)
	env.sessions.mu.Lock()
	assert.GreaterOrEqual(t, env.sessions.beats, 2)
	env.sessions.mu.Unlock()
}

func TestWSDisconnectRemovesSession(t *testing.T) {
	env := dial(t)
	require.NoError(t, env.conn.Close())
	require.Eventually(t, func() bool {
		env.sessions.mu.Lock()
		defer env.sessions.mu.Unlock()
		return len(env.sessions.removed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, env.reg.Count())
}

func TestWSFullBufferDrops(t *testing.T) {
	reg := NewWSRegistry(WSOptions{SendBuffer: 1}, logging.Discard())
	s := &WSSession{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	reg.sessions["c1"] = s
	assert.True(t, reg.Deliver("c1", []byte("a")))
	assert.False(t, reg.Deliver("c1", []byte("b")))
}
