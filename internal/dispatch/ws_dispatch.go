package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// RoomSubscriber joins and leaves trip rooms on behalf of a connection.
type RoomSubscriber interface {
	Subscribe(ctx context.Context, connectionID, tripID string) error
	Unsubscribe(ctx context.Context, connectionID, tripID string) error
}

// SessionTracker owns connection liveness.
type SessionTracker interface {
	Register(connectionID, userID string, closeFn func())
	Heartbeat(connectionID string) error
	Track(connectionID, tripID string) error
	Untrack(connectionID, tripID string)
	Remove(ctx context.Context, connectionID string) error
}

// SampleSink accepts location samples sent over a socket.
type SampleSink interface {
	Ingest(s models.LocationSample)
}

type WSOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PingEvery      time.Duration
	MaxMessageSize int64
}

func (o *WSOptions) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PingEvery <= 0 {
		o.PingEvery = 20 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8 << 10
	}
}

// WSSession represents one connected client
type WSSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// WSRegistry holds the websocket sessions of this process. Rooms, Sessions
// and Ingest are wired after construction.
type WSRegistry struct {
	Rooms    RoomSubscriber
	Sessions SessionTracker
	Ingest   SampleSink

	opts     WSOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(opts WSOptions, logger *slog.Logger) *WSRegistry {
	opts.defaults()
	return &WSRegistry{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*WSSession),
	}
}

// Serve upgrades the request and runs the session until it disconnects.
func (r *WSRegistry) Serve(w http.ResponseWriter, req *http.Request, userID string) error {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	s := &WSSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, r.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	if r.Sessions != nil {
		r.Sessions.Register(s.id, userID, s.close)
	}
	r.logger.Info("ws connected", "connection_id", s.id, "user_id", userID)

	go r.writePump(s)
	go r.readPump(s)
	r.sendFrame(s, outFrame{Type: "welcome", ConnectionID: s.id})
	return nil
}

// Deliver queues payload for a connection without blocking. A full send
// buffer drops the message.
func (r *WSRegistry) Deliver(connectionID string, payload []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.enqueue(s, payload)
}

func (r *WSRegistry) enqueue(s *WSSession, payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		observability.DeliveryBufferDrops.Inc()
		r.logger.Debug("ws send buffer full", "connection_id", s.id)
		return false
	}
}

func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every session, used on shutdown.
func (r *WSRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}

func (r *WSRegistry) drop(s *WSSession) {
	s.close()
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
	if r.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Sessions.Remove(ctx, s.id); err != nil {
			r.logger.Warn("ws cleanup failed", "connection_id", s.id, "error", err)
		}
	}
	r.logger.Info("ws disconnected", "connection_id", s.id, "user_id", s.userID)
}

func (r *WSRegistry) readPump(s *WSSession) {
	defer r.drop(s)
	s.conn.SetReadLimit(r.opts.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		r.heartbeat(s)
		return nil
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("ws read error", "connection_id", s.id, "error", err)
			}
			return
		}
		r.handleFrame(s, msg)
	}
}

func (r *WSRegistry) writePump(s *WSSession) {
	ticker := time.NewTicker(r.opts.PingEvery)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
