// Package session tracks the connections owned by this process and evicts
// the ones that stop sending heartbeats.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

var ErrUnknownConnection = errors.New("session: unknown connection")

// RoomLeaver removes a connection from every trip room it joined.
type RoomLeaver interface {
	UnsubscribeAll(ctx context.Context, connectionID string) error
}

type entry struct {
	session models.ConnectionSession
	trips   map[string]struct{}
	close   func()
}

type Registry struct {
	processID string
	timeout   time.Duration
	rooms     RoomLeaver
	broker    broker.Broker
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[string]*entry
}

func NewRegistry(processID string, timeout time.Duration, rooms RoomLeaver, b broker.Broker, logger *slog.Logger) *Registry {
	return &Registry{
		processID: processID,
		timeout:   timeout,
		rooms:     rooms,
		broker:    b,
		logger:    logger,
		now:       time.Now,
		conns:     make(map[string]*entry),
	}
}

// Register adds a connection; closeFn tears down its transport on eviction.
func (r *Registry) Register(connectionID, userID string, closeFn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connectionID] = &entry{
		session: models.ConnectionSession{
			ConnectionID:           connectionID,
			ProcessID:              r.processID,
			UserID:                 userID,
			LastHeartbeatAtEpochMs: r.now().UnixMilli(),
		},
		trips: make(map[string]struct{}),
		close: closeFn,
	}
	observability.ConnectionsLocal.Set(float64(len(r.conns)))
}

func (r *Registry) Heartbeat(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	e.session.LastHeartbeatAtEpochMs = r.now().UnixMilli()
	return nil
}

func (r *Registry) Track(connectionID, tripID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	e.trips[tripID] = struct{}{}
	return nil
}

func (r *Registry) Untrack(connectionID, tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connectionID]; ok {
		delete(e.trips, tripID)
	}
}

// Remove forgets a connection and leaves all of its rooms. Removing an
// unknown connection is a no-op.
func (r *Registry) Remove(ctx context.Context, connectionID string) error {
	r.mu.Lock()
	_, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	observability.ConnectionsLocal.Set(float64(n))
	if r.rooms == nil {
		return nil
	}
	return r.rooms.UnsubscribeAll(ctx, connectionID)
}

// Sweep evicts every connection whose last heartbeat is older than the
// timeout and returns their ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	cutoff := r.now().Add(-r.timeout).UnixMilli()
	var stale []*entry
	r.mu.Lock()
	for id, e := range r.conns {
		if e.session.LastHeartbeatAtEpochMs < cutoff {
			stale = append(stale, e)
			delete(r.conns, id)
		}
	}
	n := len(r.conns)
	r.mu.Unlock()
	observability.ConnectionsLocal.Set(float64(n))

	evicted := make([]string, 0, len(stale))
	for _, e := range stale {
		id := e.session.ConnectionID
		if r.rooms != nil {
			if err := r.rooms.UnsubscribeAll(ctx, id); err != nil {
				r.logger.Warn("evicted connection left rooms with errors", "connection_id", id, "error", err)
			}
		}
		if e.close != nil {
			e.close()
		}
		observability.ConnectionsEvicted.Inc()
		r.logger.Info("connection evicted", "connection_id", id, "user_id", e.session.UserID, "last_heartbeat_ms", e.session.LastHeartbeatAtEpochMs)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Run sweeps on every tick and publishes the local connection count.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
			r.publishCount(ctx, 3*every)
		}
	}
}

func (r *Registry) publishCount(ctx context.Context, ttl time.Duration) {
	if r.broker == nil {
		return
	}
	n := r.LocalConnectionCount()
	if err := r.broker.Set(ctx, broker.ProcessConnectionsKey(r.processID), strconv.Itoa(n), ttl); err != nil {
		r.logger.Debug("connection count not published", "error", err)
	}
}

func (r *Registry) LocalConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Session returns a copy of one connection's session.
func (r *Registry) Session(connectionID string) (models.ConnectionSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return models.ConnectionSession{}, false
	}
	s := e.session
	s.SubscribedTripIDs = make([]string, 0, len(e.trips))
	for t := range e.trips {
		s.SubscribedTripIDs = append(s.SubscribedTripIDs, t)
	}
	sort.Strings(s.SubscribedTripIDs)
	return s, true
}

// Sessions lists every local session ordered by connection id.
func (r *Registry) Sessions() []models.ConnectionSession {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	out := make([]models.ConnectionSession, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.Session(id); ok {
			out = append(out, s)
		}
	}
	return out
}
