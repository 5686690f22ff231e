// Package fanout turns coalesced batches into per-trip envelopes and delivers
// them to the local members of each trip room.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/history"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

var ErrUnknownTrip = errors.New("fanout: no such room")

// Deliverer hands an encoded envelope to one local connection. It must not
// block; false means the message could not be queued.
type Deliverer interface {
	Deliver(connectionID string, payload []byte) bool
}

// PositionIndex is optionally fed with every published entry.
type PositionIndex interface {
	Upsert(ctx context.Context, e models.LatestLocationEntry) error
}

type room struct {
	// members maps a connection to the last seq handed to it
	members      map[string]int64
	lastSeq      int64
	lastCaptured int64
}

// tripPublisher serialises sequence assignment and publication for one trip
// so a newer window never ends up with a lower seq than an older one.
type tripPublisher struct {
	mu       sync.Mutex
	captured int64
	sent     bool
}

type Options struct {
	ProcessID string
	// SeqTTL bounds how long an idle trip keeps its sequence counter.
	SeqTTL    time.Duration
	Replay    history.ReplayLog
	Positions PositionIndex
}

// Manager owns the trip rooms of one process.
type Manager struct {
	broker  broker.Broker
	deliver Deliverer
	opts    Options
	logger  *slog.Logger

	// chanMu serialises broker subscribe and unsubscribe calls
	chanMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]map[string]struct{}

	pubMu sync.Mutex
	pubs  map[string]*tripPublisher
}

func NewManager(b broker.Broker, d Deliverer, opts Options, logger *slog.Logger) *Manager {
	if opts.SeqTTL <= 0 {
		opts.SeqTTL = 24 * time.Hour
	}
	return &Manager{
		broker:  b,
		deliver: d,
		opts:    opts,
		logger:  logger,
		rooms:   make(map[string]*room),
		conns:   make(map[string]map[string]struct{}),
		pubs:    make(map[string]*tripPublisher),
	}
}

// lockTrip returns the trip's publisher with its lock held.
func (m *Manager) lockTrip(tripID string) *tripPublisher {
	m.pubMu.Lock()
	tp, ok := m.pubs[tripID]
	if !ok {
		tp = &tripPublisher{}
		m.pubs[tripID] = tp
	}
	m.pubMu.Unlock()
	tp.mu.Lock()
	return tp
}

// Run pumps broker messages into the rooms until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	return m.broker.Run(ctx, m.receive)
}

// Publish assigns each trip the next sequence number and publishes one
// envelope per trip. Failures for one trip do not stop the others.
func (m *Manager) Publish(ctx context.Context, batch models.Batch) error {
	var errs []error
	for tripID, entry := range batch {
		entry := entry
		env := models.BatchEnvelope{Type: models.EnvelopeLocation, TripID: tripID, Entry: &entry}
		sent, err := m.publishLocation(ctx, &env)
		if err != nil {
			observability.BatchPublishErrors.Inc()
			errs = append(errs, fmt.Errorf("trip %s: %w", tripID, err))
			continue
		}
		if !sent {
			continue
		}
		observability.BatchesPublished.Inc()
		if m.opts.Positions != nil {
			if err := m.opts.Positions.Upsert(ctx, entry); err != nil {
				m.logger.Debug("position index update failed", "trip_id", tripID, "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

// publishLocation skips a window older than one this process already
// published for the trip; windows published concurrently can finish out of order.
func (m *Manager) publishLocation(ctx context.Context, env *models.BatchEnvelope) (bool, error) {
	tp := m.lockTrip(env.TripID)
	defer tp.mu.Unlock()
	captured := env.Entry.Sample.CapturedAtEpochMs
	if tp.sent && captured < tp.captured {
		observability.SamplesDropped.WithLabelValues("stale_window").Inc()
		return false, nil
	}
	if err := m.publish(ctx, env); err != nil {
		return false, err
	}
	tp.captured, tp.sent = captured, true
	m.appendReplay(ctx, *env)
	return true, nil
}

func (m *Manager) appendReplay(ctx context.Context, env models.BatchEnvelope) {
	if m.opts.Replay == nil {
		return
	}
	if err := m.opts.Replay.Append(ctx, env); err != nil {
		m.logger.Warn("replay append failed", "trip_id", env.TripID, "seq", env.Seq, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, env *models.BatchEnvelope) error {
	seq, err := m.broker.Incr(ctx, broker.TripSeqKey(env.TripID), m.opts.SeqTTL)
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	env.Seq = seq
	env.PublishedAtEpochMs = models.NowMs()
	env.ProcessID = m.opts.ProcessID
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, broker.TripChannel(env.TripID), payload)
}

// CompleteTrip broadcasts a stream-closed marker. Every process, this one
// included, tears the room down when the marker arrives.
func (m *Manager) CompleteTrip(ctx context.Context, tripID string) error {
	env := models.BatchEnvelope{Type: models.EnvelopeStreamClosed, TripID: tripID}
	tp := m.lockTrip(tripID)
	err := m.publish(ctx, &env)
	if err == nil {
		m.appendReplay(ctx, env)
		m.pubMu.Lock()
		delete(m.pubs, tripID)
		m.pubMu.Unlock()
	}
	tp.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("trip stream closed", "trip_id", tripID, "seq", env.Seq)
	return nil
}

// Subscribe joins connectionID to the trip room. The first local member
// subscribes the process to the trip channel. A late joiner is sent the
// newest retained location right away.
func (m *Manager) Subscribe(ctx context.Context, connectionID, tripID string) error {
	m.chanMu.Lock()
	m.mu.Lock()
	r, ok := m.rooms[tripID]
	if !ok {
		r = &room{members: make(map[string]int64)}
		m.rooms[tripID] = r
		observability.ActiveRooms.Inc()
	}
	if _, already := r.members[connectionID]; already {
		m.mu.Unlock()
		m.chanMu.Unlock()
		return nil
	}
	r.members[connectionID] = 0
	if m.conns[connectionID] == nil {
		m.conns[connectionID] = make(map[string]struct{})
	}
	m.conns[connectionID][tripID] = struct{}{}
	m.mu.Unlock()

	if !ok {
		if err := m.broker.Subscribe(ctx, broker.TripChannel(tripID)); err != nil {
			m.mu.Lock()
			m.leaveLocked(connectionID, tripID)
			m.mu.Unlock()
			m.chanMu.Unlock()
			return fmt.Errorf("subscribe %s: %w", tripID, err)
		}
	}
	m.chanMu.Unlock()

	m.catchUp(ctx, connectionID, tripID)
	return nil
}

func (m *Manager) catchUp(ctx context.Context, connectionID, tripID string) {
	if m.opts.Replay == nil {
		return
	}
	env, ok, err := m.opts.Replay.Latest(ctx, tripID)
	if err != nil {
		m.logger.Debug("catch-up lookup failed", "trip_id", tripID, "error", err)
		return
	}
	if !ok {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[tripID]
	if r == nil {
		return
	}
	delivered, member := r.members[connectionID]
	if !member || env.Seq < r.lastSeq || delivered >= env.Seq {
		return
	}
	r.members[connectionID] = env.Seq
	if m.deliver.Deliver(connectionID, payload) {
		observability.EnvelopesDelivered.Inc()
	}
}

// Unsubscribe removes connectionID from the room; the last member leaving
// releases the trip channel.
func (m *Manager) Unsubscribe(ctx context.Context, connectionID, tripID string) error {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()
	m.mu.Lock()
	emptied := m.leaveLocked(connectionID, tripID)
	m.mu.Unlock()
	if !emptied {
		return nil
	}
	return m.broker.Unsubscribe(ctx, broker.TripChannel(tripID))
}

// UnsubscribeAll removes connectionID from every room it joined.
func (m *Manager) UnsubscribeAll(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	trips := make([]string, 0, len(m.conns[connectionID]))
	for t := range m.conns[connectionID] {
		trips = append(trips, t)
	}
	m.mu.Unlock()
	var errs []error
	for _, t := range trips {
		if err := m.Unsubscribe(ctx, connectionID, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// leaveLocked reports whether the room became empty and was removed.
func (m *Manager) leaveLocked(connectionID, tripID string) bool {
	if trips := m.conns[connectionID]; trips != nil {
		delete(trips, tripID)
		if len(trips) == 0 {
			delete(m.conns, connectionID)
		}
	}
	r, ok := m.rooms[tripID]
	if !ok {
		return false
	}
	if _, member := r.members[connectionID]; !member {
		return false
	}
	delete(r.members, connectionID)
	if len(r.members) > 0 {
		return false
	}
	delete(m.rooms, tripID)
	observability.ActiveRooms.Dec()
	return true
}

func (m *Manager) receive(channel string, payload []byte) {
	var env models.BatchEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.Warn("undecodable envelope", "channel", channel, "error", err)
		return
	}
	m.mu.Lock()
	r, ok := m.rooms[env.TripID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if env.Seq <= r.lastSeq {
		m.mu.Unlock()
		observability.EnvelopesDuplicate.Inc()
		return
	}
	r.lastSeq = env.Seq
	closed := env.Type == models.EnvelopeStreamClosed
	if !closed && env.Entry != nil {
		// another process may have published an older window under a newer seq
		if env.Entry.Sample.CapturedAtEpochMs < r.lastCaptured {
			m.mu.Unlock()
			observability.EnvelopesDuplicate.Inc()
			return
		}
		r.lastCaptured = env.Entry.Sample.CapturedAtEpochMs
	}
	members := make([]string, 0, len(r.members))
	for c, delivered := range r.members {
		if env.Seq > delivered {
			members = append(members, c)
			r.members[c] = env.Seq
		}
	}
	if closed {
		for c := range r.members {
			m.leaveLocked(c, env.TripID)
		}
	}
	m.mu.Unlock()

	for _, c := range members {
		if m.deliver.Deliver(c, payload) {
			observability.EnvelopesDelivered.Inc()
		}
	}
	if closed {
		go m.release(env.TripID)
	}
}

// release drops the trip channel unless a new member arrived meanwhile.
func (m *Manager) release(tripID string) {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()
	m.mu.Lock()
	_, reopened := m.rooms[tripID]
	m.mu.Unlock()
	if reopened {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.broker.Unsubscribe(ctx, broker.TripChannel(tripID)); err != nil {
		m.logger.Warn("release trip channel failed", "trip_id", tripID, "error", err)
	}
}

// Members lists the local connections in a trip room.
func (m *Manager) Members(tripID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[tripID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LastSeq returns the highest sequence delivered into a room.
func (m *Manager) LastSeq(tripID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[tripID]
	if !ok {
		return 0, ErrUnknownTrip
	}
	return r.lastSeq, nil
}

func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
