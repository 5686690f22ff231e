package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

type memEntry struct {
	id  logID
	env models.BatchEnvelope
}

// MemoryLog is a process-local ReplayLog used in tests and single-node runs.
type MemoryLog struct {
	mu      sync.Mutex
	entries []memEntry
	latest  map[string]memEntry
	last    logID
	now     func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{latest: make(map[string]memEntry), now: time.Now}
}

func (l *MemoryLog) Append(_ context.Context, env models.BatchEnvelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := logID{ms: l.now().UnixMilli()}
	if !l.last.less(id) {
		id = logID{ms: l.last.ms, seq: l.last.seq + 1}
	}
	l.last = id
	e := memEntry{id: id, env: env}
	l.entries = append(l.entries, e)
	if env.Type == models.EnvelopeLocation {
		l.latest[env.TripID] = e
	}
	return nil
}

func (l *MemoryLog) Range(_ context.Context, after string, limit int) ([]Entry, error) {
	from, err := parseID(after)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.entries), func(i int) bool { return from.less(l.entries[i].id) })
	if after == "" {
		i = 0
	}
	out := make([]Entry, 0)
	for ; i < len(l.entries); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, Entry{ID: l.entries[i].id.String(), Envelope: l.entries[i].env})
	}
	return out, nil
}

func (l *MemoryLog) Latest(_ context.Context, tripID string) (models.BatchEnvelope, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.latest[tripID]
	return e.env, ok, nil
}

func (l *MemoryLog) Trim(_ context.Context, before time.Time) (int64, error) {
	cut := before.UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].id.ms >= cut })
	l.entries = append([]memEntry(nil), l.entries[n:]...)
	for trip, e := range l.latest {
		if e.id.ms < cut {
			delete(l.latest, trip)
		}
	}
	return int64(n), nil
}

func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
