package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-realtime/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	alerts   map[string]models.SOSAlert
	tasks    map[string]map[string]models.NotificationTask
	contacts map[string][]models.EmergencyContact
	history  map[historyKey]models.BatchEnvelope
}

type historyKey struct {
	tripID string
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:   make(map[string]models.SOSAlert),
		tasks:    make(map[string]map[string]models.NotificationTask),
		contacts: make(map[string][]models.EmergencyContact),
		history:  make(map[historyKey]models.BatchEnvelope),
	}
}

func (m *MemoryStore) CreateAlert(_ context.Context, a models.SOSAlert) (models.SOSAlert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.alerts[a.AlertID]; ok {
		return cur, false, nil
	}
	m.alerts[a.AlertID] = a
	return a, true, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, a models.SOSAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.AlertID] = a
	return nil
}

func (m *MemoryStore) UpdateAlertStatus(_ context.Context, alertID string, status models.AlertStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	m.alerts[alertID] = a
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, alertID string) (models.SOSAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.SOSAlert{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) SaveTask(_ context.Context, t models.NotificationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.AlertID] == nil {
		m.tasks[t.AlertID] = make(map[string]models.NotificationTask)
	}
	m.tasks[t.AlertID][t.TaskID] = t
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, alertID string) ([]models.NotificationTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationTask, 0, len(m.tasks[alertID]))
	for _, t := range m.tasks[alertID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *MemoryStore) SetContacts(userID string, contacts []models.EmergencyContact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[userID] = append([]models.EmergencyContact(nil), contacts...)
}

func (m *MemoryStore) EmergencyContacts(_ context.Context, userID string) ([]models.EmergencyContact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.EmergencyContact(nil), m.contacts[userID]...), nil
}

func (m *MemoryStore) Name() string { return "memory" }

// UpsertBatches keeps one row per (trip, seq).
func (m *MemoryStore) UpsertBatches(_ context.Context, envs []models.BatchEnvelope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range envs {
		m.history[historyKey{tripID: e.TripID, seq: e.Seq}] = e
	}
	return len(envs), nil
}

// TripHistory returns the stored envelopes of a trip ordered by seq.
func (m *MemoryStore) TripHistory(tripID string) []models.BatchEnvelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BatchEnvelope
	for k, e := range m.history {
		if k.tripID == tripID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
