package sos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/notify"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/internal/workerpool"
)

type fakeGateway struct {
	mu          sync.Mutex
	opsFailures int
	opsAlways   bool
	failPhones  map[string]bool
	sms         []string
	push        []string
	ops         []notify.OperationsEvent
}

func (g *fakeGateway) SendSMS(ctx context.Context, phone, body string) (notify.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sms = append(g.sms, phone)
	if g.failPhones[phone] {
		return notify.Result{}, errors.New("carrier unreachable")
	}
	return notify.Result{Success: true, ProviderRef: "sms-" + phone}, nil
}

func (g *fakeGateway) SendPush(ctx context.Context, token, title, body string) (notify.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.push = append(g.push, token)
	return notify.Result{Success: true, ProviderRef: "push-" + token}, nil
}

func (g *fakeGateway) SendOperationsEvent(ctx context.Context, ev notify.OperationsEvent) (notify.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, ev)
	if g.opsAlways {
		return notify.Result{}, errors.New("ops channel down")
	}
	if g.opsFailures > 0 {
		g.opsFailures--
		return notify.Result{Success: false}, nil
	}
	return notify.Result{Success: true, ProviderRef: "ops-1"}, nil
}

func (g *fakeGateway) opsCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ops)
}

type fakeEscalator struct {
	mu    sync.Mutex
	tasks []models.NotificationTask
}

func (f *fakeEscalator) Escalate(ctx context.Context, alert models.SOSAlert, task models.NotificationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type brokenStore struct {
	*storage.MemoryStore
}

func (brokenStore) CreateAlert(ctx context.Context, a models.SOSAlert) (models.SOSAlert, bool, error) {
	return models.SOSAlert{}, false, errors.New("db unavailable")
}

type harness struct {
	p     *Pipeline
	store *storage.MemoryStore
	gw    *fakeGateway
	esc   *fakeEscalator
	pool  *workerpool.Pool
}

func newHarness(t *testing.T, store storage.AlertStore) harness {
	t.Helper()
	mem := storage.NewMemoryStore()
	if store == nil {
		store = mem
	}
	pool := workerpool.New("sos", 4, 256, logging.Discard())
	t.Cleanup(pool.Stop)
	gw := &fakeGateway{failPhones: map[string]bool{}}
	esc := &fakeEscalator{}
	p := NewPipeline(Deps{Pool: pool, Store: store, Contacts: mem, Gateway: gw, Escalator: esc},
		Options{MaxAttempts: 3, RetryBase: 5 * time.Millisecond, CallTimeout: 50 * time.Millisecond}, logging.Discard())
	return harness{p: p, store: mem, gw: gw, esc: esc, pool: pool}
}

func alert(id string) models.SOSAlert {
	return models.SOSAlert{AlertID: id, UserID: "rider-1", TripID: "T1", Location: models.Coord{Lat: 12.97, Lng: 77.59}, AccuracyMeters: 8}
}

func contacts(n int) []models.EmergencyContact {
	out := make([]models.EmergencyContact, n)
	for i := range out {
		out[i] = models.EmergencyContact{Name: fmt.Sprintf("c%d", i), Phone: fmt.Sprintf("+1555000%d", i)}
	}
	return out
}

func waitDone(t *testing.T, h *AlertHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func tasksByKind(h *AlertHandle, kind models.TaskKind) []models.NotificationTask {
	var out []models.NotificationTask
	for _, t := range h.Tasks() {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func TestTriggerPersistsBeforeSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.opsAlways = true
	h.gw.failPhones["+15550000"] = true
	h.store.SetContacts("rider-1", contacts(1))

	handle, err := h.p.Trigger(context.Background(), alert("a1"))
	require.NoError(t, err)

	stored, err := h.store.GetAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "rider-1", stored.UserID)

	waitDone(t, handle)
	// operations never heard about it, so the alert stays open and escalated
	assert.Equal(t, models.AlertProcessing, handle.Status())
	require.Eventually(t, func() bool { return h.esc.count() == 2 }, time.Second, 5*time.Millisecond)
	got, err := h.store.GetAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.NotEqual(t, models.AlertCompleted, got.Status)
}

func TestTriggerSurfacesPersistFailure(t *testing.T) {
	h := newHarness(t, brokenStore{storage.NewMemoryStore()})
	handle, err := h.p.Trigger(context.Background(), alert("a1"))
	require.ErrorIs(t, err, ErrPersistFailed)
	require.NotNil(t, handle)
	assert.Equal(t, models.AlertFailed, handle.Status())
	assert.Empty(t, handle.Tasks())
	select {
	case <-handle.Done():
	default:
		t.Fatal("failed alert should be settled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.gw.opsCalls())

	// a failed write is not remembered, so the caller can retry
	_, err = h.p.Trigger(context.Background(), alert("a1"))
	assert.ErrorIs(t, err, ErrPersistFailed)
}

func TestTriggerRejectsInvalidAlert(t *testing.T) {
	h := newHarness(t, nil)
	bad := alert("a1")
	bad.Location.Lat = 120
	_, err := h.p.Trigger(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidAlert)
	anon := alert("a1")
	anon.UserID = " "
	_, err = h.p.Trigger(context.Background(), anon)
	assert.ErrorIs(t, err, ErrInvalidAlert)
}

func TestTriggerAssignsAlertID(t *testing.T) {
	h := newHarness(t, nil)
	handle, err := h.p.Trigger(context.Background(), alert(""))
	require.NoError(t, err)
	require.Len(t, handle.AlertID(), 36)
	waitDone(t, handle)

	stored, err := h.store.GetAlert(context.Background(), handle.AlertID())
	require.NoError(t, err)
	assert.NotZero(t, stored.TriggeredAtEpochMs)
}

// gatedStore holds CreateAlert until release is closed.
type gatedStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	fail    bool
}

func newGatedStore(fail bool) *gatedStore {
	return &gatedStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{}, 4), release: make(chan struct{}), fail: fail}
}

func (g *gatedStore) CreateAlert(ctx context.Context, a models.SOSAlert) (models.SOSAlert, bool, error) {
	g.entered <- struct{}{}
	<-g.release
	if g.fail {
		return models.SOSAlert{}, false, errors.New("db unavailable")
	}
	return g.MemoryStore.CreateAlert(ctx, a)
}

type triggerResult struct {
	h   *AlertHandle
	err error
}

func triggerAsync(p *Pipeline, a models.SOSAlert) <-chan triggerResult {
	out := make(chan triggerResult, 1)
	go func() {
		h, err := p.Trigger(context.Background(), a)
		out <- triggerResult{h, err}
	}()
	return out
}

func TestRetriedTriggerWaitsForFailingWrite(t *testing.T) {
	store := newGatedStore(true)
	h := newHarness(t, store)

	first := triggerAsync(h.p, alert("dup"))
	<-store.entered
	second := triggerAsync(h.p, alert("dup"))
	select {
	case res := <-second:
		t.Fatalf("retried trigger acknowledged before the write finished: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
	close(store.release)

	for _, ch := range []<-chan triggerResult{first, second} {
		res := <-ch
		require.ErrorIs(t, res.err, ErrPersistFailed)
		assert.Equal(t, models.AlertFailed, res.h.Status())
	}
	assert.Len(t, store.entered, 0)
	_, err := store.GetAlert(context.Background(), "dup")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, h.gw.opsCalls())
}

func TestRetriedTriggerSharesSuccessfulWrite(t *testing.T) {
	store := newGatedStore(false)
	h := newHarness(t, store)

	first := triggerAsync(h.p, alert("dup"))
	<-store.entered
	second := triggerAsync(h.p, alert("dup"))
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.h, b.h)
	waitDone(t, a.h)
	assert.Equal(t, 1, h.gw.opsCalls())
}

// slowStore makes every full-record write take a little while.
type slowStore struct {
	*storage.MemoryStore
}

func (s slowStore) SaveAlert(ctx context.Context, a models.SOSAlert) error {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.SaveAlert(ctx, a)
}

func TestFullQueueDoesNotSpendAttempts(t *testing.T) {
	pool := workerpool.New("sos", 4, 16, logging.Discard())
	t.Cleanup(pool.Stop)
	store := slowStore{storage.NewMemoryStore()}
	gw := &fakeGateway{failPhones: map[string]bool{}}
	esc := &fakeEscalator{}
	p := NewPipeline(Deps{Pool: pool, Store: store, Contacts: store.MemoryStore, Gateway: gw, Escalator: esc},
		Options{RetryBase: 5 * time.Millisecond, CallTimeout: 50 * time.Millisecond}, logging.Discard())

	handles := make([]*AlertHandle, 0, 200)
	for i := 0; i < 200; i++ {
		handle, err := p.Trigger(context.Background(), alert(fmt.Sprintf("load-%d", i)))
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, handle.Wait(ctx))
		cancel()
		assert.Equal(t, models.AlertCompleted, handle.Status())
		for _, task := range handle.Tasks() {
			assert.Equal(t, 1, task.Attempts, task.TaskID)
		}
	}
	assert.Equal(t, 200, gw.opsCalls())
	assert.Zero(t, esc.count())
}

func TestPartialContactFailureStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	cs := contacts(5)
	h.store.SetContacts("rider-1", cs)
	h.gw.failPhones[cs[1].Phone] = true
	h.gw.failPhones[cs[3].Phone] = true

	handle, err := h.p.Trigger(context.Background(), alert("a2"))
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, models.AlertCompleted, handle.Status())
	var failed, ok int
	for _, task := range tasksByKind(handle, models.TaskNotifyContact) {
		switch task.Status {
		case models.TaskFailed:
			failed++
			assert.Equal(t, 3, task.Attempts)
			assert.NotEmpty(t, task.LastError)
		case models.TaskSucceeded:
			ok++
			assert.Equal(t, 1, task.Attempts)
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 3, ok)
	require.Eventually(t, func() bool { return h.esc.count() == 2 }, time.Second, 5*time.Millisecond)

	stored, err := h.store.GetAlert(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, models.AlertCompleted, stored.Status)
}

func TestOperationsRetriedIndependently(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetContacts("rider-1", contacts(2))
	h.gw.opsFailures = 2

	handle, err := h.p.Trigger(context.Background(), alert("a3"))
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, models.AlertCompleted, handle.Status())
	ops := tasksByKind(handle, models.TaskNotifyOperations)
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].Attempts)
	assert.Equal(t, models.TaskSucceeded, ops[0].Status)
	assert.Equal(t, "ops-1", ops[0].ProviderRef)
	assert.Equal(t, 1, tasksByKind(handle, models.TaskPersistAlert)[0].Attempts)
	for _, c := range tasksByKind(handle, models.TaskNotifyContact) {
		assert.Equal(t, 1, c.Attempts)
	}
	assert.Zero(t, h.esc.count())

	stored, err := h.store.ListTasks(context.Background(), "a3")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestRedeliveredTriggerIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetContacts("rider-1", contacts(1))

	first, err := h.p.Trigger(context.Background(), alert("a4"))
	require.NoError(t, err)
	second, err := h.p.Trigger(context.Background(), alert("a4"))
	require.NoError(t, err)
	assert.Same(t, first, second)
	waitDone(t, first)

	// a second process sharing the store sees the alert as already owned
	pool := workerpool.New("sos-b", 1, 8, logging.Discard())
	defer pool.Stop()
	other := NewPipeline(Deps{Pool: pool, Store: h.store, Contacts: h.store, Gateway: h.gw}, Options{}, logging.Discard())
	third, err := other.Trigger(context.Background(), alert("a4"))
	require.NoError(t, err)
	waitDone(t, third)
	assert.Equal(t, models.AlertCompleted, third.Status())
	assert.Empty(t, third.Tasks())

	assert.Equal(t, 1, h.gw.opsCalls())
	h.gw.mu.Lock()
	assert.Len(t, h.gw.sms, 1)
	h.gw.mu.Unlock()
}

func TestContactWithoutChannelFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetContacts("rider-1", []models.EmergencyContact{{Name: "nobody"}, {Name: "app-only", PushToken: "tok"}})

	handle, err := h.p.Trigger(context.Background(), alert("a5"))
	require.NoError(t, err)
	waitDone(t, handle)

	cs := tasksByKind(handle, models.TaskNotifyContact)
	require.Len(t, cs, 2)
	assert.Equal(t, models.TaskFailed, cs[0].Status)
	assert.Equal(t, 1, cs[0].Attempts)
	assert.Equal(t, models.TaskSucceeded, cs[1].Status)
	assert.Equal(t, "push-tok", cs[1].ProviderRef)
}

func TestUnconfiguredChannelIsNotRetried(t *testing.T) {
	mem := storage.NewMemoryStore()
	mem.SetContacts("rider-1", contacts(1))
	pool := workerpool.New("sos", 2, 32, logging.Discard())
	t.Cleanup(pool.Stop)
	gw := &fakeGateway{failPhones: map[string]bool{}}
	esc := &fakeEscalator{}
	p := NewPipeline(Deps{Pool: pool, Store: mem, Contacts: mem, Gateway: &notify.Router{Ops: gw}, Escalator: esc},
		Options{RetryBase: 5 * time.Millisecond, CallTimeout: 50 * time.Millisecond}, logging.Discard())

	handle, err := p.Trigger(context.Background(), alert("a9"))
	require.NoError(t, err)
	waitDone(t, handle)

	cs := tasksByKind(handle, models.TaskNotifyContact)
	require.Len(t, cs, 1)
	assert.Equal(t, models.TaskFailed, cs[0].Status)
	assert.Equal(t, 1, cs[0].Attempts)
	assert.Equal(t, models.AlertCompleted, handle.Status())
	assert.Eventually(t, func() bool { return esc.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestGetFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownAlert)

	handle, err := h.p.Trigger(context.Background(), alert("a6"))
	require.NoError(t, err)
	waitDone(t, handle)

	a, tasks, err := h.p.Get(context.Background(), "a6")
	require.NoError(t, err)
	assert.Equal(t, models.AlertCompleted, a.Status)
	assert.Len(t, tasks, 2)

	h.p.recent.Flush()
	a, tasks, err = h.p.Get(context.Background(), "a6")
	require.NoError(t, err)
	assert.Equal(t, models.AlertCompleted, a.Status)
	assert.Len(t, tasks, 2)
}

func TestSOSUnaffectedBySaturatedBulkPool(t *testing.T) {
	bulk := workerpool.New("bulk", 2, 64, logging.Discard())
	release := make(chan struct{})
	block := func(ctx context.Context) { <-release }
	defer func() { close(release); bulk.Stop() }()
	require.Eventually(t, func() bool {
		return errors.Is(bulk.TrySubmit(block), workerpool.ErrQueueFull) && bulk.QueueDepth() == 64
	}, time.Second, time.Millisecond)

	h := newHarness(t, nil)
	h.store.SetContacts("rider-1", contacts(3))

	start := time.Now()
	handles := make([]*AlertHandle, 0, 20)
	for i := 0; i < 20; i++ {
		handle, err := h.p.Trigger(context.Background(), alert(fmt.Sprintf("burst-%d", i)))
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		waitDone(t, handle)
		assert.Equal(t, models.AlertCompleted, handle.Status())
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
