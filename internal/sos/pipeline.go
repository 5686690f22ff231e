// Package sos runs emergency alerts on a dedicated worker pool. An alert is
// stored before any side effect starts; each side effect is then an
// independent task with its own retry budget.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/notify"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/internal/workerpool"
)

var (
	ErrPersistFailed = errors.New("sos: alert could not be persisted")
	ErrUnknownAlert  = errors.New("sos: unknown alert")
	ErrInvalidAlert  = errors.New("sos: invalid alert")

	errPermanent = errors.New("permanent failure")
)

// Escalator is told about every task that gave up.
type Escalator interface {
	Escalate(ctx context.Context, alert models.SOSAlert, task models.NotificationTask) error
}

// NearbyFinder supplies the positions attached to the operations event.
type NearbyFinder interface {
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]geo.Position, error)
}

type Options struct {
	MaxAttempts    int
	RetryBase      time.Duration
	CallTimeout    time.Duration
	PersistTimeout time.Duration
	// RecentTTL is how long a trigger is remembered for idempotency.
	RecentTTL    time.Duration
	NearbyRadius float64
	NearbyLimit  int
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 40 * time.Millisecond
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 250 * time.Millisecond
	}
	if o.RecentTTL <= 0 {
		o.RecentTTL = 10 * time.Minute
	}
	if o.NearbyRadius <= 0 {
		o.NearbyRadius = 2000
	}
	if o.NearbyLimit <= 0 {
		o.NearbyLimit = 10
	}
}

type Pipeline struct {
	pool      *workerpool.Pool
	store     storage.AlertStore
	contacts  storage.ContactDirectory
	gateway   notify.Gateway
	escalator Escalator
	nearby    NearbyFinder
	opts      Options
	logger    *slog.Logger

	recent *cache.Cache

	// inflight holds triggers whose durable write has not returned yet
	mu       sync.Mutex
	inflight map[string]*pendingTrigger
}

type pendingTrigger struct {
	done chan struct{}
	h    *AlertHandle
	err  error
}

// requeueDelay paces resubmission while the SOS queue is full.
const requeueDelay = 2 * time.Millisecond

type Deps struct {
	Pool      *workerpool.Pool
	Store     storage.AlertStore
	Contacts  storage.ContactDirectory
	Gateway   notify.Gateway
	Escalator Escalator
	Nearby    NearbyFinder
}

func NewPipeline(d Deps, opts Options, logger *slog.Logger) *Pipeline {
	opts.defaults()
	esc := d.Escalator
	if esc == nil {
		esc = notify.LogEscalator{Logger: logger}
	}
	return &Pipeline{
		pool:      d.Pool,
		store:     d.Store,
		contacts:  d.Contacts,
		gateway:   d.Gateway,
		escalator: esc,
		nearby:    d.Nearby,
		opts:      opts,
		logger:    logger,
		recent:    cache.New(opts.RecentTTL, 2*opts.RecentTTL),
		inflight:  make(map[string]*pendingTrigger),
	}
}

func validate(a models.SOSAlert) error {
	switch {
	case strings.TrimSpace(a.UserID) == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidAlert)
	case !a.Location.Valid():
		return fmt.Errorf("%w: %v", ErrInvalidAlert, models.ErrBadCoordinate)
	}
	return nil
}

// Trigger stores the alert and schedules its side effects. It returns once
// the alert is durable; an error means nothing was dispatched. Triggering an
// alert id that is already known returns the existing handle, and a trigger
// racing an unfinished write for the same id waits for that write's outcome.
// When the write fails the returned handle, if any, reports AlertFailed.
func (p *Pipeline) Trigger(ctx context.Context, a models.SOSAlert) (*AlertHandle, error) {
	if err := validate(a); err != nil {
		observability.SOSTriggered.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if strings.TrimSpace(a.AlertID) == "" {
		a.AlertID = uuid.NewString()
	}

	p.mu.Lock()
	if pt, ok := p.inflight[a.AlertID]; ok {
		p.mu.Unlock()
		observability.SOSTriggered.WithLabelValues("duplicate").Inc()
		select {
		case <-pt.done:
			return pt.h, pt.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h, ok := p.lookup(a.AlertID); ok {
		p.mu.Unlock()
		observability.SOSTriggered.WithLabelValues("duplicate").Inc()
		return h, nil
	}
	pt := &pendingTrigger{done: make(chan struct{})}
	p.inflight[a.AlertID] = pt
	p.mu.Unlock()

	pt.h, pt.err = p.create(ctx, a)
	if pt.err == nil {
		p.recent.Set(a.AlertID, pt.h, cache.DefaultExpiration)
	}
	p.mu.Lock()
	delete(p.inflight, a.AlertID)
	p.mu.Unlock()
	close(pt.done)
	return pt.h, pt.err
}

// create performs the durable write and, for a new alert, dispatches its tasks.
func (p *Pipeline) create(ctx context.Context, a models.SOSAlert) (*AlertHandle, error) {
	if a.TriggeredAtEpochMs == 0 {
		a.TriggeredAtEpochMs = models.NowMs()
	}
	a.Status = models.AlertTriggered
	run := newRun(a)
	h := &AlertHandle{run: run}

	pctx, cancel := context.WithTimeout(ctx, p.opts.PersistTimeout)
	stored, created, err := p.store.CreateAlert(pctx, a)
	cancel()
	if err != nil {
		run.persistFailed()
		observability.SOSTriggered.WithLabelValues("persist_failed").Inc()
		p.logger.Error("sos alert not persisted", "alert_id", a.AlertID, "user_id", a.UserID, "error", err)
		return h, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if !created {
		// another process already owns this alert
		run.adopt(stored)
		observability.SOSTriggered.WithLabelValues("duplicate").Inc()
		return h, nil
	}

	run.start()
	observability.SOSTriggered.WithLabelValues("accepted").Inc()
	p.logger.Info("sos alert accepted", "alert_id", a.AlertID, "user_id", a.UserID, "trip_id", a.TripID)
	p.submit(run, run.persist)
	p.submit(run, run.ops)
	p.submitResolve(run, 1)
	return h, nil
}

func (p *Pipeline) lookup(alertID string) (*AlertHandle, bool) {
	v, ok := p.recent.Get(alertID)
	if !ok {
		return nil, false
	}
	return v.(*AlertHandle), true
}

// Get returns the alert and its tasks, from memory while the alert is recent
// and from the store afterwards.
func (p *Pipeline) Get(ctx context.Context, alertID string) (models.SOSAlert, []models.NotificationTask, error) {
	if h, ok := p.lookup(alertID); ok {
		return h.Alert(), h.Tasks(), nil
	}
	a, err := p.store.GetAlert(ctx, alertID)
	if errors.Is(err, storage.ErrNotFound) {
		return a, nil, ErrUnknownAlert
	}
	if err != nil {
		return a, nil, err
	}
	tasks, err := p.store.ListTasks(ctx, alertID)
	return a, tasks, err
}

func (p *Pipeline) QueueDepth() int { return p.pool.QueueDepth() }

func (p *Pipeline) submit(run *alertRun, task *models.NotificationTask) {
	err := p.pool.TrySubmit(func(ctx context.Context) { p.attempt(ctx, run, task) })
	switch {
	case err == nil:
		return
	case errors.Is(err, workerpool.ErrQueueFull):
		// local backpressure keeps the task's attempt budget intact
		time.AfterFunc(requeueDelay, func() { p.submit(run, task) })
		return
	}
	run.mu.Lock()
	task.Attempts++
	run.mu.Unlock()
	p.fail(run, task, fmt.Errorf("%w: %v", errPermanent, err))
}

func (p *Pipeline) attempt(ctx context.Context, run *alertRun, task *models.NotificationTask) {
	run.mu.Lock()
	task.Attempts++
	task.Status = models.TaskRunning
	snap := *task
	run.mu.Unlock()

	ref, err := p.exec(ctx, run, snap)
	if err != nil {
		p.fail(run, task, err)
		return
	}
	p.succeed(run, task, ref)
}

func (p *Pipeline) exec(ctx context.Context, run *alertRun, task models.NotificationTask) (string, error) {
	alert := run.snapshot()
	switch task.Kind {
	case models.TaskPersistAlert:
		cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		return "", p.store.SaveAlert(cctx, alert)
	case models.TaskNotifyOperations:
		ev := notify.NewOperationsEvent(alert, p.nearbyFor(ctx, run))
		cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		return checkResult(p.gateway.SendOperationsEvent(cctx, ev))
	case models.TaskNotifyContact:
		c := task.Contact
		cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		switch {
		case c == nil:
			return "", fmt.Errorf("%w: task has no contact", errPermanent)
		case c.Phone != "":
			return checkResult(p.gateway.SendSMS(cctx, c.Phone, contactMessage(alert, c)))
		case c.PushToken != "":
			return checkResult(p.gateway.SendPush(cctx, c.PushToken, "SOS", contactMessage(alert, c)))
		default:
			return "", fmt.Errorf("%w: contact %q has no phone or push token", errPermanent, c.Name)
		}
	}
	return "", fmt.Errorf("%w: unknown task kind %q", errPermanent, task.Kind)
}

func checkResult(res notify.Result, err error) (string, error) {
	if errors.Is(err, notify.ErrNotConfigured) {
		return "", fmt.Errorf("%w: %w", errPermanent, err)
	}
	if err != nil {
		return res.ProviderRef, err
	}
	if !res.Success {
		return res.ProviderRef, errors.New("provider reported failure")
	}
	return res.ProviderRef, nil
}

func contactMessage(a models.SOSAlert, c *models.EmergencyContact) string {
	return fmt.Sprintf("SOS: %s, user %s needs help at https://maps.google.com/?q=%.6f,%.6f", c.Name, a.UserID, a.Location.Lat, a.Location.Lng)
}

// nearbyFor looks positions up once per alert with its own small budget.
func (p *Pipeline) nearbyFor(ctx context.Context, run *alertRun) []geo.Position {
	if p.nearby == nil {
		return nil
	}
	run.mu.Lock()
	if run.nearbyDone {
		out := run.nearby
		run.mu.Unlock()
		return out
	}
	at := run.alert.Location
	run.mu.Unlock()

	nctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout/2)
	defer cancel()
	positions, err := p.nearby.Nearby(nctx, at, p.opts.NearbyRadius, p.opts.NearbyLimit)
	if err != nil {
		p.logger.Debug("nearby lookup failed", "alert_id", run.alertID(), "error", err)
		return nil
	}
	run.mu.Lock()
	run.nearby, run.nearbyDone = positions, true
	run.mu.Unlock()
	return positions
}

func (p *Pipeline) succeed(run *alertRun, task *models.NotificationTask, ref string) {
	run.mu.Lock()
	task.Status = models.TaskSucceeded
	task.ProviderRef = ref
	task.LastError = ""
	task.NextRetryAtEpochMs = 0
	snap := *task
	completed := run.completeLocked()
	alert := run.alert
	run.mu.Unlock()

	observability.SOSTaskResults.WithLabelValues(string(snap.Kind), "success").Inc()
	p.saveTask(snap)
	if completed {
		observability.SOSCompletion.Observe(time.Since(run.started).Seconds())
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.PersistTimeout)
		if err := p.store.UpdateAlertStatus(ctx, alert.AlertID, models.AlertCompleted); err != nil {
			p.logger.Warn("sos completion not stored", "alert_id", alert.AlertID, "error", err)
		}
		cancel()
		p.logger.Info("sos alert completed", "alert_id", alert.AlertID, "elapsed_ms", time.Since(run.started).Milliseconds())
	}
	if run.finish() {
		p.logger.Debug("sos alert settled", "alert_id", alert.AlertID)
	}
}

func (p *Pipeline) fail(run *alertRun, task *models.NotificationTask, err error) {
	var delay time.Duration
	run.mu.Lock()
	task.LastError = err.Error()
	terminal := errors.Is(err, errPermanent) || task.Attempts >= p.opts.MaxAttempts
	if terminal {
		task.Status = models.TaskFailed
		task.NextRetryAtEpochMs = 0
	} else {
		task.Status = models.TaskPending
		delay = p.backoff(task.Attempts)
		task.NextRetryAtEpochMs = time.Now().Add(delay).UnixMilli()
	}
	snap := *task
	alert := run.alert
	run.mu.Unlock()

	p.saveTask(snap)
	if !terminal {
		observability.SOSTaskResults.WithLabelValues(string(snap.Kind), "retry").Inc()
		p.logger.Warn("sos task retry", "alert_id", snap.AlertID, "task_id", snap.TaskID, "attempt", snap.Attempts, "retry_in", delay.String(), "error", err)
		time.AfterFunc(delay, func() { p.submit(run, task) })
		return
	}
	observability.SOSTaskResults.WithLabelValues(string(snap.Kind), "failed").Inc()
	p.escalate(alert, snap)
	run.finish()
}

func (p *Pipeline) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return p.opts.RetryBase << (attempts - 1)
}

func (p *Pipeline) escalate(alert models.SOSAlert, task models.NotificationTask) {
	observability.SOSEscalations.Inc()
	p.logger.Error("sos task exhausted", "alert_id", alert.AlertID, "task_id", task.TaskID, "kind", task.Kind, "attempts", task.Attempts, "error", task.LastError)
	// escalation must not hold an SOS worker
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.escalator.Escalate(ctx, alert, task); err != nil {
			p.logger.Error("sos escalation failed", "alert_id", alert.AlertID, "task_id", task.TaskID, "error", err)
		}
	}()
}

func (p *Pipeline) saveTask(t models.NotificationTask) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PersistTimeout)
	defer cancel()
	if err := p.store.SaveTask(ctx, t); err != nil {
		p.logger.Warn("sos task state not stored", "task_id", t.TaskID, "error", err)
	}
}
