package sos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

// alertRun is the in-memory state of one alert and its tasks.
type alertRun struct {
	mu               sync.Mutex
	alert            models.SOSAlert
	persist          *models.NotificationTask
	ops              *models.NotificationTask
	tasks            []*models.NotificationTask
	contactsResolved bool
	nearby           []geo.Position
	nearbyDone       bool
	done             chan struct{}
	closed           bool
	started          time.Time
}

func newRun(a models.SOSAlert) *alertRun {
	return &alertRun{alert: a, done: make(chan struct{}), started: time.Now()}
}

func taskID(alertID, suffix string) string { return alertID + "/" + suffix }

// start moves the alert to processing and creates its fixed tasks.
func (r *alertRun) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert.Status = models.AlertProcessing
	r.persist = &models.NotificationTask{TaskID: taskID(r.alert.AlertID, string(models.TaskPersistAlert)), AlertID: r.alert.AlertID, Kind: models.TaskPersistAlert, ContactIndex: -1, Status: models.TaskPending}
	r.ops = &models.NotificationTask{TaskID: taskID(r.alert.AlertID, string(models.TaskNotifyOperations)), AlertID: r.alert.AlertID, Kind: models.TaskNotifyOperations, ContactIndex: -1, Status: models.TaskPending}
	r.tasks = append(r.tasks, r.persist, r.ops)
}

// adopt reflects an alert created elsewhere; nothing runs for it here.
func (r *alertRun) adopt(stored models.SOSAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert = stored
	r.contactsResolved = true
	r.finishLocked()
}

// persistFailed marks an alert whose record could not be stored; no task exists for it.
func (r *alertRun) persistFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert.Status = models.AlertFailed
	r.contactsResolved = true
	r.finishLocked()
}

func (r *alertRun) addContacts(contacts []models.EmergencyContact) []*models.NotificationTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.NotificationTask, 0, len(contacts))
	for i := range contacts {
		c := contacts[i]
		t := &models.NotificationTask{
			TaskID:       taskID(r.alert.AlertID, fmt.Sprintf("contact/%d", i)),
			AlertID:      r.alert.AlertID,
			Kind:         models.TaskNotifyContact,
			ContactIndex: i,
			Contact:      &c,
			Status:       models.TaskPending,
		}
		r.tasks = append(r.tasks, t)
		out = append(out, t)
	}
	r.contactsResolved = true
	r.finishLocked()
	return out
}

func (r *alertRun) markContactsResolved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contactsResolved = true
	r.finishLocked()
}

// completeLocked flips the alert to completed once the record is stored and
// operations were told. Contact outcomes do not count.
func (r *alertRun) completeLocked() bool {
	if r.alert.Status != models.AlertProcessing {
		return false
	}
	if r.persist.Status != models.TaskSucceeded || r.ops.Status != models.TaskSucceeded {
		return false
	}
	r.alert.Status = models.AlertCompleted
	return true
}

func (r *alertRun) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked()
}

// finishLocked closes done once every task is terminal.
func (r *alertRun) finishLocked() bool {
	if r.closed || !r.contactsResolved {
		return false
	}
	for _, t := range r.tasks {
		if !t.Terminal() {
			return false
		}
	}
	r.closed = true
	close(r.done)
	return true
}

func (r *alertRun) snapshot() models.SOSAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alert
}

func (r *alertRun) alertID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alert.AlertID
}

// AlertHandle observes an alert accepted by Trigger.
type AlertHandle struct {
	run *alertRun
}

func (h *AlertHandle) AlertID() string { return h.run.alertID() }

func (h *AlertHandle) Alert() models.SOSAlert { return h.run.snapshot() }

func (h *AlertHandle) Status() models.AlertStatus { return h.run.snapshot().Status }

// Tasks returns copies of every task created so far.
func (h *AlertHandle) Tasks() []models.NotificationTask {
	h.run.mu.Lock()
	defer h.run.mu.Unlock()
	out := make([]models.NotificationTask, 0, len(h.run.tasks))
	for _, t := range h.run.tasks {
		out = append(out, *t)
	}
	return out
}

// Done is closed when every task reached a terminal state.
func (h *AlertHandle) Done() <-chan struct{} { return h.run.done }

func (h *AlertHandle) Wait(ctx context.Context) error {
	select {
	case <-h.run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
