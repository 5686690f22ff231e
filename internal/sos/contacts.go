package sos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/workerpool"
)

// submitResolve schedules the contact lookup that fans out into one task per
// contact. The lookup follows the same retry budget as a task.
func (p *Pipeline) submitResolve(run *alertRun, attempt int) {
	if p.contacts == nil {
		run.markContactsResolved()
		return
	}
	err := p.pool.TrySubmit(func(ctx context.Context) { p.resolve(ctx, run, attempt) })
	switch {
	case err == nil:
	case errors.Is(err, workerpool.ErrQueueFull):
		time.AfterFunc(requeueDelay, func() { p.submitResolve(run, attempt) })
	default:
		p.resolveFailed(run, attempt, fmt.Errorf("%w: %v", errPermanent, err))
	}
}

func (p *Pipeline) resolve(ctx context.Context, run *alertRun, attempt int) {
	alert := run.snapshot()
	cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	contacts, err := p.contacts.EmergencyContacts(cctx, alert.UserID)
	cancel()
	if err != nil {
		p.resolveFailed(run, attempt, err)
		return
	}
	tasks := run.addContacts(contacts)
	if len(tasks) == 0 {
		p.logger.Warn("sos alert has no emergency contacts", "alert_id", alert.AlertID, "user_id", alert.UserID)
	}
	for _, t := range tasks {
		p.submit(run, t)
	}
}

func (p *Pipeline) resolveFailed(run *alertRun, attempt int, err error) {
	alert := run.snapshot()
	if attempt < p.opts.MaxAttempts && !errors.Is(err, errPermanent) {
		delay := p.backoff(attempt)
		p.logger.Warn("sos contact lookup retry", "alert_id", alert.AlertID, "attempt", attempt, "error", err)
		time.AfterFunc(delay, func() { p.submitResolve(run, attempt+1) })
		return
	}
	run.markContactsResolved()
	p.escalate(alert, models.NotificationTask{
		TaskID:       taskID(alert.AlertID, "contacts"),
		AlertID:      alert.AlertID,
		Kind:         models.TaskNotifyContact,
		ContactIndex: -1,
		Attempts:     attempt,
		Status:       models.TaskFailed,
		LastError:    err.Error(),
	})
}
