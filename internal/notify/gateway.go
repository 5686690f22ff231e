// Package notify talks to the outside world on behalf of an SOS alert: SMS
// and push providers, the operations channel and the escalation queue.
package notify

import (
	"context"
	"errors"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

var ErrNotConfigured = errors.New("notify: channel not configured")

// Result is what a provider reports for one send.
type Result struct {
	Success     bool
	ProviderRef string
}

// OperationsEvent is broadcast to the operations desk for every alert.
type OperationsEvent struct {
	AlertID            string         `json:"alert_id"`
	UserID             string         `json:"user_id"`
	TripID             string         `json:"trip_id,omitempty"`
	Location           models.Coord   `json:"location"`
	AccuracyMeters     float64        `json:"accuracy_meters"`
	TriggeredAtEpochMs int64          `json:"triggered_at_ms"`
	Nearby             []geo.Position `json:"nearby,omitempty"`
}

func NewOperationsEvent(a models.SOSAlert, nearby []geo.Position) OperationsEvent {
	return OperationsEvent{
		AlertID:            a.AlertID,
		UserID:             a.UserID,
		TripID:             a.TripID,
		Location:           a.Location,
		AccuracyMeters:     a.AccuracyMeters,
		TriggeredAtEpochMs: a.TriggeredAtEpochMs,
		Nearby:             nearby,
	}
}

type Gateway interface {
	SendSMS(ctx context.Context, phone, body string) (Result, error)
	SendPush(ctx context.Context, token, title, body string) (Result, error)
	SendOperationsEvent(ctx context.Context, ev OperationsEvent) (Result, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, phone, body string) (Result, error)
}

type PushSender interface {
	SendPush(ctx context.Context, token, title, body string) (Result, error)
}

type OperationsSender interface {
	SendOperationsEvent(ctx context.Context, ev OperationsEvent) (Result, error)
}

// Router combines independent senders into a Gateway. A nil sender makes
// its channel fail with ErrNotConfigured.
type Router struct {
	SMS  SMSSender
	Push PushSender
	Ops  OperationsSender
}

func (r *Router) SendSMS(ctx context.Context, phone, body string) (Result, error) {
	if r.SMS == nil {
		return Result{}, ErrNotConfigured
	}
	return r.SMS.SendSMS(ctx, phone, body)
}

func (r *Router) SendPush(ctx context.Context, token, title, body string) (Result, error) {
	if r.Push == nil {
		return Result{}, ErrNotConfigured
	}
	return r.Push.SendPush(ctx, token, title, body)
}

func (r *Router) SendOperationsEvent(ctx context.Context, ev OperationsEvent) (Result, error) {
	if r.Ops == nil {
		return Result{}, ErrNotConfigured
	}
	return r.Ops.SendOperationsEvent(ctx, ev)
}
